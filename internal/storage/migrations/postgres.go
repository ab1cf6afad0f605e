// Package migrations embeds and applies the mirror and archive schemas.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"eod-universe/internal/storage/postgres"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

// RunPostgresMigrations brings the mirror schema up to date. Migration
// files are idempotent and apply in lexical order, so reruns are safe.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool) error {
	for _, file := range listSQL(postgresFS, "postgres") {
		data, err := fs.ReadFile(postgresFS, "postgres/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

// listSQL returns the .sql entries of dir sorted lexically. The embed
// directive guarantees dir exists, so a read error here is a build bug.
func listSQL(fsys embed.FS, dir string) []string {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		panic(fmt.Sprintf("embedded migrations %s: %v", dir, err))
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files
}
