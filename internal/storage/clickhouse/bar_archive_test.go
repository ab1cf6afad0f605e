package clickhouse_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"eod-universe/internal/domain"
	"eod-universe/internal/storage"
	chstore "eod-universe/internal/storage/clickhouse"
	"eod-universe/internal/storage/migrations"
)

// setupTestDB starts a ClickHouse container, applies the embedded
// migrations and returns a connection to the test database.
func setupTestDB(t *testing.T) (*chstore.Conn, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp", "8123/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{
			"CLICKHOUSE_USER":     "default",
			"CLICKHOUSE_PASSWORD": "",
		},
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	dsn := fmt.Sprintf("clickhouse://default@%s:%s/universe_test", host, port.Port())
	conn, err := migrations.RunClickhouseMigrations(ctx, dsn)
	require.NoError(t, err, "failed to apply migrations")

	cleanup := func() {
		conn.Close()
		_ = container.Terminate(ctx)
	}
	return conn, cleanup
}

func dailyBars(n int) []domain.Bar {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.Bar, 0, n)
	for i := 0; i < n; i++ {
		day := start.AddDate(0, 0, i)
		out = append(out, domain.Bar{
			Date:          day.Format("2006-01-02"),
			Open:          100 + float64(i),
			High:          101 + float64(i),
			Low:           99 + float64(i),
			Close:         100.5 + float64(i),
			AdjustedClose: 100.5 + float64(i),
			Volume:        10000,
		})
	}
	return out
}

func countBars(t *testing.T, conn *chstore.Conn, canonicalID string) uint64 {
	t.Helper()
	var n uint64
	err := conn.QueryRow(context.Background(),
		`SELECT count() FROM universe_bars FINAL WHERE canonical_id = ?`, canonicalID,
	).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestArchiveBars(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// A batch size smaller than the history exercises the chunking path.
	archive := chstore.NewBarArchive(conn, 2)
	require.NoError(t, archive.ArchiveBars(ctx, "US:AAPL", dailyBars(5)))
	assert.Equal(t, uint64(5), countBars(t, conn, "US:AAPL"))

	var closePx, volume float64
	err := conn.QueryRow(ctx,
		`SELECT close, volume FROM universe_bars FINAL
		 WHERE canonical_id = ? AND date = '2025-01-03'`, "US:AAPL",
	).Scan(&closePx, &volume)
	require.NoError(t, err)
	assert.Equal(t, 102.5, closePx)
	assert.Equal(t, float64(10000), volume)
}

func TestArchiveBarsRearchiveDeduplicates(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	archive := chstore.NewBarArchive(conn, 0)
	bars := dailyBars(3)
	require.NoError(t, archive.ArchiveBars(ctx, "US:MSFT", bars))
	require.NoError(t, archive.ArchiveBars(ctx, "US:MSFT", bars))

	// ReplacingMergeTree collapses re-archived rows per (id, date).
	assert.Equal(t, uint64(3), countBars(t, conn, "US:MSFT"))
}

func TestArchiveBarsSkipsUnparseableDates(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	archive := chstore.NewBarArchive(conn, 0)
	bars := dailyBars(2)
	bars = append(bars, domain.Bar{Date: "not-a-date", Close: 1})
	require.NoError(t, archive.ArchiveBars(ctx, "US:JUNK", bars))
	assert.Equal(t, uint64(2), countBars(t, conn, "US:JUNK"))
}

func TestArchiveBarsInvalidInput(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	archive := chstore.NewBarArchive(conn, 0)
	assert.ErrorIs(t, archive.ArchiveBars(context.Background(), "", dailyBars(1)), storage.ErrInvalidInput)
}
