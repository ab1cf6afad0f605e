// Package postgres keeps a queryable mirror of the registry in Postgres.
// Mirror writes happen once per run, after scoring, so the pool is tuned
// for short bursts rather than sustained load.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool is a pgx connection pool bound to the mirror database.
type Pool struct {
	*pgxpool.Pool
}

// NewPool connects to the mirror database and verifies the connection
// before returning, so a bad DSN fails at startup rather than mid-run.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mirror dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect mirror: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping mirror: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

func isNotFoundError(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
