// Package postgres builds pgx connection pools with tracing and per-query
// logging/metrics wired in.
package postgres

import (
	"context"
	"fmt"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption configures NewPool.
type PoolOption func(*poolOptions)

type poolOptions struct {
	observer QueryObserver
}

// WithQueryObserver attaches an observer that receives every query duration.
func WithQueryObserver(o QueryObserver) PoolOption {
	return func(p *poolOptions) { p.observer = o }
}

// NewPool parses databaseURL, installs the otelpgx tracer wrapped with
// structured query logging, connects and pings.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	var po poolOptions
	for _, o := range opts {
		o(&po)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.ConnConfig.Tracer = &queryTracer{inner: otelpgx.NewTracer(), observer: po.observer}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
