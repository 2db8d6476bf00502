package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"homepulse/core-go/internal/sqlcgen"
)

type Options struct {
	// MaxConns caps the pool. Zero keeps the pgxpool default.
	MaxConns          int32
	HealthCheckPeriod time.Duration
}

// Pool wraps a pgx pool. A nil *Pool is a valid, no-op database.
type Pool struct {
	pool *pgxpool.Pool
}

// Open connects and pings once so a bad DSN fails at startup.
func Open(ctx context.Context, databaseURL string, opts Options) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}

	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Pool{pool: p}, nil
}

func (p *Pool) Close() {
	if p == nil || p.pool == nil {
		return
	}
	p.pool.Close()
}

func (p *Pool) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}

func (p *Pool) Queries() *sqlcgen.Queries {
	if p == nil || p.pool == nil {
		return nil
	}
	return sqlcgen.New(p.pool)
}

// ApplySchema executes a SQL file against the pool. Statements must be
// idempotent.
func (p *Pool) ApplySchema(ctx context.Context, path string) error {
	if p == nil || p.pool == nil {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schema %q: %w", path, err)
	}
	if _, err := p.pool.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("apply schema %q: %w", path, err)
	}
	return nil
}
