package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL             string `yaml:"url" env:"URL"`
	MaxConns        int32  `yaml:"max_conns" env:"MAX_CONNS"`
	MinConns        int32  `yaml:"min_conns" env:"MIN_CONNS"`
	MaxConnIdleTime string `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
}

// NewPGPool connects to PostgreSQL, verifies the connection and applies the
// embedded migrations.
func NewPGPool(ctx context.Context, cfg PGConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime != "" {
		d, err := time.ParseDuration(cfg.MaxConnIdleTime)
		if err != nil {
			return nil, fmt.Errorf("parse max_conn_idle_time: %w", err)
		}
		poolCfg.MaxConnIdleTime = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	if err := NewMigrator(pool).Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate pg: %w", err)
	}
	return pool, nil
}
