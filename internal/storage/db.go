package storage

import (
	"context"
	"fmt"
)

// Config holds connection settings for the ingest stores. ClickHouse is
// required; PostgreSQL is optional and skipped when no host is set, which
// runs the pipeline in firehose-only mode.
type Config struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`
}

// HasPostgres reports whether device state storage is configured.
func (c Config) HasPostgres() bool {
	return c.Postgres.Host != ""
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "sbd",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "sbd_state",
			User:     "sbd",
			Password: "sbd",
		},
	}
}

// DB bundles the ingest stores.
type DB struct {
	CH *ClickHouseDB // Frame firehose and analytics.
	PG *PostgresDB   // Device state and positions; nil in firehose-only mode.
}

// Open connects to ClickHouse and, when configured, PostgreSQL.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: %w", err)
	}

	db := &DB{CH: ch}
	if cfg.HasPostgres() {
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		db.PG = pg
	}
	return db, nil
}

// Close closes every open connection, returning the first error seen.
func (d *DB) Close() error {
	var errs []error
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// CreateSchemas creates the schema in each configured store.
func (d *DB) CreateSchemas(ctx context.Context) error {
	if err := d.CH.CreateSchema(ctx); err != nil {
		return fmt.Errorf("clickhouse schema: %w", err)
	}
	if d.PG == nil {
		return nil
	}
	if err := d.PG.CreateSchema(ctx); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}
	return nil
}
