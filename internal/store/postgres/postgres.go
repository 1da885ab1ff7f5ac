// Package postgres implements the store interfaces on PostgreSQL using
// handwritten SQL over a pgx connection pool. Schema migrations are embedded
// in the binary and applied with goose.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"

	"agent-engine/internal/config"
	"agent-engine/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is the durable store backing the engine in production.
type Postgres struct {
	pool *pgxpool.Pool
	dsn  string
}

var _ store.Store = (*Postgres)(nil)

// New opens a connection pool for the configured DSN and verifies
// connectivity before returning.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Postgres{pool: pool, dsn: cfg.DSN}, nil
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Migrate applies all pending embedded migrations. goose opens its own
// short-lived database/sql connection; the pgx pool is untouched.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", p.dsn)
	if err != nil {
		return fmt.Errorf("opening database for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	log.Info().Msg("database schema up to date")
	return nil
}

// maxListLimit caps list queries regardless of the caller's request.
const maxListLimit = 1000

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// nullTime converts a zero time to nil for nullable timestamp columns.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
