// Package postgres records mirrored events in a PostgreSQL table.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lsm/feedmirror/internal/feed"
	"github.com/lsm/feedmirror/internal/retry"
)

// DefaultTable is the table used when none is configured.
const DefaultTable = "events"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// querier is the subset of pgxpool.Pool used by Store.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds PostgreSQL store configuration.
type Config struct {
	DSN      string `yaml:"dsn" env:"DSN"`
	Table    string `yaml:"table" env:"TABLE" env-default:"events"`
	MaxConns int32  `yaml:"maxConns" env:"MAX_CONNS"`
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db     querier
	pool   *pgxpool.Pool
	logger *slog.Logger

	existsSQL string
	insertSQL string
	schemaSQL string
}

// Open connects to PostgreSQL, verifies the connection and creates the
// events table if it does not exist.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, retry.Permanent(fmt.Errorf("postgres dsn is required"))
	}
	if cfg.Table != "" && !tableName.MatchString(cfg.Table) {
		return nil, retry.Permanent(fmt.Errorf("invalid table name %q", cfg.Table))
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse dsn: %w", err))
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := newStore(pool, cfg.Table, logger)
	if err != nil {
		pool.Close()
		return nil, retry.Permanent(err)
	}
	s.pool = pool

	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db querier, table string, logger *slog.Logger) (*Store, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &Store{
		db:        db,
		logger:    logger,
		existsSQL: fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, ident),
		insertSQL: fmt.Sprintf(`INSERT INTO %s (id, type, payload) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`, ident),
		schemaSQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			type        TEXT NOT NULL,
			payload     JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, ident),
	}, nil
}

// EnsureSchema creates the events table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, s.schemaSQL); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	return nil
}

// Exists reports whether id has been recorded.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRow(ctx, s.existsSQL, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("query event %s: %w", id, err)
	}
	return exists, nil
}

// Insert records the event. A concurrent insert of the same id is ignored.
func (s *Store) Insert(ctx context.Context, event feed.Event) error {
	payload, err := event.Payload()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}

	tag, err := s.db.Exec(ctx, s.insertSQL, event.ID, event.Type, payload)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.ID, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("event already recorded", "event_id", event.ID)
	}
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
