// Package storage provides the single parameterised-query surface the core
// uses for persistence. Two backends are supported: an embedded SQLite file
// and a PostgreSQL server. Queries are written once against the $1..$N
// placeholder convention; the embedded backend rewrites them to ? form.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // Pure-Go SQLite driver
)

// Backend selectors for Config.Type.
const (
	BackendEmbedded = "embedded"
	BackendServer   = "server"
)

// Config selects and addresses the database backend.
type Config struct {
	Type string // "embedded" or "server"
	URL  string // file path (embedded) or connection string (server)
}

// Store is the shared query surface. Safe for concurrent use.
type Store struct {
	db       *sql.DB
	embedded bool
	log      zerolog.Logger
}

// Open connects to the configured backend, waits for it to answer, and
// creates the schema. Schema creation is idempotent (IF NOT EXISTS
// throughout), so concurrent restarts are harmless.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Store, error) {
	var driver string
	switch cfg.Type {
	case BackendEmbedded:
		driver = "sqlite"
	case BackendServer:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:       db,
		embedded: cfg.Type == BackendEmbedded,
		log:      log.With().Str("component", "storage").Logger(),
	}

	// A server backend may still be starting; retry the first contact.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if s.embedded {
		// WAL lets readers proceed while a writer is active.
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s.log.Info().Str("type", cfg.Type).Msg("database ready")
	return s, nil
}

// Embedded reports whether the embedded backend is in use. The few
// dialect-dependent query fragments consult this.
func (s *Store) Embedded() bool { return s.embedded }

// Query runs a read returning multiple rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rewrite(query), args...)
}

// QueryRow runs a read returning at most one row. Also the path for
// INSERT/UPDATE ... RETURNING, which both backends support.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rewrite(query), args...)
}

// Exec runs a statement without result rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rewrite(query), args...)
}

// Ping verifies the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rewrite(query string) string {
	if !s.embedded {
		return query
	}
	return rewritePlaceholders(query)
}

// rewritePlaceholders converts $1..$N placeholders to the ? form the
// embedded driver expects. Queries never reuse a placeholder number, so
// positional order is preserved.
func rewritePlaceholders(query string) string {
	if !strings.ContainsRune(query, '$') {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && isDigit(query[i+1]) {
			b.WriteByte('?')
			for i+1 < len(query) && isDigit(query[i+1]) {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// NullString returns a NULL parameter when s is empty.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// NullTime returns a NULL parameter when t is zero.
func NullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
