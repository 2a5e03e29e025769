package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(context.Background(), Config{Type: BackendEmbedded, URL: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(context.Background(), Config{Type: BackendEmbedded, URL: path}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Second open against the same file re-runs the DDL.
	s2, err := Open(context.Background(), Config{Type: BackendEmbedded, URL: path}, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	require.NoError(t, s2.Ping(context.Background()))
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "bolt", URL: "x"}, zerolog.Nop())
	require.Error(t, err)
}

func TestRewritePlaceholders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "no placeholders", in: "SELECT 1", want: "SELECT 1"},
		{name: "single", in: "SELECT * FROM nodes WHERE id = $1", want: "SELECT * FROM nodes WHERE id = ?"},
		{name: "several", in: "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)", want: "INSERT INTO t (a, b, c) VALUES (?, ?, ?)"},
		{name: "two digits", in: "UPDATE t SET a = $1 WHERE b = $12", want: "UPDATE t SET a = ? WHERE b = ?"},
		{name: "dollar without digit", in: "SELECT '$' FROM t WHERE a = $2", want: "SELECT '$' FROM t WHERE a = ?"},
		{name: "adjacent", in: "VALUES ($1,$2)", want: "VALUES (?,?)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rewritePlaceholders(tt.in))
		})
	}
}

func TestReturningThroughQueryRow(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var id string
	err := s.QueryRow(ctx, `
		INSERT INTO commands (id, node_id, type, state, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, "c1", "n1", "wake", "queued", 0, now).Scan(&id)
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
}

func TestNodeMacUniqueness(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id, nodeID, mac string) error {
		_, err := s.Exec(ctx, `
			INSERT INTO aggregated_hosts (id, node_id, name, mac, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, nodeID, "host-"+id, mac, now, now)
		return err
	}

	require.NoError(t, insert("h1", "n1", "AA:BB:CC:DD:EE:10"))
	require.Error(t, insert("h2", "n1", "AA:BB:CC:DD:EE:10"), "same node and mac must collide")
	require.NoError(t, insert("h3", "n2", "AA:BB:CC:DD:EE:10"), "same mac on another node is fine")
}

func TestIdempotencyKeyPartialIndex(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, key sql.NullString) (int64, error) {
		res, err := s.Exec(ctx, `
			INSERT INTO commands (id, node_id, type, idempotency_key, state, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (node_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		`, id, "n1", "wake", key, "queued", 0, now)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	// NULL keys never conflict with each other.
	n, err := insert("c1", sql.NullString{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = insert("c2", sql.NullString{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// A duplicated non-null key inserts nothing.
	n, err = insert("c3", NullString("k"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = insert("c4", NullString("k"))
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestBoolAndTimeRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seen := time.Date(2026, 2, 15, 9, 0, 0, 0, time.UTC)

	_, err := s.Exec(ctx, `
		INSERT INTO aggregated_hosts (id, node_id, name, mac, discovered, ping_responsive, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, "h1", "n1", "nas", "AA:BB:CC:DD:EE:10", true, sql.NullBool{Valid: true, Bool: false}, seen, seen, seen)
	require.NoError(t, err)

	var discovered bool
	var pingResponsive sql.NullBool
	var lastSeen time.Time
	err = s.QueryRow(ctx, `
		SELECT discovered, ping_responsive, last_seen FROM aggregated_hosts WHERE id = $1
	`, "h1").Scan(&discovered, &pingResponsive, &lastSeen)
	require.NoError(t, err)

	assert.True(t, discovered)
	require.True(t, pingResponsive.Valid)
	assert.False(t, pingResponsive.Bool)
	assert.True(t, lastSeen.Equal(seen), "got %v want %v", lastSeen, seen)
}

func TestNullHelpers(t *testing.T) {
	assert.False(t, NullString("").Valid)
	assert.True(t, NullString("x").Valid)
	assert.False(t, NullTime(time.Time{}).Valid)
	assert.True(t, NullTime(time.Now()).Valid)
}
