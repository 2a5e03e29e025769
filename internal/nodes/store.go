// Package nodes manages agent sessions and the persistent node records
// behind them: registration, identity binding, heartbeats, command
// delivery, and the stale-node sweep.
package nodes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/storage"
)

// Node statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Health values derived from status and heartbeat age.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthOffline  = "offline"
)

var (
	// ErrNodeNotFound means no node record has the given id.
	ErrNodeNotFound = errors.New("node not found")
	// ErrNodeOffline means no live session exists for the node.
	ErrNodeOffline = errors.New("node offline")
)

// Node is the persistent record of an agent. Created on first successful
// registration, never deleted implicitly.
type Node struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Location      string         `json:"location"`
	Status        string         `json:"status"`
	LastHeartbeat time.Time      `json:"lastHeartbeat,omitzero"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Health classifies the node for the operator surface: online nodes with a
// recent heartbeat are healthy, online nodes past the timeout are degraded
// (the sweep will flip them soon), offline is offline.
func (n *Node) Health(now time.Time, timeout time.Duration) string {
	if n.Status != StatusOnline {
		return HealthOffline
	}
	if n.LastHeartbeat.IsZero() || now.Sub(n.LastHeartbeat) > timeout {
		return HealthDegraded
	}
	return HealthHealthy
}

// Store persists node records.
type Store struct {
	store *storage.Store
	clock clockwork.Clock
	log   zerolog.Logger
}

// NewStore creates a node store.
func NewStore(store *storage.Store, clock clockwork.Clock, log zerolog.Logger) *Store {
	return &Store{
		store: store,
		clock: clock,
		log:   log.With().Str("component", "nodes").Logger(),
	}
}

// Upsert creates or refreshes a node record on registration.
func (s *Store) Upsert(ctx context.Context, n *Node) error {
	now := s.clock.Now().UTC()
	_, err := s.store.Exec(ctx, `
		INSERT INTO nodes (id, name, location, status, last_heartbeat, metadata, capabilities, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			metadata = excluded.metadata,
			capabilities = excluded.capabilities,
			updated_at = excluded.updated_at
	`, n.ID, n.Name, n.Location, n.Status, storage.NullTime(n.LastHeartbeat.UTC()),
		marshalJSON(n.Metadata), marshalJSON(n.Capabilities), now, now)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// Get returns one node record.
func (s *Store) Get(ctx context.Context, id string) (*Node, error) {
	row := s.store.QueryRow(ctx, `
		SELECT id, name, location, status, last_heartbeat, metadata, capabilities, created_at, updated_at
		FROM nodes WHERE id = $1
	`, id)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	return n, err
}

// List returns every node record.
func (s *Store) List(ctx context.Context) ([]*Node, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, name, location, status, last_heartbeat, metadata, capabilities, created_at, updated_at
		FROM nodes ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Exists reports whether a node record is known.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.store.QueryRow(ctx, `SELECT 1 FROM nodes WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// UpdateHeartbeat records a heartbeat and keeps the node online.
func (s *Store) UpdateHeartbeat(ctx context.Context, id string) error {
	now := s.clock.Now().UTC()
	res, err := s.store.Exec(ctx, `
		UPDATE nodes SET last_heartbeat = $1, status = $2, updated_at = $3 WHERE id = $4
	`, now, StatusOnline, now, id)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// SetStatus flips a node's stored status.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.store.Exec(ctx, `
		UPDATE nodes SET status = $1, updated_at = $2 WHERE id = $3
	`, status, s.clock.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	return nil
}

// MarkStaleNodesOffline flips every online node whose last heartbeat is
// older than the timeout (or missing) and returns the affected ids.
func (s *Store) MarkStaleNodesOffline(ctx context.Context, timeout time.Duration) ([]string, error) {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-timeout)
	rows, err := s.store.Query(ctx, `
		UPDATE nodes SET status = $1, updated_at = $2
		WHERE status = $3 AND (last_heartbeat IS NULL OR last_heartbeat < $4)
		RETURNING id
	`, StatusOffline, now, StatusOnline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("mark stale nodes offline: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanNode(scan func(...any) error) (*Node, error) {
	var (
		n             Node
		lastHeartbeat sql.NullTime
		metadata      sql.NullString
		capabilities  sql.NullString
	)
	if err := scan(&n.ID, &n.Name, &n.Location, &n.Status, &lastHeartbeat,
		&metadata, &capabilities, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		n.LastHeartbeat = lastHeartbeat.Time.UTC()
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &n.Metadata)
	}
	if capabilities.Valid && capabilities.String != "" {
		_ = json.Unmarshal([]byte(capabilities.String), &n.Capabilities)
	}
	n.CreatedAt = n.CreatedAt.UTC()
	n.UpdatedAt = n.UpdatedAt.UTC()
	return &n, nil
}

func marshalJSON(v any) sql.NullString {
	switch x := v.(type) {
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}
		}
	case []string:
		if len(x) == 0 {
			return sql.NullString{}
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}
