// Package commands owns the durable command records issued to node
// agents and the router that correlates their results: idempotent
// enqueue, the queued → sent → terminal state machine, FIFO backlog
// replay, per-command timeouts, and stale-command reconciliation.
package commands

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
	"github.com/wakefleet/wakefleet/internal/telemetry"
)

// Command states. queued and sent are in-flight; the rest are terminal
// and immutable.
const (
	StateQueued       = "queued"
	StateSent         = "sent"
	StateAcknowledged = "acknowledged"
	StateFailed       = "failed"
	StateTimedOut     = "timed_out"
)

var (
	// ErrEnqueueConflict means the insert conflicted but no existing row
	// could be returned.
	ErrEnqueueConflict = errors.New("command enqueue conflict")
	// ErrCommandNotFound is returned for lookups of unknown command ids.
	ErrCommandNotFound = errors.New("command not found")
	// ErrTimeout resolves callers whose command never got a node response.
	ErrTimeout = errors.New("command timed out")
)

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	return state == StateAcknowledged || state == StateFailed || state == StateTimedOut
}

// Command is one durable instruction addressed to a node.
type Command struct {
	ID             string          `json:"id"`
	NodeID         string          `json:"nodeId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	State          string          `json:"state"`
	Error          string          `json:"error,omitempty"`
	RetryCount     int             `json:"retryCount"`
	CreatedAt      time.Time       `json:"createdAt"`
	SentAt         time.Time       `json:"sentAt,omitzero"`
	CompletedAt    time.Time       `json:"completedAt,omitzero"`
}

const commandColumns = `id, node_id, type, payload, idempotency_key, state, error, retry_count, created_at, sent_at, completed_at`

// Model persists command records.
type Model struct {
	store *storage.Store
	clock clockwork.Clock
	log   zerolog.Logger
}

// NewModel creates a command model.
func NewModel(store *storage.Store, clock clockwork.Clock, log zerolog.Logger) *Model {
	return &Model{
		store: store,
		clock: clock,
		log:   log.With().Str("component", "commands").Logger(),
	}
}

// Enqueue inserts a fresh queued command. When cmd carries an idempotency
// key that already exists for the node, the stored command is returned
// with existing=true and nothing is inserted.
func (m *Model) Enqueue(ctx context.Context, cmd *Command) (*Command, bool, error) {
	now := m.clock.Now().UTC()
	row := m.store.QueryRow(ctx, `
		INSERT INTO commands (id, node_id, type, payload, idempotency_key, state, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (node_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING `+commandColumns+`
	`, cmd.ID, cmd.NodeID, cmd.Type, storage.NullString(string(cmd.Payload)),
		storage.NullString(cmd.IdempotencyKey), StateQueued, now)

	stored, err := scanCommand(row.Scan)
	if err == nil {
		telemetry.CommandsEnqueued.WithLabelValues(cmd.Type).Inc()
		return stored, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("enqueue command: %w", err)
	}
	if cmd.IdempotencyKey == "" {
		return nil, false, ErrEnqueueConflict
	}

	stored, err = m.one(ctx, `SELECT `+commandColumns+` FROM commands WHERE node_id = $1 AND idempotency_key = $2`,
		cmd.NodeID, cmd.IdempotencyKey)
	if errors.Is(err, ErrCommandNotFound) {
		return nil, false, ErrEnqueueConflict
	}
	if err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// MarkSent transitions queued → sent, stamping sentAt and counting the
// delivery attempt. Returns false when the command was not in queued.
func (m *Model) MarkSent(ctx context.Context, id string) (bool, error) {
	now := m.clock.Now().UTC()
	res, err := m.store.Exec(ctx, `
		UPDATE commands SET state = $1, sent_at = $2, retry_count = retry_count + 1
		WHERE id = $3 AND state = $4
	`, StateSent, now, id, StateQueued)
	if err != nil {
		return false, fmt.Errorf("mark command sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkAcknowledged transitions sent → acknowledged.
func (m *Model) MarkAcknowledged(ctx context.Context, id string) (bool, error) {
	now := m.clock.Now().UTC()
	res, err := m.store.Exec(ctx, `
		UPDATE commands SET state = $1, completed_at = $2
		WHERE id = $3 AND state = $4
	`, StateAcknowledged, now, id, StateSent)
	if err != nil {
		return false, fmt.Errorf("mark command acknowledged: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		telemetry.CommandsCompleted.WithLabelValues(StateAcknowledged).Inc()
	}
	return n > 0, nil
}

// MarkFailed transitions any in-flight command to failed.
func (m *Model) MarkFailed(ctx context.Context, id, errMsg string) (bool, error) {
	now := m.clock.Now().UTC()
	res, err := m.store.Exec(ctx, `
		UPDATE commands SET state = $1, error = $2, completed_at = $3
		WHERE id = $4 AND state IN ($5, $6)
	`, StateFailed, errMsg, now, id, StateQueued, StateSent)
	if err != nil {
		return false, fmt.Errorf("mark command failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		telemetry.CommandsCompleted.WithLabelValues(StateFailed).Inc()
	}
	return n > 0, nil
}

// MarkTimedOut transitions sent → timed_out. Commands still queued are
// left untouched; they stay durable until a node reconnects.
func (m *Model) MarkTimedOut(ctx context.Context, id, errMsg string) (bool, error) {
	now := m.clock.Now().UTC()
	res, err := m.store.Exec(ctx, `
		UPDATE commands SET state = $1, error = $2, completed_at = $3
		WHERE id = $4 AND state = $5
	`, StateTimedOut, errMsg, now, id, StateSent)
	if err != nil {
		return false, fmt.Errorf("mark command timed out: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		telemetry.CommandsCompleted.WithLabelValues(StateTimedOut).Inc()
	}
	return n > 0, nil
}

// ListQueuedByNode returns a node's queued backlog in original enqueue
// order, for replay after reconnect.
func (m *Model) ListQueuedByNode(ctx context.Context, nodeID string) ([]*Command, error) {
	return m.list(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE node_id = $1 AND state = $2
		ORDER BY created_at ASC, `+m.tiebreaker()+` ASC
	`, nodeID, StateQueued)
}

// ReconcileStaleInFlight times out sent commands older than the given
// age. Used at startup and periodically to catch rows orphaned by
// crashes or lost sessions.
func (m *Model) ReconcileStaleInFlight(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := m.clock.Now().UTC()
	cutoff := now.Add(-olderThan)
	res, err := m.store.Exec(ctx, `
		UPDATE commands SET state = $1, error = $2, completed_at = $3
		WHERE state = $4 AND created_at < $5
	`, StateTimedOut, "timed out waiting for node response", now, StateSent, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reconcile stale commands: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		telemetry.CommandsCompleted.WithLabelValues(StateTimedOut).Add(float64(n))
		m.log.Info().Int64("count", n).Msg("stale in-flight commands timed out")
	}
	return n, nil
}

// PruneOldCommands deletes terminal commands created more than the given
// number of days ago. days <= 0 disables pruning.
func (m *Model) PruneOldCommands(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := m.clock.Now().UTC().AddDate(0, 0, -days)
	res, err := m.store.Exec(ctx, `
		DELETE FROM commands WHERE state IN ($1, $2, $3) AND created_at < $4
	`, StateAcknowledged, StateFailed, StateTimedOut, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get returns one command record.
func (m *Model) Get(ctx context.Context, id string) (*Command, error) {
	return m.one(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)
}

// List returns commands newest first for the admin surface.
func (m *Model) List(ctx context.Context, limit, offset int) ([]*Command, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.list(ctx, `
		SELECT `+commandColumns+` FROM commands
		ORDER BY created_at DESC, `+m.tiebreaker()+` DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
}

// Count returns the total number of command records.
func (m *Model) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.store.QueryRow(ctx, `SELECT COUNT(*) FROM commands`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return n, nil
}

// tiebreaker orders commands with equal created_at by insertion:
// sqlite's implicit rowid on the embedded backend, the seq sequence on
// the server backend.
func (m *Model) tiebreaker() string {
	if m.store.Embedded() {
		return "rowid"
	}
	return "seq"
}

func (m *Model) one(ctx context.Context, query string, args ...any) (*Command, error) {
	cmd, err := scanCommand(m.store.QueryRow(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	return cmd, err
}

func (m *Model) list(ctx context.Context, query string, args ...any) ([]*Command, error) {
	rows, err := m.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	defer rows.Close()

	var out []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func scanCommand(scan func(...any) error) (*Command, error) {
	var (
		c           Command
		payload     sql.NullString
		idemKey     sql.NullString
		errMsg      sql.NullString
		sentAt      sql.NullTime
		completedAt sql.NullTime
	)
	if err := scan(&c.ID, &c.NodeID, &c.Type, &payload, &idemKey, &c.State,
		&errMsg, &c.RetryCount, &c.CreatedAt, &sentAt, &completedAt); err != nil {
		return nil, err
	}
	if payload.Valid {
		c.Payload = json.RawMessage(payload.String)
	}
	c.IdempotencyKey = idemKey.String
	c.Error = errMsg.String
	c.CreatedAt = c.CreatedAt.UTC()
	if sentAt.Valid {
		c.SentAt = sentAt.Time.UTC()
	}
	if completedAt.Valid {
		c.CompletedAt = completedAt.Time.UTC()
	}
	return &c, nil
}
