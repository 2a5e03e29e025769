// Package schedule persists host- and owner-scoped wake schedules,
// computes their next trigger instants, and fires due ones through the
// command router. External timestamps are ISO-8601 strings; internally
// everything is UTC time.Time.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/storage"
)

var (
	// ErrScheduleNotFound means no schedule matches the id (within the
	// caller's owner scope, for owned schedules).
	ErrScheduleNotFound = errors.New("schedule not found")
	// ErrInvalidFrequency rejects frequencies outside the supported set.
	ErrInvalidFrequency = errors.New("invalid frequency")
	// ErrInvalidScheduledTime rejects timestamps that do not parse as
	// ISO-8601.
	ErrInvalidScheduledTime = errors.New("invalid scheduled time")
)

const (
	tableHost  = "host_wake_schedules"
	tableOwned = "wake_schedules"
)

// Schedule is one wake schedule. Host-scoped schedules leave OwnerSub
// empty; owned ones carry the opaque subject they belong to.
type Schedule struct {
	ID            string    `json:"id"`
	OwnerSub      string    `json:"ownerSub,omitempty"`
	HostFQN       string    `json:"hostFqn"`
	HostName      string    `json:"hostName"`
	HostMac       string    `json:"hostMac"`
	NodeID        string    `json:"nodeId,omitempty"`
	ScheduledTime string    `json:"scheduledTime"`
	Frequency     string    `json:"frequency"`
	Enabled       bool      `json:"enabled"`
	NotifyOnWake  bool      `json:"notifyOnWake"`
	Timezone      string    `json:"timezone"`
	LastTriggered string    `json:"lastTriggered,omitempty"`
	NextTrigger   string    `json:"nextTrigger,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NextTriggerTime parses the schedule's next trigger. ok is false when
// the schedule will not fire again.
func (s *Schedule) NextTriggerTime() (time.Time, bool) {
	if s.NextTrigger == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s.NextTrigger)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// DueSchedule is a schedule whose trigger instant has passed, tagged
// with the table it came from.
type DueSchedule struct {
	Schedule
	Owned bool `json:"owned"`
}

// Update is a partial edit; nil fields keep their stored value.
type Update struct {
	HostName      *string `json:"hostName,omitempty"`
	HostMac       *string `json:"hostMac,omitempty"`
	NodeID        *string `json:"nodeId,omitempty"`
	ScheduledTime *string `json:"scheduledTime,omitempty"`
	Frequency     *string `json:"frequency,omitempty"`
	Enabled       *bool   `json:"enabled,omitempty"`
	NotifyOnWake  *bool   `json:"notifyOnWake,omitempty"`
	Timezone      *string `json:"timezone,omitempty"`
}

// ListFilter narrows schedule listings.
type ListFilter struct {
	Enabled *bool
	NodeID  string
}

// Store persists wake schedules in both tables and tracks a mutation
// version for conditional reads.
type Store struct {
	store   *storage.Store
	clock   clockwork.Clock
	log     zerolog.Logger
	version atomic.Uint64
}

// NewStore loads the persisted list version and returns the schedule
// store.
func NewStore(ctx context.Context, store *storage.Store, clock clockwork.Clock, log zerolog.Logger) (*Store, error) {
	s := &Store{
		store: store,
		clock: clock,
		log:   log.With().Str("component", "schedule").Logger(),
	}
	var v uint64
	if err := store.QueryRow(ctx, `SELECT version FROM schedule_versions WHERE id = 1`).Scan(&v); err != nil {
		return nil, fmt.Errorf("load schedule version: %w", err)
	}
	s.version.Store(v)
	return s, nil
}

// Version returns the monotonically increasing mutation counter. The
// HTTP layer uses it for ETags on schedule listings.
func (s *Store) Version() uint64 { return s.version.Load() }

const hostColumns = `id, host_fqn, host_name, host_mac, node_id, scheduled_time,
	frequency, enabled, notify_on_wake, timezone, last_triggered, next_trigger,
	created_at, updated_at`

const ownedColumns = `id, owner_sub, host_fqn, host_name, host_mac, node_id, scheduled_time,
	frequency, enabled, notify_on_wake, timezone, last_triggered, next_trigger,
	created_at, updated_at`

// CreateHost stores a new host-scoped schedule and returns it with id,
// audit stamps, and next trigger filled in.
func (s *Store) CreateHost(ctx context.Context, in *Schedule) (*Schedule, error) {
	return s.create(ctx, false, "", in)
}

// CreateOwned stores a new schedule belonging to ownerSub.
func (s *Store) CreateOwned(ctx context.Context, ownerSub string, in *Schedule) (*Schedule, error) {
	if ownerSub == "" {
		return nil, errors.New("owner sub required")
	}
	return s.create(ctx, true, ownerSub, in)
}

func (s *Store) create(ctx context.Context, owned bool, ownerSub string, in *Schedule) (*Schedule, error) {
	if in.HostFQN == "" {
		return nil, errors.New("host fqn required")
	}
	if !ValidFrequency(in.Frequency) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFrequency, in.Frequency)
	}
	st, err := time.Parse(time.RFC3339, in.ScheduledTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScheduledTime, in.ScheduledTime)
	}

	now := s.clock.Now().UTC()
	sc := *in
	sc.ID = uuid.NewString()
	sc.OwnerSub = ownerSub
	sc.ScheduledTime = isoUTC(st)
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	sc.LastTriggered = ""
	sc.NextTrigger = isoOrEmpty(NextTrigger(sc.ScheduledTime, sc.Frequency, sc.Enabled, now))
	sc.CreatedAt = now
	sc.UpdatedAt = now

	if owned {
		_, err = s.store.Exec(ctx, `
			INSERT INTO wake_schedules
				(id, owner_sub, host_fqn, host_name, host_mac, node_id, scheduled_time,
				 frequency, enabled, notify_on_wake, timezone, next_trigger, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, sc.ID, sc.OwnerSub, sc.HostFQN, sc.HostName, sc.HostMac, sc.NodeID, timeOf(sc.ScheduledTime),
			sc.Frequency, sc.Enabled, sc.NotifyOnWake, sc.Timezone,
			storage.NullTime(timeOf(sc.NextTrigger)), now, now)
	} else {
		_, err = s.store.Exec(ctx, `
			INSERT INTO host_wake_schedules
				(id, host_fqn, host_name, host_mac, node_id, scheduled_time,
				 frequency, enabled, notify_on_wake, timezone, next_trigger, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, sc.ID, sc.HostFQN, sc.HostName, sc.HostMac, sc.NodeID, timeOf(sc.ScheduledTime),
			sc.Frequency, sc.Enabled, sc.NotifyOnWake, sc.Timezone,
			storage.NullTime(timeOf(sc.NextTrigger)), now, now)
	}
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}

	s.bumpVersion(ctx)
	s.log.Info().Str("schedule_id", sc.ID).Str("fqn", sc.HostFQN).
		Str("frequency", sc.Frequency).Bool("owned", owned).Msg("schedule created")
	return &sc, nil
}

// GetHost returns one host-scoped schedule.
func (s *Store) GetHost(ctx context.Context, id string) (*Schedule, error) {
	return s.get(ctx, false, `SELECT `+hostColumns+` FROM host_wake_schedules WHERE id = $1`, id)
}

// GetOwned returns one of ownerSub's schedules. Another owner's id is a
// not-found.
func (s *Store) GetOwned(ctx context.Context, ownerSub, id string) (*Schedule, error) {
	return s.get(ctx, true, `SELECT `+ownedColumns+` FROM wake_schedules WHERE id = $1 AND owner_sub = $2`, id, ownerSub)
}

// ListHost returns host-scoped schedules matching the filter.
func (s *Store) ListHost(ctx context.Context, f ListFilter) ([]*Schedule, error) {
	query := `SELECT ` + hostColumns + ` FROM host_wake_schedules`
	var conds []string
	var args []any
	if f.Enabled != nil {
		args = append(args, *f.Enabled)
		conds = append(conds, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if f.NodeID != "" {
		args = append(args, f.NodeID)
		conds = append(conds, fmt.Sprintf("node_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"
	return s.list(ctx, false, query, args...)
}

// ListOwned returns ownerSub's schedules matching the filter.
func (s *Store) ListOwned(ctx context.Context, ownerSub string, f ListFilter) ([]*Schedule, error) {
	query := `SELECT ` + ownedColumns + ` FROM wake_schedules`
	conds := []string{"owner_sub = $1"}
	args := []any{ownerSub}
	if f.Enabled != nil {
		args = append(args, *f.Enabled)
		conds = append(conds, fmt.Sprintf("enabled = $%d", len(args)))
	}
	if f.NodeID != "" {
		args = append(args, f.NodeID)
		conds = append(conds, fmt.Sprintf("node_id = $%d", len(args)))
	}
	query += " WHERE " + strings.Join(conds, " AND ") + " ORDER BY created_at, id"
	return s.list(ctx, true, query, args...)
}

// UpdateHost applies a partial edit to a host-scoped schedule.
func (s *Store) UpdateHost(ctx context.Context, id string, upd Update) (*Schedule, error) {
	cur, err := s.GetHost(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.applyUpdate(ctx, false, cur, upd)
}

// UpdateOwned applies a partial edit to one of ownerSub's schedules.
func (s *Store) UpdateOwned(ctx context.Context, ownerSub, id string, upd Update) (*Schedule, error) {
	cur, err := s.GetOwned(ctx, ownerSub, id)
	if err != nil {
		return nil, err
	}
	return s.applyUpdate(ctx, true, cur, upd)
}

// applyUpdate merges the edit into the stored row. Touching the
// scheduled time, frequency, or enabled flag recomputes the next
// trigger; other edits leave it alone.
func (s *Store) applyUpdate(ctx context.Context, owned bool, sc *Schedule, upd Update) (*Schedule, error) {
	recompute := upd.ScheduledTime != nil || upd.Frequency != nil || upd.Enabled != nil

	if upd.Frequency != nil {
		if !ValidFrequency(*upd.Frequency) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFrequency, *upd.Frequency)
		}
		sc.Frequency = *upd.Frequency
	}
	if upd.ScheduledTime != nil {
		st, err := time.Parse(time.RFC3339, *upd.ScheduledTime)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidScheduledTime, *upd.ScheduledTime)
		}
		sc.ScheduledTime = isoUTC(st)
	}
	if upd.Enabled != nil {
		sc.Enabled = *upd.Enabled
	}
	if upd.HostName != nil {
		sc.HostName = *upd.HostName
	}
	if upd.HostMac != nil {
		sc.HostMac = *upd.HostMac
	}
	if upd.NodeID != nil {
		sc.NodeID = *upd.NodeID
	}
	if upd.NotifyOnWake != nil {
		sc.NotifyOnWake = *upd.NotifyOnWake
	}
	if upd.Timezone != nil {
		sc.Timezone = *upd.Timezone
	}

	now := s.clock.Now().UTC()
	if recompute {
		sc.NextTrigger = isoOrEmpty(NextTrigger(sc.ScheduledTime, sc.Frequency, sc.Enabled, now))
	}
	sc.UpdatedAt = now

	if _, err := s.store.Exec(ctx, `
		UPDATE `+tableFor(owned)+`
		SET host_name = $1, host_mac = $2, node_id = $3, scheduled_time = $4,
			frequency = $5, enabled = $6, notify_on_wake = $7, timezone = $8,
			next_trigger = $9, updated_at = $10
		WHERE id = $11
	`, sc.HostName, sc.HostMac, sc.NodeID, timeOf(sc.ScheduledTime), sc.Frequency,
		sc.Enabled, sc.NotifyOnWake, sc.Timezone, storage.NullTime(timeOf(sc.NextTrigger)),
		now, sc.ID); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	s.bumpVersion(ctx)
	return sc, nil
}

// DeleteHost removes a host-scoped schedule.
func (s *Store) DeleteHost(ctx context.Context, id string) error {
	return s.delete(ctx, `DELETE FROM host_wake_schedules WHERE id = $1`, id)
}

// DeleteOwned removes one of ownerSub's schedules.
func (s *Store) DeleteOwned(ctx context.Context, ownerSub, id string) error {
	return s.delete(ctx, `DELETE FROM wake_schedules WHERE id = $1 AND owner_sub = $2`, id, ownerSub)
}

func (s *Store) delete(ctx context.Context, query string, args ...any) error {
	res, err := s.store.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrScheduleNotFound
	}
	s.bumpVersion(ctx)
	return nil
}

// ListDue returns enabled schedules from both tables whose trigger
// instant has passed, soonest first.
func (s *Store) ListDue(ctx context.Context, limit int, now time.Time) ([]*DueSchedule, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.store.Query(ctx, `
		SELECT id, '' AS owner_sub, host_fqn, host_name, host_mac, node_id, scheduled_time,
			frequency, enabled, notify_on_wake, timezone, last_triggered, next_trigger,
			created_at, updated_at, FALSE AS owned
		FROM host_wake_schedules
		WHERE enabled = $1 AND next_trigger IS NOT NULL AND next_trigger <= $2
		UNION ALL
		SELECT id, owner_sub, host_fqn, host_name, host_mac, node_id, scheduled_time,
			frequency, enabled, notify_on_wake, timezone, last_triggered, next_trigger,
			created_at, updated_at, TRUE AS owned
		FROM wake_schedules
		WHERE enabled = $3 AND next_trigger IS NOT NULL AND next_trigger <= $4
		ORDER BY next_trigger ASC
		LIMIT $5
	`, true, now.UTC(), true, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()

	var out []*DueSchedule
	for rows.Next() {
		d := &DueSchedule{}
		if err := scanSchedule(rows, &d.Schedule, true, &d.Owned); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecordExecutionAttempt stamps the schedule after a worker fire
// attempt. A once schedule is retired; recurring ones roll forward from
// the attempt instant.
func (s *Store) RecordExecutionAttempt(ctx context.Context, id string, owned bool, attemptedAt time.Time) error {
	cols := hostColumns
	if owned {
		cols = ownedColumns
	}
	sc, err := s.get(ctx, owned, `SELECT `+cols+` FROM `+tableFor(owned)+` WHERE id = $1`, id)
	if err != nil {
		return err
	}

	attemptedAt = attemptedAt.UTC()
	now := s.clock.Now().UTC()
	if sc.Frequency == FreqOnce {
		_, err = s.store.Exec(ctx, `
			UPDATE `+tableFor(owned)+`
			SET last_triggered = $1, enabled = $2, next_trigger = NULL, updated_at = $3
			WHERE id = $4
		`, attemptedAt, false, now, id)
	} else {
		var next time.Time
		if nt := NextTrigger(sc.ScheduledTime, sc.Frequency, sc.Enabled, attemptedAt); nt != nil {
			next = *nt
		}
		_, err = s.store.Exec(ctx, `
			UPDATE `+tableFor(owned)+`
			SET last_triggered = $1, next_trigger = $2, updated_at = $3
			WHERE id = $4
		`, attemptedAt, storage.NullTime(next), now, id)
	}
	if err != nil {
		return fmt.Errorf("record execution attempt: %w", err)
	}
	s.bumpVersion(ctx)
	return nil
}

// bumpVersion advances the persisted counter. A write failure falls back
// to the in-memory counter so conditional reads still move.
func (s *Store) bumpVersion(ctx context.Context) {
	var v uint64
	err := s.store.QueryRow(ctx,
		`UPDATE schedule_versions SET version = version + 1 WHERE id = 1 RETURNING version`,
	).Scan(&v)
	if err != nil {
		s.log.Error().Err(err).Msg("bump schedule version")
		s.version.Add(1)
		return
	}
	s.version.Store(v)
}

func (s *Store) get(ctx context.Context, owned bool, query string, args ...any) (*Schedule, error) {
	scs, err := s.list(ctx, owned, query, args...)
	if err != nil {
		return nil, err
	}
	if len(scs) == 0 {
		return nil, ErrScheduleNotFound
	}
	return scs[0], nil
}

func (s *Store) list(ctx context.Context, owned bool, query string, args ...any) ([]*Schedule, error) {
	rows, err := s.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc := &Schedule{}
		if err := scanSchedule(rows, sc, owned); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// scanSchedule reads one row laid out as hostColumns (or ownedColumns
// when withOwner), optionally followed by extra destinations.
func scanSchedule(rows *sql.Rows, sc *Schedule, withOwner bool, extra ...any) error {
	var (
		scheduled     time.Time
		lastTriggered sql.NullTime
		nextTrigger   sql.NullTime
	)
	dest := []any{&sc.ID}
	if withOwner {
		dest = append(dest, &sc.OwnerSub)
	}
	dest = append(dest, &sc.HostFQN, &sc.HostName, &sc.HostMac, &sc.NodeID, &scheduled,
		&sc.Frequency, &sc.Enabled, &sc.NotifyOnWake, &sc.Timezone, &lastTriggered,
		&nextTrigger, &sc.CreatedAt, &sc.UpdatedAt)
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return fmt.Errorf("scan schedule: %w", err)
	}
	sc.ScheduledTime = isoUTC(scheduled)
	if lastTriggered.Valid {
		sc.LastTriggered = isoUTC(lastTriggered.Time)
	}
	if nextTrigger.Valid {
		sc.NextTrigger = isoUTC(nextTrigger.Time)
	}
	sc.CreatedAt = sc.CreatedAt.UTC()
	sc.UpdatedAt = sc.UpdatedAt.UTC()
	return nil
}

func tableFor(owned bool) string {
	if owned {
		return tableOwned
	}
	return tableHost
}

func isoUTC(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func isoOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return isoUTC(*t)
}

// timeOf parses a canonical ISO string produced by this package; empty
// maps to the zero time (stored as NULL).
func timeOf(iso string) time.Time {
	if iso == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, iso)
	return t.UTC()
}
