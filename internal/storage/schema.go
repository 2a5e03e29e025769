package storage

import (
	"context"
	"fmt"
	"strings"
)

// Schema for the embedded backend. Timestamps are DATETIME (stored as UTC
// text), booleans are 0/1 integers. Every statement is idempotent.
const schemaEmbedded = `
-- Node agents, created on first successful registration
CREATE TABLE IF NOT EXISTS nodes (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	location       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'offline',
	last_heartbeat DATETIME,
	metadata       TEXT,
	capabilities   TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

-- Global host inventory, one row per (node, mac)
CREATE TABLE IF NOT EXISTS aggregated_hosts (
	id               TEXT PRIMARY KEY,
	node_id          TEXT NOT NULL,
	name             TEXT NOT NULL,
	mac              TEXT NOT NULL,
	secondary_macs   TEXT,
	ip               TEXT,
	wol_port         INTEGER NOT NULL DEFAULT 9,
	status           TEXT NOT NULL DEFAULT 'asleep',
	last_seen        DATETIME,
	discovered       INTEGER NOT NULL DEFAULT 0,
	ping_responsive  INTEGER,
	notes            TEXT NOT NULL DEFAULT '',
	tags             TEXT,
	open_ports       TEXT,
	ports_scanned_at DATETIME,
	ports_expire_at  DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_aggregated_hosts_node_mac ON aggregated_hosts(node_id, mac);
CREATE INDEX IF NOT EXISTS idx_aggregated_hosts_node_name ON aggregated_hosts(node_id, name);

-- Durable command records
CREATE TABLE IF NOT EXISTS commands (
	id              TEXT PRIMARY KEY,
	node_id         TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         TEXT,
	idempotency_key TEXT,
	state           TEXT NOT NULL DEFAULT 'queued',
	error           TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	sent_at         DATETIME,
	completed_at    DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_node_idem ON commands(node_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_commands_node_state ON commands(node_id, state, created_at);

-- Host-scoped wake schedules
CREATE TABLE IF NOT EXISTS host_wake_schedules (
	id             TEXT PRIMARY KEY,
	host_fqn       TEXT NOT NULL,
	host_name      TEXT NOT NULL,
	host_mac       TEXT NOT NULL,
	node_id        TEXT NOT NULL DEFAULT '',
	scheduled_time DATETIME NOT NULL,
	frequency      TEXT NOT NULL,
	enabled        INTEGER NOT NULL DEFAULT 1,
	notify_on_wake INTEGER NOT NULL DEFAULT 0,
	timezone       TEXT NOT NULL DEFAULT 'UTC',
	last_triggered DATETIME,
	next_trigger   DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_host_wake_schedules_next ON host_wake_schedules(next_trigger);
CREATE INDEX IF NOT EXISTS idx_host_wake_schedules_enabled ON host_wake_schedules(enabled);

-- Owner-scoped wake schedules
CREATE TABLE IF NOT EXISTS wake_schedules (
	id             TEXT PRIMARY KEY,
	owner_sub      TEXT NOT NULL,
	host_fqn       TEXT NOT NULL,
	host_name      TEXT NOT NULL,
	host_mac       TEXT NOT NULL,
	node_id        TEXT NOT NULL DEFAULT '',
	scheduled_time DATETIME NOT NULL,
	frequency      TEXT NOT NULL,
	enabled        INTEGER NOT NULL DEFAULT 1,
	notify_on_wake INTEGER NOT NULL DEFAULT 0,
	timezone       TEXT NOT NULL DEFAULT 'UTC',
	last_triggered DATETIME,
	next_trigger   DATETIME,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wake_schedules_owner ON wake_schedules(owner_sub);
CREATE INDEX IF NOT EXISTS idx_wake_schedules_next ON wake_schedules(next_trigger);
CREATE INDEX IF NOT EXISTS idx_wake_schedules_enabled ON wake_schedules(enabled);

-- Schedule list version, persisted across restarts for conditional reads
CREATE TABLE IF NOT EXISTS schedule_versions (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO schedule_versions (id, version) VALUES (1, 0)
`

// Schema for the server backend. Same shape; native booleans and
// timestamptz, plus a sequence column on commands as the FIFO tiebreaker
// (the embedded backend uses rowid for that).
const schemaServer = `
CREATE TABLE IF NOT EXISTS nodes (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	location       TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'offline',
	last_heartbeat TIMESTAMPTZ,
	metadata       TEXT,
	capabilities   TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS aggregated_hosts (
	id               TEXT PRIMARY KEY,
	node_id          TEXT NOT NULL,
	name             TEXT NOT NULL,
	mac              TEXT NOT NULL,
	secondary_macs   TEXT,
	ip               TEXT,
	wol_port         INTEGER NOT NULL DEFAULT 9,
	status           TEXT NOT NULL DEFAULT 'asleep',
	last_seen        TIMESTAMPTZ,
	discovered       BOOLEAN NOT NULL DEFAULT FALSE,
	ping_responsive  BOOLEAN,
	notes            TEXT NOT NULL DEFAULT '',
	tags             TEXT,
	open_ports       TEXT,
	ports_scanned_at TIMESTAMPTZ,
	ports_expire_at  TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_aggregated_hosts_node_mac ON aggregated_hosts(node_id, mac);
CREATE INDEX IF NOT EXISTS idx_aggregated_hosts_node_name ON aggregated_hosts(node_id, name);

CREATE TABLE IF NOT EXISTS commands (
	id              TEXT PRIMARY KEY,
	seq             BIGSERIAL,
	node_id         TEXT NOT NULL,
	type            TEXT NOT NULL,
	payload         TEXT,
	idempotency_key TEXT,
	state           TEXT NOT NULL DEFAULT 'queued',
	error           TEXT,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	sent_at         TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_node_idem ON commands(node_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_commands_node_state ON commands(node_id, state, created_at);

CREATE TABLE IF NOT EXISTS host_wake_schedules (
	id             TEXT PRIMARY KEY,
	host_fqn       TEXT NOT NULL,
	host_name      TEXT NOT NULL,
	host_mac       TEXT NOT NULL,
	node_id        TEXT NOT NULL DEFAULT '',
	scheduled_time TIMESTAMPTZ NOT NULL,
	frequency      TEXT NOT NULL,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	notify_on_wake BOOLEAN NOT NULL DEFAULT FALSE,
	timezone       TEXT NOT NULL DEFAULT 'UTC',
	last_triggered TIMESTAMPTZ,
	next_trigger   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_host_wake_schedules_next ON host_wake_schedules(next_trigger);
CREATE INDEX IF NOT EXISTS idx_host_wake_schedules_enabled ON host_wake_schedules(enabled);

CREATE TABLE IF NOT EXISTS wake_schedules (
	id             TEXT PRIMARY KEY,
	owner_sub      TEXT NOT NULL,
	host_fqn       TEXT NOT NULL,
	host_name      TEXT NOT NULL,
	host_mac       TEXT NOT NULL,
	node_id        TEXT NOT NULL DEFAULT '',
	scheduled_time TIMESTAMPTZ NOT NULL,
	frequency      TEXT NOT NULL,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	notify_on_wake BOOLEAN NOT NULL DEFAULT FALSE,
	timezone       TEXT NOT NULL DEFAULT 'UTC',
	last_triggered TIMESTAMPTZ,
	next_trigger   TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wake_schedules_owner ON wake_schedules(owner_sub);
CREATE INDEX IF NOT EXISTS idx_wake_schedules_next ON wake_schedules(next_trigger);
CREATE INDEX IF NOT EXISTS idx_wake_schedules_enabled ON wake_schedules(enabled);

CREATE TABLE IF NOT EXISTS schedule_versions (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version BIGINT NOT NULL DEFAULT 0
);
INSERT INTO schedule_versions (id, version) VALUES (1, 0) ON CONFLICT (id) DO NOTHING
`

// createSchema applies the dialect's DDL statement by statement (the
// server driver does not accept multi-statement commands).
func (s *Store) createSchema(ctx context.Context) error {
	schema := schemaServer
	if s.embedded {
		schema = schemaEmbedded
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
