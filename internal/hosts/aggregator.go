// Package hosts maintains the global host inventory aggregated from all
// node agents. Within a node, a host is identified by its MAC address;
// renames and MAC changes reported by agents are reconciled against the
// stored rows so no duplicates survive.
package hosts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/events"
	"github.com/wakefleet/wakefleet/internal/protocol"
	"github.com/wakefleet/wakefleet/internal/storage"
)

// ErrHostNotFound means no host row matches the given FQN.
var ErrHostNotFound = errors.New("host not found")

// DefaultPortScanTTL is how long a cached port scan stays visible.
const DefaultPortScanTTL = 15 * time.Minute

// AggregatedHost is one host as known to the core, enriched with the
// owning node's location so the FQN can be computed.
type AggregatedHost struct {
	ID             string    `json:"id"`
	NodeID         string    `json:"nodeId"`
	Name           string    `json:"name"`
	FQN            string    `json:"fqn"`
	Mac            string    `json:"mac"`
	SecondaryMacs  []string  `json:"secondaryMacs,omitempty"`
	IP             string    `json:"ip,omitempty"`
	WolPort        int       `json:"wolPort"`
	Status         string    `json:"status"`
	LastSeen       time.Time `json:"lastSeen,omitzero"`
	Discovered     bool      `json:"discovered"`
	PingResponsive *bool     `json:"pingResponsive,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	OpenPorts      []int     `json:"openPorts,omitempty"`
	PortsScannedAt time.Time `json:"portsScannedAt,omitzero"`
	PortsExpireAt  time.Time `json:"portsExpireAt,omitzero"`
	Location       string    `json:"location"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Stats summarizes the inventory.
type Stats struct {
	TotalHosts      int            `json:"totalHosts"`
	AwakeHosts      int            `json:"awakeHosts"`
	DiscoveredHosts int            `json:"discoveredHosts"`
	HostsByNode     map[string]int `json:"hostsByNode"`
}

// Aggregator reconciles host events from agents into the inventory and
// publishes add/update/remove events. Storage errors always propagate to
// the caller; the session layer logs them.
type Aggregator struct {
	store   *storage.Store
	broker  *events.Broker
	clock   clockwork.Clock
	log     zerolog.Logger
	portTTL time.Duration
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(store *storage.Store, broker *events.Broker, clock clockwork.Clock, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:   store,
		broker:  broker,
		clock:   clock,
		log:     log.With().Str("component", "hosts").Logger(),
		portTTL: DefaultPortScanTTL,
	}
}

// SetPortScanTTL overrides the port-scan cache lifetime.
func (a *Aggregator) SetPortScanTTL(ttl time.Duration) { a.portTTL = ttl }

// ApplyDiscovered reconciles a host-discovered event from nodeID.
func (a *Aggregator) ApplyDiscovered(ctx context.Context, nodeID string, h protocol.Host) error {
	return a.apply(ctx, nodeID, h)
}

// ApplyUpdated reconciles a host-updated event from nodeID.
func (a *Aggregator) ApplyUpdated(ctx context.Context, nodeID string, h protocol.Host) error {
	return a.apply(ctx, nodeID, h)
}

// apply implements the reconciliation shared by discovered and updated
// events:
//
//  1. A row with the same (node, mac) is the same host, possibly renamed;
//     update it in place and sweep legacy duplicates of that mac.
//  2. Otherwise a row with the same (node, name) is the same host with a
//     changed MAC; update it in place.
//  3. Otherwise the host is new; insert it.
//
// host-updated is emitted only when a field other than lastSeen changed.
func (a *Aggregator) apply(ctx context.Context, nodeID string, h protocol.Host) error {
	now := a.clock.Now().UTC()
	inc := a.normalize(nodeID, h, now)

	existing, err := a.findByNodeMac(ctx, nodeID, inc.Mac)
	if err != nil {
		return err
	}
	if existing == nil {
		existing, err = a.findByNodeName(ctx, nodeID, inc.Name)
		if err != nil {
			return err
		}
	}

	if existing == nil {
		inc.ID = uuid.NewString()
		inc.CreatedAt = now
		if err := a.insert(ctx, inc, now); err != nil {
			return fmt.Errorf("insert host: %w", err)
		}
		a.log.Info().Str("node_id", nodeID).Str("name", inc.Name).Str("mac", inc.Mac).Msg("host added")
		a.publish(ctx, events.HostAdded, inc)
		return nil
	}

	changed := meaningfulChange(existing, inc)
	inc.ID = existing.ID
	inc.CreatedAt = existing.CreatedAt
	if err := a.update(ctx, inc, now); err != nil {
		return fmt.Errorf("update host: %w", err)
	}

	// Legacy rows written before the (node_id, mac) unique index may hold
	// the same mac under another id; sweep them.
	if _, err := a.store.Exec(ctx, `
		DELETE FROM aggregated_hosts WHERE node_id = $1 AND mac = $2 AND id != $3
	`, nodeID, inc.Mac, inc.ID); err != nil {
		return fmt.Errorf("dedup host rows: %w", err)
	}

	if changed {
		a.log.Debug().Str("node_id", nodeID).Str("name", inc.Name).Msg("host updated")
		a.publish(ctx, events.HostUpdated, inc)
	}
	return nil
}

// ApplyRemoved handles a host-removed event: the row is located by name,
// then every row carrying that row's mac is deleted so legacy duplicates
// disappear with it. Removing an unknown host is a no-op.
func (a *Aggregator) ApplyRemoved(ctx context.Context, nodeID, name string) error {
	existing, err := a.findByNodeName(ctx, nodeID, name)
	if err != nil {
		return err
	}
	if existing == nil {
		a.log.Debug().Str("node_id", nodeID).Str("name", name).Msg("remove for unknown host ignored")
		return nil
	}

	if _, err := a.store.Exec(ctx, `
		DELETE FROM aggregated_hosts WHERE node_id = $1 AND mac = $2
	`, nodeID, existing.Mac); err != nil {
		return fmt.Errorf("delete host: %w", err)
	}

	a.log.Info().Str("node_id", nodeID).Str("name", name).Str("mac", existing.Mac).Msg("host removed")
	a.publish(ctx, events.HostRemoved, existing)
	return nil
}

// MarkNodeHostsUnreachable flags every host of a node as asleep with
// unknown ping responsiveness. Called when the node's session closes or
// its heartbeats go stale.
func (a *Aggregator) MarkNodeHostsUnreachable(ctx context.Context, nodeID string) (int64, error) {
	res, err := a.store.Exec(ctx, `
		UPDATE aggregated_hosts
		SET status = $1, ping_responsive = NULL, updated_at = $2
		WHERE node_id = $3
	`, protocol.HostStatusAsleep, a.clock.Now().UTC(), nodeID)
	if err != nil {
		return 0, fmt.Errorf("mark hosts unreachable: %w", err)
	}
	return res.RowsAffected()
}

// RemoveNodeHosts deletes every host of a node. Explicit operator cleanup
// only; session close never calls this.
func (a *Aggregator) RemoveNodeHosts(ctx context.Context, nodeID string) (int64, error) {
	removed, err := a.ByNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	res, err := a.store.Exec(ctx, `DELETE FROM aggregated_hosts WHERE node_id = $1`, nodeID)
	if err != nil {
		return 0, fmt.Errorf("remove node hosts: %w", err)
	}
	for _, h := range removed {
		a.publish(ctx, events.HostRemoved, h)
	}
	return res.RowsAffected()
}

const hostColumns = `h.id, h.node_id, h.name, h.mac, h.secondary_macs, h.ip, h.wol_port,
	h.status, h.last_seen, h.discovered, h.ping_responsive, h.notes, h.tags,
	h.open_ports, h.ports_scanned_at, h.ports_expire_at, h.created_at, h.updated_at,
	COALESCE(n.location, '')`

const hostFrom = `FROM aggregated_hosts h LEFT JOIN nodes n ON n.id = h.node_id`

// All returns every host in the inventory.
func (a *Aggregator) All(ctx context.Context) ([]*AggregatedHost, error) {
	return a.list(ctx, `SELECT `+hostColumns+` `+hostFrom+` ORDER BY h.node_id, h.name`)
}

// ByNode returns the hosts of one node.
func (a *Aggregator) ByNode(ctx context.Context, nodeID string) ([]*AggregatedHost, error) {
	return a.list(ctx, `SELECT `+hostColumns+` `+hostFrom+` WHERE h.node_id = $1 ORDER BY h.name`, nodeID)
}

// ByFQN resolves a fully qualified name to its host. Candidates are
// selected by name and the FQN of each is recomputed for comparison.
func (a *Aggregator) ByFQN(ctx context.Context, fqn string) (*AggregatedHost, error) {
	name := NameFromFQN(fqn)
	if name == "" {
		return nil, ErrHostNotFound
	}
	candidates, err := a.list(ctx, `SELECT `+hostColumns+` `+hostFrom+` WHERE h.name = $1`, name)
	if err != nil {
		return nil, err
	}
	for _, h := range candidates {
		if h.FQN == fqn {
			return h, nil
		}
	}
	return nil, ErrHostNotFound
}

// SavePortScanSnapshot caches a port-scan result on the host. The snapshot
// becomes invisible once the TTL passes.
func (a *Aggregator) SavePortScanSnapshot(ctx context.Context, fqn string, openPorts []int) error {
	h, err := a.ByFQN(ctx, fqn)
	if err != nil {
		return err
	}
	now := a.clock.Now().UTC()
	if _, err := a.store.Exec(ctx, `
		UPDATE aggregated_hosts
		SET open_ports = $1, ports_scanned_at = $2, ports_expire_at = $3, updated_at = $4
		WHERE id = $5
	`, marshalInts(openPorts), now, now.Add(a.portTTL), now, h.ID); err != nil {
		return fmt.Errorf("save port scan: %w", err)
	}
	a.log.Debug().Str("fqn", fqn).Int("ports", len(openPorts)).Msg("port scan cached")
	return nil
}

// Stats summarizes the inventory for the health and stats surfaces.
func (a *Aggregator) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{HostsByNode: make(map[string]int)}

	rows, err := a.store.Query(ctx, `
		SELECT node_id, status, discovered FROM aggregated_hosts
	`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var nodeID, status string
		var discovered bool
		if err := rows.Scan(&nodeID, &status, &discovered); err != nil {
			return nil, err
		}
		st.TotalHosts++
		st.HostsByNode[nodeID]++
		if status == protocol.HostStatusAwake {
			st.AwakeHosts++
		}
		if discovered {
			st.DiscoveredHosts++
		}
	}
	return st, rows.Err()
}

// normalize converts a wire host into its stored form.
func (a *Aggregator) normalize(nodeID string, h protocol.Host, now time.Time) *AggregatedHost {
	out := &AggregatedHost{
		NodeID:         nodeID,
		Name:           h.Name,
		Mac:            h.Mac,
		SecondaryMacs:  compactStrings(h.SecondaryMacs),
		IP:             h.IP,
		WolPort:        h.WolPort,
		Status:         h.Status,
		Discovered:     h.Discovered,
		PingResponsive: h.PingResponsive,
		Notes:          h.Notes,
		Tags:           compactStrings(h.Tags),
	}
	if out.WolPort == 0 {
		out.WolPort = 9 // WoL discard port
	}
	out.LastSeen = now
	if h.LastSeen != "" {
		if t, err := time.Parse(time.RFC3339, h.LastSeen); err == nil {
			out.LastSeen = t.UTC()
		}
	}
	return out
}

// meaningfulChange reports whether anything beyond lastSeen differs.
func meaningfulChange(old, inc *AggregatedHost) bool {
	switch {
	case old.Name != inc.Name,
		old.Mac != inc.Mac,
		old.IP != inc.IP,
		old.WolPort != inc.WolPort,
		old.Status != inc.Status,
		old.Discovered != inc.Discovered,
		old.Notes != inc.Notes,
		!slices.Equal(old.SecondaryMacs, inc.SecondaryMacs),
		!slices.Equal(old.Tags, inc.Tags),
		!boolPtrEqual(old.PingResponsive, inc.PingResponsive):
		return true
	}
	return false
}

func (a *Aggregator) insert(ctx context.Context, h *AggregatedHost, now time.Time) error {
	_, err := a.store.Exec(ctx, `
		INSERT INTO aggregated_hosts
			(id, node_id, name, mac, secondary_macs, ip, wol_port, status, last_seen,
			 discovered, ping_responsive, notes, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, h.ID, h.NodeID, h.Name, h.Mac, marshalStrings(h.SecondaryMacs), storage.NullString(h.IP),
		h.WolPort, h.Status, storage.NullTime(h.LastSeen), h.Discovered, nullBool(h.PingResponsive),
		h.Notes, marshalStrings(h.Tags), now, now)
	return err
}

func (a *Aggregator) update(ctx context.Context, h *AggregatedHost, now time.Time) error {
	_, err := a.store.Exec(ctx, `
		UPDATE aggregated_hosts
		SET name = $1, mac = $2, secondary_macs = $3, ip = $4, wol_port = $5,
			status = $6, last_seen = $7, discovered = $8, ping_responsive = $9,
			notes = $10, tags = $11, updated_at = $12
		WHERE id = $13
	`, h.Name, h.Mac, marshalStrings(h.SecondaryMacs), storage.NullString(h.IP), h.WolPort,
		h.Status, storage.NullTime(h.LastSeen), h.Discovered, nullBool(h.PingResponsive),
		h.Notes, marshalStrings(h.Tags), now, h.ID)
	return err
}

func (a *Aggregator) findByNodeMac(ctx context.Context, nodeID, mac string) (*AggregatedHost, error) {
	return a.one(ctx, `SELECT `+hostColumns+` `+hostFrom+` WHERE h.node_id = $1 AND h.mac = $2 LIMIT 1`, nodeID, mac)
}

func (a *Aggregator) findByNodeName(ctx context.Context, nodeID, name string) (*AggregatedHost, error) {
	return a.one(ctx, `SELECT `+hostColumns+` `+hostFrom+` WHERE h.node_id = $1 AND h.name = $2 ORDER BY h.created_at LIMIT 1`, nodeID, name)
}

func (a *Aggregator) one(ctx context.Context, query string, args ...any) (*AggregatedHost, error) {
	hs, err := a.list(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, nil
	}
	return hs[0], nil
}

func (a *Aggregator) list(ctx context.Context, query string, args ...any) ([]*AggregatedHost, error) {
	rows, err := a.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hosts: %w", err)
	}
	defer rows.Close()

	now := a.clock.Now().UTC()
	var out []*AggregatedHost
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, err
		}
		h.FQN = FormatFQN(h.Name, h.Location, h.NodeID)
		// An expired port scan is never exposed.
		if !h.PortsExpireAt.IsZero() && now.After(h.PortsExpireAt) {
			h.OpenPorts = nil
			h.PortsScannedAt = time.Time{}
			h.PortsExpireAt = time.Time{}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanHost(rows *sql.Rows) (*AggregatedHost, error) {
	var (
		h              AggregatedHost
		secondaryMacs  sql.NullString
		ip             sql.NullString
		lastSeen       sql.NullTime
		pingResponsive sql.NullBool
		tags           sql.NullString
		openPorts      sql.NullString
		portsScannedAt sql.NullTime
		portsExpireAt  sql.NullTime
	)
	if err := rows.Scan(&h.ID, &h.NodeID, &h.Name, &h.Mac, &secondaryMacs, &ip, &h.WolPort,
		&h.Status, &lastSeen, &h.Discovered, &pingResponsive, &h.Notes, &tags,
		&openPorts, &portsScannedAt, &portsExpireAt, &h.CreatedAt, &h.UpdatedAt,
		&h.Location); err != nil {
		return nil, fmt.Errorf("scan host: %w", err)
	}
	h.SecondaryMacs = unmarshalStrings(secondaryMacs)
	h.IP = ip.String
	if lastSeen.Valid {
		h.LastSeen = lastSeen.Time.UTC()
	}
	if pingResponsive.Valid {
		v := pingResponsive.Bool
		h.PingResponsive = &v
	}
	h.Tags = unmarshalStrings(tags)
	h.OpenPorts = unmarshalInts(openPorts)
	if portsScannedAt.Valid {
		h.PortsScannedAt = portsScannedAt.Time.UTC()
	}
	if portsExpireAt.Valid {
		h.PortsExpireAt = portsExpireAt.Time.UTC()
	}
	h.CreatedAt = h.CreatedAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	return &h, nil
}

func (a *Aggregator) publish(ctx context.Context, typ events.Type, h *AggregatedHost) {
	if a.broker == nil {
		return
	}
	if h.FQN == "" {
		if loc, err := a.nodeLocation(ctx, h.NodeID); err == nil {
			h.Location = loc
		}
		h.FQN = FormatFQN(h.Name, h.Location, h.NodeID)
	}
	a.broker.Publish(&events.Event{Type: typ, NodeID: h.NodeID, HostFQN: h.FQN, Payload: h})
}

func (a *Aggregator) nodeLocation(ctx context.Context, nodeID string) (string, error) {
	var loc string
	err := a.store.QueryRow(ctx, `SELECT location FROM nodes WHERE id = $1`, nodeID).Scan(&loc)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return loc, err
}

func compactStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return in
}

func marshalStrings(in []string) sql.NullString {
	if len(in) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(in)
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalStrings(in sql.NullString) []string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(in.String), &out); err != nil {
		return nil
	}
	return compactStrings(out)
}

func marshalInts(in []int) sql.NullString {
	if len(in) == 0 {
		return sql.NullString{String: "[]", Valid: true}
	}
	data, _ := json.Marshal(in)
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalInts(in sql.NullString) []int {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(in.String), &out); err != nil {
		return nil
	}
	return out
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
