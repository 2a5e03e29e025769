package nodes

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/auth"
	"github.com/wakefleet/wakefleet/internal/events"
	"github.com/wakefleet/wakefleet/internal/protocol"
	"github.com/wakefleet/wakefleet/internal/telemetry"
)

// opTimeout bounds storage work done on behalf of a single inbound frame.
const opTimeout = 10 * time.Second

// HostSink receives host inventory events attributed to a node. All
// events carry the session-bound node id, never the payload's.
type HostSink interface {
	ApplyDiscovered(ctx context.Context, nodeID string, h protocol.Host) error
	ApplyUpdated(ctx context.Context, nodeID string, h protocol.Host) error
	ApplyRemoved(ctx context.Context, nodeID, name string) error
	MarkNodeHostsUnreachable(ctx context.Context, nodeID string) (int64, error)
}

// CommandHandler is notified of command results and completed
// registrations so the command layer can resolve in-flight requests and
// flush queued backlog.
type CommandHandler interface {
	HandleCommandResult(ctx context.Context, nodeID string, result *protocol.CommandResultPayload)
	HandleNodeRegistered(nodeID string)
}

// ManagerConfig carries the session-level tunables.
type ManagerConfig struct {
	HeartbeatInterval time.Duration
	NodeTimeout       time.Duration
	// MessageRateLimit is the per-session inbound frame budget per second.
	MessageRateLimit int
}

// Manager owns every live agent session and the node records behind
// them.
type Manager struct {
	cfg    ManagerConfig
	store  *Store
	auth   *auth.Service
	hosts  HostSink
	broker *events.Broker
	clock  clockwork.Clock
	log    zerolog.Logger
	client *http.Client

	mu       sync.RWMutex
	sessions map[string]*Session // registered, by node id
	all      map[*Session]struct{}
	handler  CommandHandler

	sweepStop chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewManager wires a Manager. Call SetCommandHandler before accepting
// connections and StartSweep to begin liveness sweeps.
func NewManager(cfg ManagerConfig, store *Store, authSvc *auth.Service, hosts HostSink, broker *events.Broker, clock clockwork.Clock, log zerolog.Logger) *Manager {
	if cfg.MessageRateLimit < 1 {
		cfg.MessageRateLimit = 50
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		auth:      authSvc,
		hosts:     hosts,
		broker:    broker,
		clock:     clock,
		log:       log.With().Str("component", "nodes").Logger(),
		client:    &http.Client{Timeout: opTimeout},
		sessions:  make(map[string]*Session),
		all:       make(map[*Session]struct{}),
		sweepStop: make(chan struct{}),
	}
}

// SetCommandHandler attaches the command layer. Must be called before
// the first connection is accepted.
func (m *Manager) SetCommandHandler(h CommandHandler) { m.handler = h }

// SetHTTPClient replaces the client used for publicUrl dispatch.
func (m *Manager) SetHTTPClient(c *http.Client) { m.client = c }

// Store exposes the node record store.
func (m *Manager) Store() *Store { return m.store }

// HandleConnection runs an accepted connection until it closes. The
// transport supplies the AuthContext it derived from the bearer token;
// anything other than a well-formed static or session token context is
// closed with 4001 before any frame is read.
func (m *Manager) HandleConnection(conn *websocket.Conn, authCtx AuthContext) {
	s := newSession(m, conn, authCtx, m.cfg.MessageRateLimit)

	if (authCtx.Kind != AuthStaticToken && authCtx.Kind != AuthSessionToken) || authCtx.Token == "" {
		s.close(CloseAuthFailure, "Authentication required")
		return
	}

	m.mu.Lock()
	m.all[s] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		s.writePump()
	}()
	defer m.wg.Done()
	s.readPump()
}

// handleMessage processes one inbound frame. Called serially from the
// session's read pump.
func (m *Manager) handleMessage(s *Session, data []byte) {
	if !s.limiter.Allow() {
		m.log.Warn().Str("node_id", s.NodeID()).Msg("session exceeded message rate limit")
		s.close(CloseRateLimited, "Rate limit exceeded")
		return
	}

	in, err := protocol.DecodeInbound(data)
	if err != nil {
		observeInvalid(err)
		m.log.Warn().Err(err).Str("node_id", s.NodeID()).Msg("invalid inbound frame")
		m.sendError(s, "Invalid message format")
		return
	}

	if _, ok := in.(*protocol.RegisterPayload); !ok && !s.Registered() {
		m.sendError(s, "Not registered")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch p := in.(type) {
	case *protocol.RegisterPayload:
		m.handleRegister(ctx, s, p)

	case *protocol.HeartbeatPayload:
		if err := m.store.UpdateHeartbeat(ctx, s.NodeID()); err != nil {
			m.log.Warn().Err(err).Str("node_id", s.NodeID()).Msg("heartbeat not recorded")
		}

	case *protocol.HostDiscoveredPayload:
		if err := m.hosts.ApplyDiscovered(ctx, s.NodeID(), p.Host); err != nil {
			m.log.Error().Err(err).Str("node_id", s.NodeID()).Str("host", p.Host.Name).Msg("apply host-discovered")
		}

	case *protocol.HostUpdatedPayload:
		if err := m.hosts.ApplyUpdated(ctx, s.NodeID(), p.Host); err != nil {
			m.log.Error().Err(err).Str("node_id", s.NodeID()).Str("host", p.Host.Name).Msg("apply host-updated")
		}

	case *protocol.HostRemovedPayload:
		if err := m.hosts.ApplyRemoved(ctx, s.NodeID(), p.Name); err != nil {
			m.log.Error().Err(err).Str("node_id", s.NodeID()).Str("host", p.Name).Msg("apply host-removed")
		}

	case *protocol.ScanCompletePayload:
		m.log.Info().Str("node_id", s.NodeID()).Int("hosts_found", p.HostsFound).
			Int64("duration_ms", p.DurationMs).Msg("network scan complete")
		if err := m.store.UpdateHeartbeat(ctx, s.NodeID()); err != nil {
			m.log.Warn().Err(err).Str("node_id", s.NodeID()).Msg("heartbeat not recorded")
		}

	case *protocol.CommandResultPayload:
		if m.handler != nil {
			m.handler.HandleCommandResult(ctx, s.NodeID(), p)
		}
	}
}

func (m *Manager) handleRegister(ctx context.Context, s *Session, p *protocol.RegisterPayload) {
	if s.Registered() {
		s.close(CloseAlreadyRegistered, "Already registered")
		return
	}

	switch s.auth.Kind {
	case AuthStaticToken:
		if !m.auth.ValidStaticToken(s.auth.Token) {
			s.close(CloseAuthFailure, "Authentication failed")
			return
		}
		if len(p.AuthToken) != len(s.auth.Token) ||
			subtle.ConstantTimeCompare([]byte(p.AuthToken), []byte(s.auth.Token)) != 1 {
			s.close(CloseAuthFailure, "Authentication failed")
			return
		}
	case AuthSessionToken:
		if m.clock.Now().After(s.auth.ExpiresAt) {
			s.close(CloseAuthFailure, "Session token expired")
			return
		}
		if p.NodeID != s.auth.NodeID {
			s.close(CloseSubjectMismatch, "Session token bound to a different node")
			return
		}
	}

	if !protocol.Supported(p.Metadata.ProtocolVersion) {
		s.close(CloseUnsupportedVersion, "Unsupported protocol version")
		return
	}

	m.mu.Lock()
	if existing, ok := m.sessions[p.NodeID]; ok && existing != s {
		m.mu.Unlock()
		s.close(CloseAlreadyRegistered, "Node already registered")
		return
	}
	m.sessions[p.NodeID] = s
	m.mu.Unlock()

	s.bind(p.NodeID, p.Location, p.PublicURL)

	node := &Node{
		ID:            p.NodeID,
		Name:          p.Name,
		Location:      p.Location,
		Status:        StatusOnline,
		LastHeartbeat: m.clock.Now().UTC(),
		Metadata:      registerMetadata(p.Metadata),
		Capabilities:  p.Capabilities,
	}
	if err := m.store.Upsert(ctx, node); err != nil {
		m.log.Error().Err(err).Str("node_id", p.NodeID).Msg("persist node record")
		m.mu.Lock()
		delete(m.sessions, p.NodeID)
		m.mu.Unlock()
		s.unbind()
		s.close(websocket.CloseInternalServerErr, "Registration failed")
		return
	}

	telemetry.SessionsConnected.Inc()

	reply, err := protocol.Encode(&protocol.RegisteredPayload{
		HeartbeatInterval: int(m.cfg.HeartbeatInterval.Seconds()),
		ProtocolVersion:   protocol.Version,
	})
	if err == nil {
		err = s.SafeSend(reply)
	}
	if err != nil {
		m.log.Error().Err(err).Str("node_id", p.NodeID).Msg("send registered reply")
	}

	m.log.Info().Str("node_id", p.NodeID).Str("name", p.Name).
		Str("location", p.Location).Str("auth", string(s.auth.Kind)).
		Bool("tunnel", p.PublicURL != "").Msg("node registered")

	m.broker.Publish(&events.Event{Type: events.NodeConnected, NodeID: p.NodeID})

	if m.handler != nil {
		m.handler.HandleNodeRegistered(p.NodeID)
	}
}

// handleSessionClosed runs once per session after its read pump exits.
func (m *Manager) handleSessionClosed(s *Session) {
	nodeID := s.NodeID()

	m.mu.Lock()
	delete(m.all, s)
	wasRegistered := nodeID != "" && m.sessions[nodeID] == s
	if wasRegistered {
		delete(m.sessions, nodeID)
	}
	m.mu.Unlock()

	if !wasRegistered {
		return
	}

	telemetry.SessionsConnected.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := m.store.SetStatus(ctx, nodeID, StatusOffline); err != nil {
		m.log.Error().Err(err).Str("node_id", nodeID).Msg("mark node offline")
	}
	if _, err := m.hosts.MarkNodeHostsUnreachable(ctx, nodeID); err != nil {
		m.log.Error().Err(err).Str("node_id", nodeID).Msg("mark hosts unreachable")
	}

	m.log.Info().Str("node_id", nodeID).Msg("node disconnected")
	m.broker.Publish(&events.Event{Type: events.NodeDisconnected, NodeID: nodeID})
}

// Dispatch validates and delivers an outbound message to a registered
// node. Sessions that registered a publicUrl get the frame POSTed to
// their tunnel endpoint first; a 2xx response body is fed back through
// the command-result path. Tunnel failures fall back to the socket.
func (m *Manager) Dispatch(ctx context.Context, nodeID string, out protocol.Outbound) error {
	data, err := protocol.Encode(out)
	if err != nil {
		observeInvalid(err)
		return err
	}

	s := m.session(nodeID)
	if s == nil {
		return ErrNodeOffline
	}

	if base := s.PublicURL(); base != "" {
		err := m.dispatchTunnel(ctx, s, base, data)
		if err == nil {
			return nil
		}
		m.log.Warn().Err(err).Str("node_id", nodeID).Msg("tunnel dispatch failed, using socket")
	}
	return s.SafeSend(data)
}

func (m *Manager) dispatchTunnel(ctx context.Context, s *Session, base string, frame []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/agent/commands", bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.auth.Token)

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxMessageSize))
		return &tunnelStatusError{status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	in, err := protocol.DecodeInbound(body)
	if err != nil {
		m.log.Debug().Err(err).Str("node_id", s.NodeID()).Msg("tunnel response is not a result frame")
		return nil
	}
	if result, ok := in.(*protocol.CommandResultPayload); ok && m.handler != nil {
		m.handler.HandleCommandResult(ctx, s.NodeID(), result)
	}
	return nil
}

type tunnelStatusError struct{ status string }

func (e *tunnelStatusError) Error() string { return "tunnel returned " + e.status }

// IsConnected reports whether nodeID has a live registered session.
func (m *Manager) IsConnected(nodeID string) bool {
	return m.session(nodeID) != nil
}

// ConnectedCount returns the number of registered sessions.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) session(nodeID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[nodeID]
}

// StartSweep launches the liveness sweep loop. Every heartbeat interval
// it marks nodes silent past NodeTimeout offline and flips their hosts
// unreachable unless a live session disagrees.
func (m *Manager) StartSweep() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				m.sweep()
			case <-m.sweepStop:
				return
			}
		}
	}()
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	ids, err := m.store.MarkStaleNodesOffline(ctx, m.cfg.NodeTimeout)
	if err != nil {
		m.log.Error().Err(err).Msg("stale node sweep")
		return
	}
	for _, id := range ids {
		if m.IsConnected(id) {
			continue
		}
		if _, err := m.hosts.MarkNodeHostsUnreachable(ctx, id); err != nil {
			m.log.Error().Err(err).Str("node_id", id).Msg("mark hosts unreachable")
			continue
		}
		m.log.Info().Str("node_id", id).Msg("node heartbeat timed out")
	}
}

// Shutdown stops the sweep, closes every session with a normal close
// and waits for all pumps to drain.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.sweepStop) })

	m.mu.Lock()
	open := make([]*Session, 0, len(m.all))
	for s := range m.all {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		s.close(websocket.CloseNormalClosure, "Server shutting down")
	}
	m.wg.Wait()
}

func (m *Manager) sendError(s *Session, message string) {
	data, err := protocol.Encode(&protocol.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if err := s.SafeSend(data); err != nil {
		m.log.Debug().Err(err).Msg("error frame not delivered")
	}
}

func (m *Manager) observeClose(code int) {
	telemetry.SessionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
}

func observeInvalid(err error) {
	if ipe, ok := err.(*protocol.InvalidPayloadError); ok {
		telemetry.InvalidPayloads.WithLabelValues(ipe.Direction, ipe.Type).Inc()
	}
}

func registerMetadata(meta protocol.RegisterMetadata) map[string]any {
	out := map[string]any{"protocolVersion": meta.ProtocolVersion}
	if meta.AgentVersion != "" {
		out["agentVersion"] = meta.AgentVersion
	}
	if meta.Platform != "" {
		out["platform"] = meta.Platform
	}
	return out
}
