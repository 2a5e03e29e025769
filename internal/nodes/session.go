package nodes

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Outbound frames buffered per session before dispatch fails.
	sendBuffer = 64

	// Delay between sending a close frame and dropping the TCP
	// connection, so the peer can still read the close code.
	closeGrace = 250 * time.Millisecond
)

// Close codes the core uses on agent sessions. 1000 is the normal
// shutdown close; the 4xxx range is application-specific.
const (
	CloseAuthFailure        = 4001
	CloseSubjectMismatch    = 4401
	CloseUnsupportedVersion = 4406
	CloseRateLimited        = 4408
	CloseAlreadyRegistered  = 4409
)

// AuthKind identifies how the transport authenticated the connection.
type AuthKind string

const (
	AuthStaticToken  AuthKind = "static-token"
	AuthSessionToken AuthKind = "session-token"
)

// AuthContext is handed to the manager by the transport layer alongside
// the accepted connection. For session tokens, NodeID and ExpiresAt carry
// the verified claims.
type AuthContext struct {
	Kind      AuthKind
	Token     string
	NodeID    string
	ExpiresAt time.Time
}

// Session is one live agent connection. Transient: destroyed on close,
// never persisted. The manager owns all sessions; inbound frames are
// handled serially in the session's read pump.
type Session struct {
	conn    *websocket.Conn
	manager *Manager
	auth    AuthContext
	limiter *rate.Limiter

	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu         sync.RWMutex
	registered bool
	nodeID     string
	location   string
	publicURL  string
}

func newSession(m *Manager, conn *websocket.Conn, auth AuthContext, msgsPerSecond int) *Session {
	return &Session{
		conn:    conn,
		manager: m,
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(msgsPerSecond), msgsPerSecond),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Registered reports whether the session completed registration.
func (s *Session) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// NodeID returns the session-bound node id, empty before registration.
// All inbound events are attributed to this id regardless of what the
// payload declares.
func (s *Session) NodeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeID
}

// PublicURL returns the HTTP tunnel base URL the agent registered, if any.
func (s *Session) PublicURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicURL
}

// Location returns the location the agent registered.
func (s *Session) Location() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location
}

func (s *Session) bind(nodeID, location, publicURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = true
	s.nodeID = nodeID
	s.location = location
	s.publicURL = publicURL
}

func (s *Session) unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = false
	s.nodeID = ""
}

// SafeSend queues a frame for the write pump without ever blocking the
// caller. Sessions that stopped draining their buffer fail fast. The send
// channel is never closed; teardown is signalled through done.
func (s *Session) SafeSend(data []byte) error {
	select {
	case <-s.done:
		return ErrNodeOffline
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrNodeOffline
	default:
		return errors.New("session send buffer full")
	}
}

// close sends a close frame with the given code and tears the connection
// down. Idempotent; registry cleanup happens in the manager's close
// handler once the read pump exits.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		close(s.done)
		s.manager.observeClose(code)
		time.AfterFunc(closeGrace, func() { _ = s.conn.Close() })
	})
}

// readPump reads frames from the connection and hands them to the
// manager one at a time. Runs until the connection dies.
func (s *Session) readPump() {
	defer func() {
		s.close(websocket.CloseNormalClosure, "")
		s.manager.handleSessionClosed(s)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.manager.log.Debug().Err(err).Str("node_id", s.NodeID()).Msg("session read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		s.manager.handleMessage(s, data)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

// writePump writes queued frames and keeps the connection alive with
// pings. The connection itself is torn down by close, which every exit
// path of the read pump goes through.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}
