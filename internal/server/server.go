// Package server assembles the core components behind the two transport
// endpoints the agents use: GET /ws (session upgrade) and GET /health.
// The operator-facing REST surface lives outside this module and consumes
// the exported component accessors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/auth"
	"github.com/wakefleet/wakefleet/internal/commands"
	"github.com/wakefleet/wakefleet/internal/config"
	"github.com/wakefleet/wakefleet/internal/events"
	"github.com/wakefleet/wakefleet/internal/hosts"
	"github.com/wakefleet/wakefleet/internal/nodes"
	"github.com/wakefleet/wakefleet/internal/schedule"
	"github.com/wakefleet/wakefleet/internal/storage"
)

const (
	opTimeout     = 10 * time.Second
	shutdownGrace = 10 * time.Second
	pruneInterval = 24 * time.Hour
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; the Origin header carries no signal here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server owns every core component and the HTTP listener.
type Server struct {
	cfg   *config.Config
	log   zerolog.Logger
	clock clockwork.Clock

	store      *storage.Store
	broker     *events.Broker
	auth       *auth.Service
	aggregator *hosts.Aggregator
	nodeStore  *nodes.Store
	manager    *nodes.Manager
	model      *commands.Model
	router     *commands.Router
	schedules  *schedule.Store
	worker     *schedule.Worker

	mux  *chi.Mux
	http *http.Server

	maintStop chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	stopped   chan struct{}
}

// New wires the core on top of an opened store. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, store *storage.Store, clock clockwork.Clock, log zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "server").Logger(),
		clock:     clock,
		store:     store,
		maintStop: make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	s.broker = events.NewBroker()
	s.auth = auth.NewService(cfg.NodeAuthTokens, cfg.SessionTokenSecrets, cfg.SessionTokenTTL)
	s.aggregator = hosts.NewAggregator(store, s.broker, clock, log)
	s.nodeStore = nodes.NewStore(store, clock, log)
	s.manager = nodes.NewManager(nodes.ManagerConfig{
		HeartbeatInterval: cfg.HeartbeatInterval,
		NodeTimeout:       cfg.NodeTimeout,
		MessageRateLimit:  cfg.MessageRateLimitPerSec,
	}, s.nodeStore, s.auth, s.aggregator, s.broker, clock, log)
	s.model = commands.NewModel(store, clock, log)
	s.router = commands.NewRouter(s.model, s.manager, s.aggregator, s.nodeStore, cfg.CommandTimeout, clock, log)
	s.manager.SetCommandHandler(s.router)

	schedules, err := schedule.NewStore(ctx, store, clock, log)
	if err != nil {
		return nil, err
	}
	s.schedules = schedules
	s.worker = schedule.NewWorker(schedules, s.router, schedule.WorkerConfig{
		PollInterval: cfg.SchedulePollInterval,
		BatchSize:    cfg.ScheduleBatchSize,
	}, clock, log)

	s.setupRouter()
	s.http = &http.Server{Addr: cfg.ListenAddr, Handler: s.mux}

	// Components publish from the first registration on, so the broker
	// runs from construction, not from Run.
	s.broker.Start()

	return s, nil
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWS)

	s.mux = r
}

// Run starts the background loops and serves until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.manager.StartSweep()
	if s.cfg.ScheduleWorkerEnabled {
		s.worker.Start()
	}
	s.startMaintenance()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("server listening")
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the core in dependency order: schedule worker and
// maintenance tickers first, then command timers, then agent sessions
// (normal close), then the listener, and finally storage.
func (s *Server) Shutdown() error {
	var err error
	s.stopOnce.Do(func() {
		defer close(s.stopped)
		s.log.Info().Msg("shutting down")

		s.worker.Stop()
		close(s.maintStop)
		s.wg.Wait()
		s.router.Shutdown()
		s.manager.Shutdown()
		s.broker.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if herr := s.http.Shutdown(ctx); herr != nil {
			err = herr
		}
		if cerr := s.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	<-s.stopped
	return err
}

// startMaintenance runs the storage janitors: stale in-flight commands are
// reconciled every command timeout, old terminal rows pruned daily.
func (s *Server) startMaintenance() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reconcile := s.clock.NewTicker(s.cfg.CommandTimeout)
		defer reconcile.Stop()
		prune := s.clock.NewTicker(pruneInterval)
		defer prune.Stop()
		for {
			select {
			case <-reconcile.Chan():
				s.reconcileCommands()
			case <-prune.Chan():
				s.pruneCommands()
			case <-s.maintStop:
				return
			}
		}
	}()
}

func (s *Server) reconcileCommands() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := s.model.ReconcileStaleInFlight(ctx, 2*s.cfg.CommandTimeout)
	if err != nil {
		s.log.Error().Err(err).Msg("reconcile stale commands")
		return
	}
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("timed out orphaned commands")
	}
}

func (s *Server) pruneCommands() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := s.model.PruneOldCommands(ctx, s.cfg.CommandRetentionDays)
	if err != nil {
		s.log.Error().Err(err).Msg("prune old commands")
		return
	}
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("pruned old commands")
	}
}

// handleHealth reports liveness plus the fleet's vital signs.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health: storage unreachable")
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	var nodeCount int
	if list, err := s.nodeStore.List(ctx); err == nil {
		nodeCount = len(list)
	} else {
		s.log.Warn().Err(err).Msg("health: node count unavailable")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"nodes":    nodeCount,
		"sessions": s.manager.ConnectedCount(),
	})
}

// handleWS upgrades an agent connection and hands it to the session
// manager with the AuthContext derived from its bearer token.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	authCtx := s.authContext(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.manager.HandleConnection(conn, authCtx)
}

// authContext classifies the presented token. A match against a configured
// static token wins; otherwise a verifying JWT binds the session to its
// subject; anything else is passed through as a static token and fails at
// registration with 4001.
func (s *Server) authContext(r *http.Request) nodes.AuthContext {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}

	if s.auth.ValidStaticToken(token) {
		return nodes.AuthContext{Kind: nodes.AuthStaticToken, Token: token}
	}
	if claims, err := s.auth.Verify(token); err == nil {
		return nodes.AuthContext{
			Kind:      nodes.AuthSessionToken,
			Token:     token,
			NodeID:    claims.NodeID,
			ExpiresAt: claims.ExpiresAt,
		}
	}
	return nodes.AuthContext{Kind: nodes.AuthStaticToken, Token: token}
}

// Handler returns the HTTP router (for testing).
func (s *Server) Handler() http.Handler { return s.mux }

// Component accessors for the HTTP layer built on top of this core.

// Nodes returns the node record store.
func (s *Server) Nodes() *nodes.Store { return s.nodeStore }

// Manager returns the session manager.
func (s *Server) Manager() *nodes.Manager { return s.manager }

// Hosts returns the aggregated host inventory.
func (s *Server) Hosts() *hosts.Aggregator { return s.aggregator }

// Commands returns the command record model.
func (s *Server) Commands() *commands.Model { return s.model }

// CommandRouter returns the command router.
func (s *Server) CommandRouter() *commands.Router { return s.router }

// Schedules returns the wake schedule store.
func (s *Server) Schedules() *schedule.Store { return s.schedules }

// Auth returns the token service, e.g. for minting session tokens.
func (s *Server) Auth() *auth.Service { return s.auth }

// Events returns the in-process event broker.
func (s *Server) Events() *events.Broker { return s.broker }
