package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/commands"
	"github.com/wakefleet/wakefleet/internal/telemetry"
)

// tickBudget bounds the storage and dispatch work of one poll.
const tickBudget = time.Minute

// WakeRouter issues wake commands for due schedules. Implemented by the
// command router.
type WakeRouter interface {
	RouteWakeCommand(ctx context.Context, fqn string, opts commands.WakeOptions) (*commands.RouteResult, error)
}

// WorkerConfig tunes the schedule poll loop.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// Worker polls for due schedules and fires a wake command for each.
// Single instance; there is no distributed coordination.
type Worker struct {
	store    *Store
	router   WakeRouter
	cfg      WorkerConfig
	clock    clockwork.Clock
	log      zerolog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool
}

// NewWorker wires a schedule worker. Zero config fields get defaults.
func NewWorker(store *Store, router WakeRouter, cfg WorkerConfig, clock clockwork.Clock, log zerolog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Worker{
		store:  store,
		router: router,
		cfg:    cfg,
		clock:  clock,
		log:    log.With().Str("component", "schedule-worker").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the poll loop.
func (w *Worker) Start() {
	w.started = true
	w.log.Info().Dur("poll_interval", w.cfg.PollInterval).Int("batch_size", w.cfg.BatchSize).Msg("schedule worker started")
	go w.run()
}

// Stop halts the poll loop and waits for an in-flight tick to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	if w.started {
		<-w.done
	}
}

func (w *Worker) run() {
	defer close(w.done)
	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			w.tick()
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tickBudget)
	defer cancel()

	now := w.clock.Now().UTC()
	due, err := w.store.ListDue(ctx, w.cfg.BatchSize, now)
	if err != nil {
		w.log.Error().Err(err).Msg("list due schedules")
		return
	}
	for _, d := range due {
		w.fire(ctx, d, now)
	}
}

// fire issues the wake and records the attempt whether or not dispatch
// succeeded. The idempotency key pins the exact trigger instant, so a
// second tick seeing the same instant cannot double-fire.
func (w *Worker) fire(ctx context.Context, d *DueSchedule, now time.Time) {
	key := "schedule:" + d.ID
	if nt, ok := d.NextTriggerTime(); ok {
		key = fmt.Sprintf("schedule:%s:%d", d.ID, nt.Unix())
	}

	if _, err := w.router.RouteWakeCommand(ctx, d.HostFQN, commands.WakeOptions{
		IdempotencyKey: key,
		CorrelationID:  "schedule:" + d.ID,
	}); err != nil {
		telemetry.ScheduleFireErrors.Inc()
		w.log.Error().Err(err).Str("schedule_id", d.ID).Str("fqn", d.HostFQN).Msg("scheduled wake failed")
	} else {
		telemetry.ScheduleFires.Inc()
		w.log.Info().Str("schedule_id", d.ID).Str("fqn", d.HostFQN).
			Str("frequency", d.Frequency).Msg("scheduled wake fired")
	}

	if err := w.store.RecordExecutionAttempt(ctx, d.ID, d.Owned, now); err != nil {
		w.log.Error().Err(err).Str("schedule_id", d.ID).Msg("record execution attempt")
	}
}
