package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakefleet/wakefleet/internal/commands"
)

type wakeCall struct {
	fqn  string
	opts commands.WakeOptions
}

type fakeWakeRouter struct {
	mu    sync.Mutex
	calls []wakeCall
	fail  error
}

func (f *fakeWakeRouter) RouteWakeCommand(_ context.Context, fqn string, opts commands.WakeOptions) (*commands.RouteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, wakeCall{fqn: fqn, opts: opts})
	if f.fail != nil {
		return nil, f.fail
	}
	return &commands.RouteResult{CommandID: "c1", State: commands.StateSent}, nil
}

func (f *fakeWakeRouter) wakes() []wakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wakeCall(nil), f.calls...)
}

func TestWorkerFiresDueSchedule(t *testing.T) {
	st, _, clock := newStoreFixture(t)
	ctx := context.Background()

	created, err := st.CreateHost(ctx, dailyAt("nas@Lab-n1", "01:00:00"))
	require.NoError(t, err)
	trigger, ok := created.NextTriggerTime()
	require.True(t, ok)

	router := &fakeWakeRouter{}
	w := NewWorker(st, router, WorkerConfig{PollInterval: 30 * time.Second, BatchSize: 10}, clock, zerolog.Nop())
	w.Start()
	t.Cleanup(w.Stop)

	clock.BlockUntil(1)
	clock.Advance(2 * time.Hour)

	require.Eventually(t, func() bool { return len(router.wakes()) == 1 },
		2*time.Second, 10*time.Millisecond)
	call := router.wakes()[0]
	assert.Equal(t, "nas@Lab-n1", call.fqn)
	assert.Equal(t, fmt.Sprintf("schedule:%s:%d", created.ID, trigger.Unix()), call.opts.IdempotencyKey)
	assert.Equal(t, "schedule:"+created.ID, call.opts.CorrelationID)

	require.Eventually(t, func() bool {
		got, err := st.GetHost(ctx, created.ID)
		return err == nil && got.LastTriggered != ""
	}, 2*time.Second, 10*time.Millisecond)
	got, err := st.GetHost(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "1984-04-04T02:00:00Z", got.LastTriggered)
	assert.Equal(t, "1984-04-05T01:00:00Z", got.NextTrigger, "rolled past the attempt instant")

	// The next tick finds nothing due; no second wake is issued.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, router.wakes(), 1)
}

func TestWorkerRecordsAttemptOnRouteFailure(t *testing.T) {
	st, _, clock := newStoreFixture(t)
	ctx := context.Background()

	in := dailyAt("gone@Lab-n1", "01:00:00")
	in.Frequency = FreqOnce
	in.ScheduledTime = "1984-04-04T01:00:00Z"
	created, err := st.CreateHost(ctx, in)
	require.NoError(t, err)

	router := &fakeWakeRouter{fail: errors.New("host not found")}
	w := NewWorker(st, router, WorkerConfig{PollInterval: 30 * time.Second, BatchSize: 10}, clock, zerolog.Nop())
	w.Start()
	t.Cleanup(w.Stop)

	clock.BlockUntil(1)
	clock.Advance(2 * time.Hour)

	// The attempt is recorded even though dispatch failed, so a broken
	// schedule cannot fire on every tick forever.
	require.Eventually(t, func() bool {
		got, err := st.GetHost(ctx, created.ID)
		return err == nil && !got.Enabled
	}, 2*time.Second, 10*time.Millisecond)
	got, err := st.GetHost(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.NextTrigger)
	assert.Len(t, router.wakes(), 1)
}

func TestWorkerStopWithoutStart(t *testing.T) {
	st, _, clock := newStoreFixture(t)
	w := NewWorker(st, &fakeWakeRouter{}, WorkerConfig{}, clock, zerolog.Nop())
	w.Stop() // must not hang
}
