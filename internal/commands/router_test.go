package commands

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakefleet/wakefleet/internal/hosts"
	"github.com/wakefleet/wakefleet/internal/protocol"
	"github.com/wakefleet/wakefleet/internal/storage"
)

const routeTimeout = 25 * time.Second

type dispatchedFrame struct {
	nodeID string
	out    protocol.Outbound
}

type fakeDispatcher struct {
	mu         sync.Mutex
	connected  map[string]bool
	dispatched []dispatchedFrame
	failWith   error
	// onDispatch lets a test play the node and answer inline.
	onDispatch func(nodeID string, out protocol.Outbound)
}

func newFakeDispatcher(connected ...string) *fakeDispatcher {
	f := &fakeDispatcher{connected: make(map[string]bool)}
	for _, id := range connected {
		f.connected[id] = true
	}
	return f
}

func (f *fakeDispatcher) Dispatch(_ context.Context, nodeID string, out protocol.Outbound) error {
	f.mu.Lock()
	fail := f.failWith
	hook := f.onDispatch
	if fail == nil {
		f.dispatched = append(f.dispatched, dispatchedFrame{nodeID: nodeID, out: out})
	}
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	if hook != nil {
		hook(nodeID, out)
	}
	return nil
}

func (f *fakeDispatcher) IsConnected(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[nodeID]
}

func (f *fakeDispatcher) setConnected(nodeID string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[nodeID] = up
}

func (f *fakeDispatcher) frames() []dispatchedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchedFrame(nil), f.dispatched...)
}

type snapshotCall struct {
	fqn   string
	ports []int
}

type fakeDirectory struct {
	mu        sync.Mutex
	hosts     map[string]*hosts.AggregatedHost
	snapshots []snapshotCall
}

func (f *fakeDirectory) ByFQN(_ context.Context, fqn string) (*hosts.AggregatedHost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[fqn]
	if !ok {
		return nil, hosts.ErrHostNotFound
	}
	return h, nil
}

func (f *fakeDirectory) SavePortScanSnapshot(_ context.Context, fqn string, openPorts []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshotCall{fqn: fqn, ports: openPorts})
	return nil
}

func (f *fakeDirectory) snapshotCalls() []snapshotCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]snapshotCall(nil), f.snapshots...)
}

type fakeNodes struct{ known map[string]bool }

func (f *fakeNodes) Exists(_ context.Context, id string) (bool, error) { return f.known[id], nil }

type routerFixture struct {
	router     *Router
	model      *Model
	dispatcher *fakeDispatcher
	directory  *fakeDirectory
	clock      *clockwork.FakeClock
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commands.db")
	db, err := storage.Open(context.Background(), storage.Config{Type: storage.BackendEmbedded, URL: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := clockwork.NewFakeClock()
	model := NewModel(db, clock, zerolog.Nop())
	dispatcher := newFakeDispatcher("n1")
	directory := &fakeDirectory{hosts: map[string]*hosts.AggregatedHost{
		"nas@Lab-n1": {
			ID:      "h1",
			NodeID:  "n1",
			Name:    "nas",
			FQN:     "nas@Lab-n1",
			Mac:     "AA:BB:CC:DD:EE:01",
			IP:      "192.168.1.40",
			WolPort: 9,
		},
	}}
	nodes := &fakeNodes{known: map[string]bool{"n1": true}}

	r := NewRouter(model, dispatcher, directory, nodes, routeTimeout, clock, zerolog.Nop())
	t.Cleanup(r.Shutdown)
	return &routerFixture{router: r, model: model, dispatcher: dispatcher, directory: directory, clock: clock}
}

type routed struct {
	res *RouteResult
	err error
}

func awaitRoute(t *testing.T, ch <-chan routed) routed {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("route did not return")
		return routed{}
	}
}

func TestWakeDispatchedToConnectedNode(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateSent, res.State)
	assert.False(t, res.Existing)
	require.NotNil(t, res.Done)
	assert.Equal(t, 1, f.router.PendingCount())

	frames := f.dispatcher.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "n1", frames[0].nodeID)
	wake, ok := frames[0].out.(*protocol.WakePayload)
	require.True(t, ok)
	assert.Equal(t, res.CommandID, wake.CommandID)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", wake.Mac)
	assert.Equal(t, 9, wake.Port)
	assert.Equal(t, "192.168.1.40", wake.IP)

	stored, err := f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, stored.State)
	assert.Equal(t, "wake", stored.Type)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestWakeResultResolvesPending(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.NoError(t, err)

	f.router.HandleCommandResult(ctx, "n1", &protocol.CommandResultPayload{
		CommandID: res.CommandID,
		Success:   true,
		Message:   "magic packet sent",
	})

	select {
	case out := <-res.Done:
		assert.True(t, out.Success)
		assert.Equal(t, "magic packet sent", out.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no outcome delivered")
	}
	assert.Zero(t, f.router.PendingCount())

	stored, err := f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, stored.State)
	assert.False(t, stored.CompletedAt.IsZero())
}

func TestWakeQueuedWhileNodeOffline(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.setConnected("n1", false)

	res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, res.State)
	assert.Nil(t, res.Done)
	assert.Empty(t, f.dispatcher.frames())
	assert.Zero(t, f.router.PendingCount())

	stored, err := f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, stored.State)
}

func TestWakeIdempotencyKeyShortCircuits(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	// Frozen clock keeps both calls in the same minute bucket.
	first, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.NoError(t, err)

	second, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.CommandID, second.CommandID)
	assert.Equal(t, StateSent, second.State)
	assert.Len(t, f.dispatcher.frames(), 1, "duplicate wake must not redispatch")
}

func TestWakeUnknownHost(t *testing.T) {
	f := newRouterFixture(t)

	res, err := f.router.RouteWakeCommand(context.Background(), "ghost@Nowhere-n9", WakeOptions{})
	assert.ErrorIs(t, err, hosts.ErrHostNotFound)
	assert.Nil(t, res)
}

func TestImmediateScanOfflineFails(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.setConnected("n1", false)

	res, err := f.router.RouteScanCommand(ctx, "n1", true)
	assert.ErrorIs(t, err, ErrNodeOffline)
	assert.Nil(t, res)

	// The attempt leaves an audit trail instead of a replayable row.
	page, err := f.model.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, StateFailed, page[0].State)
	assert.Equal(t, "node offline", page[0].Error)
}

func TestDeferredScanQueuesOffline(t *testing.T) {
	f := newRouterFixture(t)
	f.dispatcher.setConnected("n1", false)

	res, err := f.router.RouteScanCommand(context.Background(), "n1", false)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, res.State)
}

func TestScanUnknownNode(t *testing.T) {
	f := newRouterFixture(t)

	res, err := f.router.RouteScanCommand(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Nil(t, res)
}

func TestBlockingPingReturnsNodeAnswer(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.onDispatch = func(nodeID string, out protocol.Outbound) {
		ping := out.(*protocol.PingHostPayload)
		f.router.HandleCommandResult(context.Background(), nodeID, &protocol.CommandResultPayload{
			CommandID: ping.CommandID,
			Success:   true,
			Message:   "reachable",
			HostPing:  &protocol.PingResult{Reachable: true, LatencyMs: 0.8},
		})
	}

	res, err := f.router.RoutePingHostCommand(ctx, "nas@Lab-n1")
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Success)
	assert.Equal(t, "reachable", res.Outcome.Message)
	require.NotNil(t, res.Outcome.Result)
	require.NotNil(t, res.Outcome.Result.HostPing)
	assert.True(t, res.Outcome.Result.HostPing.Reachable)
	assert.Zero(t, f.router.PendingCount())

	stored, err := f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, stored.State)
}

func TestBlockingFailureReportsOutcome(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.onDispatch = func(nodeID string, out protocol.Outbound) {
		ping := out.(*protocol.PingHostPayload)
		f.router.HandleCommandResult(context.Background(), nodeID, &protocol.CommandResultPayload{
			CommandID: ping.CommandID,
			Success:   false,
			Error:     "host unreachable",
		})
	}

	res, err := f.router.RoutePingHostCommand(ctx, "nas@Lab-n1")
	require.NoError(t, err, "a node-reported failure is an outcome, not a transport error")
	assert.Equal(t, StateFailed, res.State)
	require.NotNil(t, res.Outcome)
	assert.False(t, res.Outcome.Success)

	stored, err := f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, stored.State)
	assert.Equal(t, "host unreachable", stored.Error)
}

func TestBlockingTimeout(t *testing.T) {
	f := newRouterFixture(t)

	ch := make(chan routed, 1)
	go func() {
		res, err := f.router.RoutePingHostCommand(context.Background(), "nas@Lab-n1")
		ch <- routed{res, err}
	}()

	// Wait for the frame, not the pending entry: dispatch means the
	// record is already sent and the timer is armed.
	require.Eventually(t, func() bool { return len(f.dispatcher.frames()) == 1 },
		2*time.Second, 10*time.Millisecond)
	f.clock.Advance(routeTimeout)

	got := awaitRoute(t, ch)
	require.ErrorIs(t, got.err, ErrTimeout)
	require.NotNil(t, got.res)
	assert.Equal(t, StateTimedOut, got.res.State)
	assert.Zero(t, f.router.PendingCount())

	stored, err := f.model.Get(context.Background(), got.res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, stored.State)
}

func TestLateResultAfterTimeoutIgnored(t *testing.T) {
	f := newRouterFixture(t)

	ch := make(chan routed, 1)
	go func() {
		res, err := f.router.RoutePingHostCommand(context.Background(), "nas@Lab-n1")
		ch <- routed{res, err}
	}()
	require.Eventually(t, func() bool { return len(f.dispatcher.frames()) == 1 },
		2*time.Second, 10*time.Millisecond)
	f.clock.Advance(routeTimeout)
	got := awaitRoute(t, ch)
	require.ErrorIs(t, got.err, ErrTimeout)

	f.router.HandleCommandResult(context.Background(), "n1", &protocol.CommandResultPayload{
		CommandID: got.res.CommandID,
		Success:   true,
	})

	stored, err := f.model.Get(context.Background(), got.res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, stored.State, "terminal state survives the late answer")
}

func TestBlockingCanceledCallerLeavesTimer(t *testing.T) {
	f := newRouterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan routed, 1)
	go func() {
		res, err := f.router.RoutePingHostCommand(ctx, "nas@Lab-n1")
		ch <- routed{res, err}
	}()
	require.Eventually(t, func() bool { return len(f.dispatcher.frames()) == 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	got := awaitRoute(t, ch)
	require.ErrorIs(t, got.err, context.Canceled)
	assert.Equal(t, StateSent, got.res.State)
	assert.Equal(t, 1, f.router.PendingCount(), "the record still belongs to the timer")

	f.clock.Advance(routeTimeout)
	require.Eventually(t, func() bool {
		stored, err := f.model.Get(context.Background(), got.res.CommandID)
		return err == nil && stored.State == StateTimedOut
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.router.PendingCount())
}

func TestResultFromWrongNodeDropped(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.NoError(t, err)

	f.router.HandleCommandResult(ctx, "intruder", &protocol.CommandResultPayload{
		CommandID: res.CommandID,
		Success:   true,
	})
	stored, err := f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, stored.State)
	assert.Equal(t, 1, f.router.PendingCount(), "the owner's entry stays armed")

	f.router.HandleCommandResult(ctx, "n1", &protocol.CommandResultPayload{
		CommandID: res.CommandID,
		Success:   true,
	})
	stored, err = f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, stored.State)
	assert.Zero(t, f.router.PendingCount())
}

func TestPortScanResultRefreshesSnapshot(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.onDispatch = func(nodeID string, out protocol.Outbound) {
		scan := out.(*protocol.ScanHostPortsPayload)
		f.router.HandleCommandResult(context.Background(), nodeID, &protocol.CommandResultPayload{
			CommandID:    scan.CommandID,
			Success:      true,
			HostPortScan: &protocol.PortScanResult{OpenPorts: []int{22, 80, 445}},
		})
	}

	res, err := f.router.RouteScanHostPortsCommand(ctx, "nas@Lab-n1", []int{22, 80, 443, 445})
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, res.State)

	frames := f.dispatcher.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, []int{22, 80, 443, 445}, frames[0].out.(*protocol.ScanHostPortsPayload).Ports)

	snaps := f.directory.snapshotCalls()
	require.Len(t, snaps, 1)
	assert.Equal(t, "nas@Lab-n1", snaps[0].fqn)
	assert.Equal(t, []int{22, 80, 445}, snaps[0].ports)
}

func TestBacklogFlushedInOrderOnRegister(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.setConnected("n1", false)

	var want []string
	for _, key := range []string{"k1", "k2", "k3"} {
		res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{IdempotencyKey: key})
		require.NoError(t, err)
		require.Equal(t, StateQueued, res.State)
		want = append(want, res.CommandID)
	}

	f.dispatcher.setConnected("n1", true)
	f.router.HandleNodeRegistered("n1")

	require.Eventually(t, func() bool {
		for _, id := range want {
			stored, err := f.model.Get(ctx, id)
			if err != nil || stored.State != StateSent {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	frames := f.dispatcher.frames()
	require.Len(t, frames, 3)
	var got []string
	for _, fr := range frames {
		got = append(got, fr.out.(*protocol.WakePayload).CommandID)
	}
	assert.Equal(t, want, got, "backlog replays in enqueue order")
}

func TestBacklogFlushFailureMarksFailed(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.setConnected("n1", false)

	var ids []string
	for _, key := range []string{"a", "b"} {
		res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{IdempotencyKey: key})
		require.NoError(t, err)
		ids = append(ids, res.CommandID)
	}

	f.dispatcher.setConnected("n1", true)
	f.dispatcher.failWith = errors.New("send buffer full")
	f.router.HandleNodeRegistered("n1")

	require.Eventually(t, func() bool {
		for _, id := range ids {
			stored, err := f.model.Get(ctx, id)
			if err != nil || stored.State != StateFailed {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := f.model.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "send buffer full", stored.Error)
}

func TestDispatchErrorMarksFailed(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()
	f.dispatcher.failWith = errors.New("write: broken pipe")

	res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.Error(t, err)
	assert.ErrorContains(t, err, "broken pipe")
	assert.Nil(t, res)
	assert.Zero(t, f.router.PendingCount())

	page, err := f.model.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, StateFailed, page[0].State)
	assert.Equal(t, "write: broken pipe", page[0].Error)
}

func TestShutdownStopsPendingTimers(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	res, err := f.router.RouteWakeCommand(ctx, "nas@Lab-n1", WakeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, f.router.PendingCount())

	f.router.Shutdown()
	assert.Zero(t, f.router.PendingCount())

	f.clock.Advance(2 * routeTimeout)
	stored, err := f.model.Get(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, StateSent, stored.State, "stopped timers never settle records")
}
