package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/wakefleet/wakefleet/internal/hosts"
	"github.com/wakefleet/wakefleet/internal/protocol"
)

// opTimeout bounds storage work done from timer and handler callbacks.
const opTimeout = 10 * time.Second

var (
	// ErrNodeOffline means the target node has no live session and the
	// command cannot be deferred.
	ErrNodeOffline = errors.New("node offline")
	// ErrNodeNotFound means the scan target is not a known node.
	ErrNodeNotFound = errors.New("node not found")
)

// Dispatcher delivers validated outbound messages to node sessions.
// Implemented by the session manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID string, out protocol.Outbound) error
	IsConnected(nodeID string) bool
}

// HostDirectory resolves hosts and stores port-scan snapshots.
// Implemented by the host aggregator.
type HostDirectory interface {
	ByFQN(ctx context.Context, fqn string) (*hosts.AggregatedHost, error)
	SavePortScanSnapshot(ctx context.Context, fqn string, openPorts []int) error
}

// NodeDirectory answers node existence checks for scan targeting.
// Implemented by the node store.
type NodeDirectory interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// WakeOptions customize a wake command. The zero value buckets repeat
// wakes for the same host into the same minute.
type WakeOptions struct {
	// IdempotencyKey overrides the default wakeup:<fqn>:<unixMinute> key.
	IdempotencyKey string
	// CorrelationID tags log lines for the originating workflow.
	CorrelationID string
}

// RouteResult reports how a routed command left the router.
type RouteResult struct {
	CommandID string
	State     string
	// Existing is true when an idempotency key matched a stored command
	// and nothing new was issued.
	Existing bool
	// Done receives the command's outcome once, when it was dispatched
	// with a live session. Nil for deferred commands.
	Done <-chan Outcome
	// Outcome is filled in by the blocking routes.
	Outcome *Outcome
}

// Router issues typed commands to nodes and correlates their results
// back to waiting callers.
type Router struct {
	model      *Model
	dispatcher Dispatcher
	directory  HostDirectory
	nodes      NodeDirectory
	timeout    time.Duration
	clock      clockwork.Clock
	log        zerolog.Logger
	pending    *pendingSet
}

// NewRouter wires a Router. timeout is the per-command response budget.
func NewRouter(model *Model, dispatcher Dispatcher, directory HostDirectory, nodes NodeDirectory, timeout time.Duration, clock clockwork.Clock, log zerolog.Logger) *Router {
	return &Router{
		model:      model,
		dispatcher: dispatcher,
		directory:  directory,
		nodes:      nodes,
		timeout:    timeout,
		clock:      clock,
		log:        log.With().Str("component", "router").Logger(),
		pending:    newPendingSet(),
	}
}

// PendingCount returns the number of in-flight commands.
func (r *Router) PendingCount() int { return r.pending.len() }

// routeSpec carries everything issue needs to enqueue and deliver one
// command.
type routeSpec struct {
	nodeID         string
	fqn            string
	payload        protocol.Outbound
	idempotencyKey string
	correlationID  string
	// deferrable commands survive an offline node as queued backlog;
	// the rest fail ErrNodeOffline.
	deferrable bool
	// blocking routes wait for the node's answer.
	blocking bool
}

// RouteWakeCommand issues a Wake-on-LAN command for the host behind fqn.
// Offline nodes keep it queued for replay on reconnect.
func (r *Router) RouteWakeCommand(ctx context.Context, fqn string, opts WakeOptions) (*RouteResult, error) {
	host, err := r.directory.ByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}
	key := opts.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("wakeup:%s:%d", fqn, r.clock.Now().Unix()/60)
	}
	commandID := uuid.NewString()
	return r.issue(ctx, routeSpec{
		nodeID: host.NodeID,
		fqn:    fqn,
		payload: &protocol.WakePayload{
			CommandID: commandID,
			Mac:       host.Mac,
			Name:      host.Name,
			Port:      host.WolPort,
			IP:        host.IP,
		},
		idempotencyKey: key,
		correlationID:  opts.CorrelationID,
		deferrable:     true,
	})
}

// RouteScanCommand asks a node to scan its network segment. immediate
// scans require a live session; deferred ones queue for reconnect.
func (r *Router) RouteScanCommand(ctx context.Context, nodeID string, immediate bool) (*RouteResult, error) {
	known, err := r.nodes.Exists(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrNodeNotFound
	}
	return r.issue(ctx, routeSpec{
		nodeID:     nodeID,
		payload:    &protocol.ScanPayload{CommandID: uuid.NewString()},
		deferrable: !immediate,
	})
}

// RoutePingHostCommand probes a host and waits for the answer.
func (r *Router) RoutePingHostCommand(ctx context.Context, fqn string) (*RouteResult, error) {
	host, err := r.directory.ByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}
	return r.issue(ctx, routeSpec{
		nodeID:   host.NodeID,
		fqn:      fqn,
		payload:  &protocol.PingHostPayload{CommandID: uuid.NewString(), Name: host.Name, IP: host.IP},
		blocking: true,
	})
}

// RouteScanHostPortsCommand port-scans a host and waits for the answer.
// Successful results refresh the host's port-scan snapshot.
func (r *Router) RouteScanHostPortsCommand(ctx context.Context, fqn string, ports []int) (*RouteResult, error) {
	host, err := r.directory.ByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}
	return r.issue(ctx, routeSpec{
		nodeID: host.NodeID,
		fqn:    fqn,
		payload: &protocol.ScanHostPortsPayload{
			CommandID: uuid.NewString(),
			Name:      host.Name,
			Mac:       host.Mac,
			Ports:     ports,
		},
		blocking: true,
	})
}

// RouteSleepHostCommand puts a host to sleep and waits for the answer.
func (r *Router) RouteSleepHostCommand(ctx context.Context, fqn string) (*RouteResult, error) {
	host, err := r.directory.ByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}
	return r.issue(ctx, routeSpec{
		nodeID:   host.NodeID,
		fqn:      fqn,
		payload:  &protocol.SleepHostPayload{CommandID: uuid.NewString(), Name: host.Name},
		blocking: true,
	})
}

// RouteShutdownHostCommand shuts a host down and waits for the answer.
func (r *Router) RouteShutdownHostCommand(ctx context.Context, fqn string) (*RouteResult, error) {
	host, err := r.directory.ByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}
	return r.issue(ctx, routeSpec{
		nodeID:   host.NodeID,
		fqn:      fqn,
		payload:  &protocol.ShutdownHostPayload{CommandID: uuid.NewString(), Name: host.Name},
		blocking: true,
	})
}

// RouteDeleteHostCommand removes a host from its node's inventory and
// waits for the answer. The aggregator row goes away when the node
// echoes the removal as a host-removed event.
func (r *Router) RouteDeleteHostCommand(ctx context.Context, fqn string) (*RouteResult, error) {
	host, err := r.directory.ByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}
	return r.issue(ctx, routeSpec{
		nodeID:   host.NodeID,
		fqn:      fqn,
		payload:  &protocol.DeleteHostPayload{CommandID: uuid.NewString(), Name: host.Name},
		blocking: true,
	})
}

// RouteUpdateHostCommand edits a host's stored fields on its node and
// waits for the answer.
func (r *Router) RouteUpdateHostCommand(ctx context.Context, fqn string, updates protocol.HostUpdates) (*RouteResult, error) {
	host, err := r.directory.ByFQN(ctx, fqn)
	if err != nil {
		return nil, err
	}
	return r.issue(ctx, routeSpec{
		nodeID:   host.NodeID,
		fqn:      fqn,
		payload:  &protocol.UpdateHostPayload{CommandID: uuid.NewString(), Name: host.Name, Updates: updates},
		blocking: true,
	})
}

func (r *Router) issue(ctx context.Context, spec routeSpec) (*RouteResult, error) {
	msgType := protocol.OutboundType(spec.payload)
	raw, err := json.Marshal(spec.payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}

	cmd, existing, err := r.model.Enqueue(ctx, &Command{
		ID:             commandIDOf(spec.payload),
		NodeID:         spec.nodeID,
		Type:           msgType,
		Payload:        raw,
		IdempotencyKey: spec.idempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	if existing {
		r.log.Debug().Str("command_id", cmd.ID).Str("key", spec.idempotencyKey).
			Str("state", cmd.State).Msg("idempotency key matched, command already known")
		return &RouteResult{CommandID: cmd.ID, State: cmd.State, Existing: true}, nil
	}

	if !r.dispatcher.IsConnected(spec.nodeID) {
		if spec.deferrable {
			r.log.Info().Str("command_id", cmd.ID).Str("node_id", spec.nodeID).
				Str("type", msgType).Msg("node offline, command queued for reconnect")
			return &RouteResult{CommandID: cmd.ID, State: StateQueued}, nil
		}
		if _, err := r.model.MarkFailed(ctx, cmd.ID, "node offline"); err != nil {
			r.log.Error().Err(err).Str("command_id", cmd.ID).Msg("mark offline command failed")
		}
		return nil, ErrNodeOffline
	}

	pc := &pendingCommand{
		commandID:     cmd.ID,
		nodeID:        spec.nodeID,
		hostFQN:       spec.fqn,
		commandType:   msgType,
		correlationID: spec.correlationID,
		done:          make(chan Outcome, 1),
	}
	pc.timer = r.clock.AfterFunc(r.timeout, func() { r.expire(pc.commandID) })
	r.pending.add(pc)

	if applied, err := r.model.MarkSent(ctx, cmd.ID); err != nil || !applied {
		r.pending.pop(pc.commandID)
		pc.timer.Stop()
		if err == nil {
			err = fmt.Errorf("command %s left queued state concurrently", cmd.ID)
		}
		return nil, err
	}

	if err := r.dispatcher.Dispatch(ctx, spec.nodeID, spec.payload); err != nil {
		r.pending.pop(pc.commandID)
		pc.timer.Stop()
		if _, mErr := r.model.MarkFailed(ctx, cmd.ID, err.Error()); mErr != nil {
			r.log.Error().Err(mErr).Str("command_id", cmd.ID).Msg("mark undeliverable command failed")
		}
		return nil, fmt.Errorf("dispatch %s to %s: %w", msgType, spec.nodeID, err)
	}

	r.log.Info().Str("command_id", cmd.ID).Str("node_id", spec.nodeID).Str("type", msgType).
		Str("correlation_id", spec.correlationID).Msg("command dispatched")

	res := &RouteResult{CommandID: cmd.ID, State: StateSent, Done: pc.done}
	if !spec.blocking {
		return res, nil
	}

	select {
	case out := <-pc.done:
		res.Outcome = &out
		switch {
		case out.Err != nil:
			res.State = StateTimedOut
			return res, out.Err
		case out.Success:
			res.State = StateAcknowledged
		default:
			res.State = StateFailed
		}
		return res, nil
	case <-ctx.Done():
		// The pending entry stays; the timer settles the record.
		return res, ctx.Err()
	}
}

// HandleCommandResult correlates a node's answer to its pending command.
// Results for commands no longer pending fall through to a guarded
// storage update so replayed backlog still completes.
func (r *Router) HandleCommandResult(ctx context.Context, nodeID string, res *protocol.CommandResultPayload) {
	pc := r.pending.popMatching(res.CommandID, nodeID)
	if pc == nil {
		r.settleLate(ctx, nodeID, res)
		return
	}
	pc.timer.Stop()

	if res.Success {
		if _, err := r.model.MarkAcknowledged(ctx, pc.commandID); err != nil {
			r.log.Error().Err(err).Str("command_id", pc.commandID).Msg("mark command acknowledged")
		}
		if res.HostPortScan != nil && pc.hostFQN != "" {
			if err := r.directory.SavePortScanSnapshot(ctx, pc.hostFQN, res.HostPortScan.OpenPorts); err != nil {
				r.log.Error().Err(err).Str("fqn", pc.hostFQN).Msg("save port scan snapshot")
			}
		}
	} else {
		if _, err := r.model.MarkFailed(ctx, pc.commandID, failureOf(res)); err != nil {
			r.log.Error().Err(err).Str("command_id", pc.commandID).Msg("mark command failed")
		}
	}

	r.log.Debug().Str("command_id", pc.commandID).Str("node_id", nodeID).
		Bool("success", res.Success).Str("correlation_id", pc.correlationID).Msg("command result")

	pc.resolve(Outcome{Success: res.Success, Message: messageOf(res), Result: res})
}

// settleLate applies a result that arrived without a pending entry:
// flushed backlog answers, and answers that lost the timeout race.
func (r *Router) settleLate(ctx context.Context, nodeID string, res *protocol.CommandResultPayload) {
	cmd, err := r.model.Get(ctx, res.CommandID)
	if errors.Is(err, ErrCommandNotFound) {
		r.log.Warn().Str("command_id", res.CommandID).Str("node_id", nodeID).Msg("result for unknown command dropped")
		return
	}
	if err != nil {
		r.log.Error().Err(err).Str("command_id", res.CommandID).Msg("load command for late result")
		return
	}
	if cmd.NodeID != nodeID {
		r.log.Warn().Str("command_id", res.CommandID).Str("node_id", nodeID).
			Str("owner", cmd.NodeID).Msg("result from wrong node dropped")
		return
	}

	var applied bool
	if res.Success {
		applied, err = r.model.MarkAcknowledged(ctx, cmd.ID)
	} else {
		applied, err = r.model.MarkFailed(ctx, cmd.ID, failureOf(res))
	}
	if err != nil {
		r.log.Error().Err(err).Str("command_id", cmd.ID).Msg("settle late result")
		return
	}
	if !applied {
		r.log.Debug().Str("command_id", cmd.ID).Str("state", cmd.State).Msg("late result ignored, command already terminal")
	}
}

// HandleNodeRegistered flushes the node's queued backlog in enqueue
// order. Runs asynchronously so registration never waits on replay.
func (r *Router) HandleNodeRegistered(nodeID string) {
	go r.flushBacklog(nodeID)
}

func (r *Router) flushBacklog(nodeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cmds, err := r.model.ListQueuedByNode(ctx, nodeID)
	if err != nil {
		r.log.Error().Err(err).Str("node_id", nodeID).Msg("list queued backlog")
		return
	}
	if len(cmds) == 0 {
		return
	}
	r.log.Info().Str("node_id", nodeID).Int("count", len(cmds)).Msg("flushing queued commands")

	for _, cmd := range cmds {
		out, err := protocol.OutboundPayload(cmd.Type, json.RawMessage(cmd.Payload))
		if err != nil {
			r.log.Error().Err(err).Str("command_id", cmd.ID).Msg("stored command payload invalid")
			if _, mErr := r.model.MarkFailed(ctx, cmd.ID, "stored payload invalid: "+err.Error()); mErr != nil {
				r.log.Error().Err(mErr).Str("command_id", cmd.ID).Msg("mark invalid command failed")
			}
			continue
		}
		if err := r.dispatcher.Dispatch(ctx, nodeID, out); err != nil {
			r.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("backlog dispatch failed")
			if _, mErr := r.model.MarkFailed(ctx, cmd.ID, err.Error()); mErr != nil {
				r.log.Error().Err(mErr).Str("command_id", cmd.ID).Msg("mark undeliverable command failed")
			}
			continue
		}
		if _, err := r.model.MarkSent(ctx, cmd.ID); err != nil {
			r.log.Error().Err(err).Str("command_id", cmd.ID).Msg("mark replayed command sent")
		}
	}
}

// expire times out one pending command. Races with result arrival are
// settled by whoever pops the entry.
func (r *Router) expire(commandID string) {
	pc := r.pending.pop(commandID)
	if pc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if _, err := r.model.MarkTimedOut(ctx, pc.commandID, "timed out waiting for node response"); err != nil {
		r.log.Error().Err(err).Str("command_id", pc.commandID).Msg("mark command timed out")
	}
	r.log.Warn().Str("command_id", pc.commandID).Str("node_id", pc.nodeID).
		Str("type", pc.commandType).Msg("command timed out")
	pc.resolve(Outcome{Err: ErrTimeout})
}

// Shutdown stops all pending timers. In-flight records are settled
// later by stale reconciliation.
func (r *Router) Shutdown() {
	for _, pc := range r.pending.drain() {
		pc.timer.Stop()
	}
}

func commandIDOf(out protocol.Outbound) string {
	switch p := out.(type) {
	case *protocol.WakePayload:
		return p.CommandID
	case *protocol.ScanPayload:
		return p.CommandID
	case *protocol.ScanHostPortsPayload:
		return p.CommandID
	case *protocol.UpdateHostPayload:
		return p.CommandID
	case *protocol.DeleteHostPayload:
		return p.CommandID
	case *protocol.PingHostPayload:
		return p.CommandID
	case *protocol.SleepHostPayload:
		return p.CommandID
	case *protocol.ShutdownHostPayload:
		return p.CommandID
	default:
		return uuid.NewString()
	}
}

func messageOf(res *protocol.CommandResultPayload) string {
	if res.Message != "" {
		return res.Message
	}
	return res.Error
}

func failureOf(res *protocol.CommandResultPayload) string {
	if res.Error != "" {
		return res.Error
	}
	if res.Message != "" {
		return res.Message
	}
	return "command failed"
}
