package commands

import (
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/wakefleet/wakefleet/internal/protocol"
)

// Outcome is the resolution of an issued command: the node's answer, or
// the error that ended the wait.
type Outcome struct {
	Success bool
	Message string
	Err     error
	Result  *protocol.CommandResultPayload
}

// pendingCommand tracks one dispatched command awaiting its result.
type pendingCommand struct {
	commandID     string
	nodeID        string
	hostFQN       string
	commandType   string
	correlationID string
	timer         clockwork.Timer
	done          chan Outcome
}

func (pc *pendingCommand) resolve(out Outcome) {
	// done is buffered and written exactly once, by whoever popped the
	// entry.
	pc.done <- out
}

// pendingSet is the in-flight registry. Whoever pops an entry settles
// the command; the loser of a timer-vs-result race pops nothing and
// backs off.
type pendingSet struct {
	mu   sync.Mutex
	byID map[string]*pendingCommand
}

func newPendingSet() *pendingSet {
	return &pendingSet{byID: make(map[string]*pendingCommand)}
}

func (p *pendingSet) add(pc *pendingCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[pc.commandID] = pc
}

func (p *pendingSet) pop(commandID string) *pendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc := p.byID[commandID]
	if pc != nil {
		delete(p.byID, commandID)
	}
	return pc
}

// popMatching pops the entry only when it belongs to nodeID. A result
// claimed by the wrong node leaves the entry (and its timer) in place.
func (p *pendingSet) popMatching(commandID, nodeID string) *pendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc := p.byID[commandID]
	if pc == nil || pc.nodeID != nodeID {
		return nil
	}
	delete(p.byID, commandID)
	return pc
}

func (p *pendingSet) drain() []*pendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*pendingCommand, 0, len(p.byID))
	for id, pc := range p.byID {
		out = append(out, pc)
		delete(p.byID, id)
	}
	return out
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}
