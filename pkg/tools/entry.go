package tools

import (
	"os/exec"
	"sync"

	"github.com/kadirpekel/nestor/pkg/protocol"
)

// ServerEntry is the registry's live record for one tool server: the
// durable ToolServer fields plus runtime-only state (process handle,
// transport, in-flight limiter).
type ServerEntry struct {
	mu sync.RWMutex

	record protocol.ToolServer

	transport transport
	inflight  chan struct{}

	cmd       *exec.Cmd
	procDone  chan struct{}
	stopProbe func()

	restartCount int
	managed      bool // launched by us (vs. externally running endpoint)
}

func newServerEntry(record protocol.ToolServer, maxInFlight int) *ServerEntry {
	return &ServerEntry{
		record:   record,
		inflight: make(chan struct{}, maxInFlight),
	}
}

// Record returns a copy of the durable server record.
func (e *ServerEntry) Record() protocol.ToolServer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record
}

// State returns the current lifecycle state.
func (e *ServerEntry) State() protocol.ServerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record.State
}

func (e *ServerEntry) setState(state protocol.ServerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record.State = state
}

// capability returns the declared capability for an action.
func (e *ServerEntry) capability(action string) (*protocol.Capability, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.record.Capabilities {
		if e.record.Capabilities[i].Action == action {
			cap := e.record.Capabilities[i]
			return &cap, true
		}
	}
	return nil, false
}
