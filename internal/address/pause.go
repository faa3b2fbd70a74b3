package address

import (
	"sync"
)

// PauseState is the delivery state of an address's queues.
type PauseState int32

const (
	Running PauseState = iota
	Paused
	PausedPersisted
)

func (s PauseState) String() string {
	switch s {
	case Paused:
		return "PAUSED"
	case PausedPersisted:
		return "PAUSED_PERSISTED"
	default:
		return "RUNNING"
	}
}

// PauseOptions configures Pause. The zero value pauses until restart.
type PauseOptions struct {
	// Persist keeps the address paused across broker restarts.
	Persist bool `json:"persist"`
}

// PauseController gates delivery from every queue bound to an address.
// Publishing, paging and routing are not affected. Queues ask IsPaused
// before handing out messages.
type PauseController struct {
	mu    sync.RWMutex
	state PauseState
}

func NewPauseController(initial PauseState) *PauseController {
	return &PauseController{state: initial}
}

// Pause sets PAUSED or PAUSED_PERSISTED and reports the previous state.
func (p *PauseController) Pause(opts PauseOptions) PauseState {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.state
	p.state = Paused
	if opts.Persist {
		p.state = PausedPersisted
	}
	return prev
}

// Resume returns to RUNNING unconditionally and reports the previous state.
func (p *PauseController) Resume() PauseState {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.state
	p.state = Running
	return prev
}

func (p *PauseController) State() PauseState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *PauseController) IsPaused() bool { return p.State() != Running }
