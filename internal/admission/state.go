package admission

import (
	"fmt"
	"sync"
)

// State is the admission state of one connection.
type State int

const (
	StateConnecting State = iota
	StateVerifying
	StateAdmitted
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateVerifying:
		return "verifying"
	case StateAdmitted:
		return "admitted"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateAdmitted || s == StateRejected
}

var transitions = map[State][]State{
	StateConnecting: {StateVerifying, StateRejected},
	StateVerifying:  {StateAdmitted, StateRejected},
}

// attempt tracks one connection through admission. There is no way back from
// a terminal state: a rejected peer must reconnect.
type attempt struct {
	connID string

	mu    sync.Mutex
	state State
}

func newAttempt(connID string) *attempt {
	return &attempt{connID: connID, state: StateConnecting}
}

func (a *attempt) to(next State) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, allowed := range transitions[a.state] {
		if allowed == next {
			a.state = next
			return nil
		}
	}
	return fmt.Errorf("connection %s: invalid admission transition %s -> %s", a.connID, a.state, next)
}

func (a *attempt) current() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
