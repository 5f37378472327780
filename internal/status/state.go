package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/sms/internal/bus"
)

// State represents a daemon runtime state.
type State string

const (
	Booting     State = "BOOTING"
	Reconciling State = "RECONCILING"
	Ready       State = "READY"
	Degraded    State = "DEGRADED"
	Error       State = "ERROR"
)

// validTransitions defines allowed daemon state transitions. DEGRADED means
// the last reconciliation could not read the external store and the cached
// list is being served.
var validTransitions = map[State][]State{
	Booting:     {Reconciling, Error},
	Reconciling: {Ready, Degraded, Error},
	Ready:       {Reconciling, Degraded, Error},
	Degraded:    {Reconciling, Ready, Error},
	Error:       {Booting},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// Settle records the outcome of a reconciliation pass: READY when it read the
// external store, DEGRADED when it served the cache. A machine not currently
// RECONCILING passes through it first.
func (m *Machine) Settle(healthy bool) error {
	to := Ready
	if !healthy {
		to = Degraded
	}
	if cur := m.Current(); cur == to {
		return nil
	} else if cur != Reconciling {
		if err := m.Transition(Reconciling); err != nil {
			return err
		}
	}
	return m.Transition(to)
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
