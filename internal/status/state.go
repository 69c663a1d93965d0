package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/lifetrack/internal/bus"
)

// State is the daemon's sync state, derived from the last cycle.
type State string

const (
	Booting   State = "BOOTING"
	Idle      State = "IDLE"       // last cycle reached the relay without failures
	LocalOnly State = "LOCAL_ONLY" // no reachable endpoint
	Syncing   State = "SYNCING"
	Degraded  State = "DEGRADED" // last cycle had failed sends or pulls
	Error     State = "ERROR"    // last cycle aborted on a store error
)

var validTransitions = map[State][]State{
	Booting:   {Idle, LocalOnly, Syncing, Error},
	Idle:      {Syncing, LocalOnly, Error},
	LocalOnly: {Syncing, Idle, Error},
	Syncing:   {Idle, LocalOnly, Degraded, Error},
	Degraded:  {Syncing, Idle, LocalOnly, Error},
	Error:     {Syncing, Idle, LocalOnly, Booting},
}

// Machine tracks and enforces daemon state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to a new state. Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	m.bus.Publish(bus.NewEvent(bus.KindStatusChanged, StatusChange{From: from, To: to}))
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
