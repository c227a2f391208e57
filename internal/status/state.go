package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lucasmdrs/chirp/internal/bus"
)

// State represents the ingestion pipeline's runtime state.
type State string

const (
	Booting    State = "BOOTING"
	Live       State = "LIVE"        // processing the live stream
	CatchingUp State = "CATCHING_UP" // replaying the server archive
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {Live, CatchingUp, Error},
	Live:       {CatchingUp, Error},
	CatchingUp: {Live, Error},
	Error:      {Booting},
}

// StatusChange is the payload published on a transition.
type StatusChange struct {
	From State
	To   State
}

// Machine tracks and enforces ingestion state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Booting.
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

// Transition attempts to move to a new state. Returns an error when the
// transition is not allowed. Transitioning to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.IngestStatusChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}
