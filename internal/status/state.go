package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/chirp-im/chirp/internal/bus"
)

// State is the process-wide connection state. It is owned exclusively
// by the connection manager; everything else only observes it via the
// bus or Current().
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	// AuthRequired means the credential collaborator could not produce a
	// usable token. No reconnect attempts are made until the daemon is
	// explicitly restarted after re-login.
	AuthRequired State = "AUTH_REQUIRED"
)

// validTransitions defines allowed state transitions. Disconnected is
// reachable from every state: disconnect() must always work.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, AuthRequired, Disconnected},
	Connected:    {Reconnecting, AuthRequired, Disconnected},
	Reconnecting: {Connecting, AuthRequired, Disconnected},
	AuthRequired: {Connecting, Disconnected},
}

// Change is the payload for connection state events.
type Change struct {
	From State
	To   State
}

// Machine tracks and enforces connection state transitions and
// publishes them on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed; the state is left unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	if m.current == to {
		m.mu.Unlock()
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(bus.KindConnState, Change{From: from, To: to})
		if to == Connected {
			m.bus.Emit(bus.KindConnected, nil)
		}
	}
	return nil
}
