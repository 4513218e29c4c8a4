// Package status tracks the daemon's connection lifecycle toward the server.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/bluebubbles/internal/bus"
)

// State is a daemon runtime state.
type State string

const (
	Booting      State = "BOOTING"
	Unconfigured State = "UNCONFIGURED"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

var validTransitions = map[State][]State{
	Booting:      {Unconfigured, Connecting, Error},
	Unconfigured: {Connecting, Error},
	AuthRequired: {Connecting, Unconfigured, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Degraded, Error},
	Syncing:      {Ready, Reconnecting, Degraded, AuthRequired, Error},
	Ready:        {Syncing, Reconnecting, Degraded, AuthRequired, Error},
	Reconnecting: {Connecting, Degraded, AuthRequired, Error},
	Degraded:     {Connecting, Syncing, Reconnecting, Ready, AuthRequired, Error},
	Error:        {Booting},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// StatusChange is the payload of bus.KindStatusChanged.
type StatusChange struct {
	From   State
	To     State
	Reason string
}

// Snapshot is the current state with its reason and entry time.
type Snapshot struct {
	State  State
	Reason string
	Since  time.Time
}

// Machine tracks and enforces state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	reason  string
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a machine in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, since: time.Now(), bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Snapshot returns the current state, reason and entry time.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.current, Reason: m.reason, Since: m.since}
}

// Transition moves to a new state or fails if the move is not allowed.
func (m *Machine) Transition(to State) error {
	return m.TransitionWithReason(to, "")
}

// TransitionWithReason is Transition with a human readable cause.
func (m *Machine) TransitionWithReason(to State, reason string) error {
	m.mu.Lock()
	if !CanTransition(m.current, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.reason = reason
	m.since = time.Now()
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to, Reason: reason})
	}
	return nil
}

// Ensure moves to the state unless the machine is already there.
func (m *Machine) Ensure(to State, reason string) error {
	if m.Current() == to {
		return nil
	}
	return m.TransitionWithReason(to, reason)
}
