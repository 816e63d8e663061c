package state

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
)

// State represents a session lifecycle state.
type State string

const (
	Idle            State = "IDLE"
	Initializing    State = "INITIALIZING"
	AwaitingPairing State = "AWAITING_PAIRING"
	Authenticated   State = "AUTHENTICATED"
	Active          State = "ACTIVE"
	Reconnecting    State = "RECONNECTING"
	Expired         State = "EXPIRED"
	Terminated      State = "TERMINATED"
)

// validTransitions defines allowed state transitions. Terminated is reachable
// from every state via an explicit disconnect.
var validTransitions = map[State][]State{
	Idle:            {Initializing, Terminated},
	Initializing:    {AwaitingPairing, Authenticated, Expired, Terminated},
	AwaitingPairing: {Authenticated, Initializing, Expired, Terminated},
	Authenticated:   {Active, Reconnecting, Expired, Terminated},
	Active:          {Reconnecting, Expired, Terminated},
	Reconnecting:    {Active, Expired, Terminated},
	Expired:         {Terminated},
	Terminated:      {},
}

// Terminal reports whether s admits no further activity.
func Terminal(s State) bool {
	return s == Expired || s == Terminated
}

// Machine tracks and enforces one session's lifecycle transitions and
// publishes each change to the owning tenant's room.
type Machine struct {
	mu       sync.RWMutex
	current  State
	tenantID string
	bc       *bus.Broadcaster
}

// NewMachine creates a machine starting in Idle for the given tenant.
func NewMachine(tenantID string, bc *bus.Broadcaster) *Machine {
	return &Machine{
		current:  Idle,
		tenantID: tenantID,
		bc:       bc,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed from the current state.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bc != nil {
		m.bc.Publish(bus.TenantRoom(m.tenantID), bus.Event{
			Kind:      bus.KindStateChanged,
			Timestamp: time.Now(),
			Payload: Change{
				TenantID: m.tenantID,
				From:     from,
				To:       to,
			},
		})
	}
	return nil
}

// Change is the payload for state change events.
type Change struct {
	TenantID string
	From     State
	To       State
}
