// Package session owns the per-tenant connection lifecycle. Each live
// session runs as its own goroutine; the registry map is the only shared
// structure, and a session's state is mutated only from its own goroutine.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/metrics"
	"github.com/zapdesk/zapdesk/internal/pairing"
	"github.com/zapdesk/zapdesk/internal/state"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/syncengine"
	"github.com/zapdesk/zapdesk/internal/transport"
)

// ErrNotActive is returned by operations that require a connected transport.
var ErrNotActive = errors.New("session: not active")

// ErrAuthFailure marks a terminal authentication failure. It is never
// retried.
var ErrAuthFailure = errors.New("session: authentication failed")

// Status is a point-in-time snapshot of a tenant's session. Reading it never
// touches the transport.
type Status struct {
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	State         string `json:"state"`
	SessionID     string `json:"sessionId,omitempty"`
	AccountID     string `json:"accountId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	LastSeen      int64  `json:"lastSeen,omitempty"`
}

// QRPayload is the wire payload of a session:qr-issued event.
type QRPayload struct {
	Code string `json:"code"`
}

// ConnectedPayload is the wire payload of a session:connected event.
type ConnectedPayload struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
}

// DisconnectedPayload is the wire payload of a session:disconnected event.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}

// Session is the runtime handle of one tenant's connection.
type Session struct {
	TenantID  string
	SessionID string

	machine *state.Machine
	conn    transport.Conn
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.RWMutex
	accountID   string
	displayName string
	lastSeen    int64
}

func (s *Session) snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.machine.Current()
	return Status{
		Connected:     st == state.Active,
		Authenticated: s.accountID != "",
		State:         string(st),
		SessionID:     s.SessionID,
		AccountID:     s.accountID,
		DisplayName:   s.displayName,
		LastSeen:      s.lastSeen,
	}
}

func (s *Session) setIdentity(accountID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if accountID != "" {
		s.accountID = accountID
	}
	if displayName != "" {
		s.displayName = displayName
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now().UnixMilli()
	s.mu.Unlock()
}

// setConn publishes the dialed transport. Until it runs, the session is a
// registry placeholder with a nil conn.
func (s *Session) setConn(c transport.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *Session) getConn() transport.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Manager supervises all tenant sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	dialer  transport.Dialer
	engine  *syncengine.Engine
	broker  *pairing.Broker
	bc      *bus.Broadcaster
	db      *store.DB
	metrics *metrics.Metrics
	cfg     config.Session
	poll    time.Duration
	logger  *zap.Logger
}

// NewManager creates a session manager.
func NewManager(dialer transport.Dialer, engine *syncengine.Engine, broker *pairing.Broker,
	bc *bus.Broadcaster, db *store.DB, m *metrics.Metrics, cfg *config.Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		dialer:   dialer,
		engine:   engine,
		broker:   broker,
		bc:       bc,
		db:       db,
		metrics:  m,
		cfg:      cfg.Session,
		poll:     cfg.Sync.PollInterval(),
		logger:   logger,
	}
}

// Connect starts a session for the tenant, or returns the existing one's
// snapshot if a live session already exists. Idempotent. A placeholder entry
// is registered before dialing so the registry lock is never held across
// transport I/O.
func (m *Manager) Connect(ctx context.Context, tenantID string) (Status, error) {
	m.mu.Lock()
	if s, ok := m.sessions[tenantID]; ok && !state.Terminal(s.machine.Current()) {
		m.mu.Unlock()
		return s.snapshot(), nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		TenantID:  tenantID,
		SessionID: uuid.NewString(),
		machine:   state.NewMachine(tenantID, m.bc),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.sessions[tenantID] = s
	m.mu.Unlock()

	// The dial performs device store I/O; holding the registry lock here
	// would stall every other tenant's requests behind it.
	conn, err := m.dialer.Dial(ctx, tenantID)
	if err != nil {
		m.mu.Lock()
		if m.sessions[tenantID] == s {
			delete(m.sessions, tenantID)
		}
		m.mu.Unlock()
		cancel()
		close(s.done)
		return Status{}, err
	}
	s.setConn(conn)

	if runCtx.Err() != nil {
		// Disconnected while the dial was in flight.
		_ = conn.Close()
		close(s.done)
		return s.snapshot(), nil
	}

	m.metrics.SessionStarted()
	go m.run(runCtx, s)

	return s.snapshot(), nil
}

// Disconnect terminates the tenant's session. Idempotent; a missing session
// is not an error. The teardown is cooperative up to the shutdown grace,
// after which the connection is closed forcibly.
func (m *Manager) Disconnect(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	if ok {
		delete(m.sessions, tenantID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.broker.Drop(tenantID)
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(m.cfg.ShutdownGrace()):
		m.logger.Warn("session teardown exceeded grace, closing forcibly",
			zap.String("tenant", tenantID))
	case <-ctx.Done():
	}
	if c := s.getConn(); c != nil {
		_ = c.Close()
	}

	if s.machine.Current() != state.Terminated {
		_ = s.machine.Transition(state.Terminated)
	}
	m.persist(s)
	m.metrics.SessionEnded()
	return nil
}

// Status returns the tenant's session snapshot. A tenant with no session
// reports a disconnected, idle snapshot rather than an error.
func (m *Manager) Status(tenantID string) Status {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if !ok {
		return Status{State: string(state.Idle)}
	}
	return s.snapshot()
}

// SendText sends a text message through the tenant's active session and
// returns the network message id.
func (m *Manager) SendText(ctx context.Context, tenantID, address, body string) (string, error) {
	m.mu.Lock()
	s, ok := m.sessions[tenantID]
	m.mu.Unlock()
	if !ok || s.machine.Current() != state.Active {
		return "", ErrNotActive
	}
	return s.getConn().SendText(ctx, address, body)
}

// Shutdown disconnects every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	tenants := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		tenants = append(tenants, id)
	}
	m.mu.Unlock()

	for _, id := range tenants {
		if err := m.Disconnect(ctx, id); err != nil {
			m.logger.Warn("shutdown disconnect failed",
				zap.String("tenant", id), zap.Error(err))
		}
	}
}

func (m *Manager) persist(s *Session) {
	snap := s.snapshot()
	err := m.db.UpsertSession(&store.Session{
		TenantID:    s.TenantID,
		SessionID:   s.SessionID,
		State:       snap.State,
		AccountID:   snap.AccountID,
		DisplayName: snap.DisplayName,
		LastSeenAt:  snap.LastSeen,
	})
	if err != nil {
		m.logger.Warn("persist session failed",
			zap.String("tenant", s.TenantID), zap.Error(err))
	}
}
