package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/noise"
	"github.com/zapdesk/zapdesk/internal/pairing"
	"github.com/zapdesk/zapdesk/internal/state"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/syncengine"
	"github.com/zapdesk/zapdesk/internal/transport"
)

// fakeConn is an in-memory transport with scripted pairing behavior.
type fakeConn struct {
	mu            sync.Mutex
	authenticated bool
	accountID     string
	displayName   string
	connectErr    error
	connectCalls  int
	pairCalls     int
	pairScript    [][]transport.PairingEvent
	holdPair      bool
	sent          []string
	catchUps      int
	closed        bool

	events chan transport.Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		accountID:   "5511999990000",
		displayName: "Acme Support",
		events:      make(chan transport.Envelope, 64),
	}
}

func (c *fakeConn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *fakeConn) Pair(ctx context.Context) (<-chan transport.PairingEvent, error) {
	c.mu.Lock()
	var script []transport.PairingEvent
	if c.pairCalls < len(c.pairScript) {
		script = c.pairScript[c.pairCalls]
	}
	c.pairCalls++
	c.mu.Unlock()

	out := make(chan transport.PairingEvent, len(script)+1)
	go func() {
		defer close(out)
		for _, ev := range script {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Kind == transport.PairingSuccess {
				c.mu.Lock()
				c.authenticated = true
				c.mu.Unlock()
				c.emitReady()
			}
		}
		c.mu.Lock()
		hold := c.holdPair
		c.mu.Unlock()
		if hold {
			<-ctx.Done()
		}
	}()
	return out, nil
}

func (c *fakeConn) Connect() error {
	c.mu.Lock()
	c.connectCalls++
	err := c.connectErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emitReady()
	return nil
}

func (c *fakeConn) emitReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events <- transport.Envelope{
		Source: transport.SourcePush,
		Event:  transport.Ready{AccountID: c.accountID, DisplayName: c.displayName},
	}
}

func (c *fakeConn) setConnectErr(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

func (c *fakeConn) push(env transport.Envelope) {
	c.events <- env
}

func (c *fakeConn) Disconnect()                    {}
func (c *fakeConn) Logout(ctx context.Context) error { return nil }
func (c *fakeConn) Events() <-chan transport.Envelope { return c.events }

func (c *fakeConn) CatchUp(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catchUps++
	return nil
}

func (c *fakeConn) SendText(ctx context.Context, address, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, address+":"+body)
	return "SRV1", nil
}

func (c *fakeConn) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return ""
	}
	return c.accountID
}

func (c *fakeConn) DisplayName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return ""
	}
	return c.displayName
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conn  *fakeConn
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, tenantID string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.conn, nil
}

func (d *fakeDialer) dialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) swap(conn *fakeConn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
}

// slowDialer parks every Dial until released, to exercise callers that must
// not wait behind an in-flight dial.
type slowDialer struct {
	conn    *fakeConn
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (d *slowDialer) Dial(ctx context.Context, tenantID string) (transport.Conn, error) {
	d.once.Do(func() { close(d.started) })
	select {
	case <-d.release:
		return d.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.PairingWindowSecs = 5
	cfg.Session.PairingRetryCap = 3
	cfg.Session.ReconnectMaxRetries = 2
	cfg.Session.ReconnectInitialBackoffMs = 1
	cfg.Session.ReconnectMaxBackoffMs = 5
	cfg.Session.UnauthenticatedTTLSecs = 5
	cfg.Session.ShutdownGraceSecs = 1
	cfg.Sync.PollIntervalSecs = 1
	return cfg
}

func newTestManager(t *testing.T, conn *fakeConn) (*Manager, *fakeDialer, *bus.Broadcaster, *pairing.Broker) {
	t.Helper()
	dialer := &fakeDialer{conn: conn}
	m, bc, broker := newManagerWith(t, dialer, testConfig())
	return m, dialer, bc, broker
}

func newManagerWith(t *testing.T, dialer transport.Dialer, cfg *config.Config) (*Manager, *bus.Broadcaster, *pairing.Broker) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bc := bus.New()
	broker := pairing.NewBroker()
	engine := syncengine.NewEngine(db, noise.NewFilter(noise.Policy{}), bc, nil, nil)
	m := NewManager(dialer, engine, broker, bc, db, nil, cfg, nil)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, bc, broker
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// collector drains a room subscription into an inspectable slice.
type collector struct {
	mu     sync.Mutex
	events []bus.Event
}

func collect(t *testing.T, bc *bus.Broadcaster, room string) *collector {
	t.Helper()
	ch, unsub := bc.Subscribe(room, 64)
	t.Cleanup(unsub)
	c := &collector{}
	go func() {
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) byKind(kind string) []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []bus.Event
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestConnectPairActivate(t *testing.T) {
	conn := newFakeConn()
	conn.pairScript = [][]transport.PairingEvent{{
		{Kind: transport.PairingCode, Code: "QR-PAYLOAD-1"},
		{Kind: transport.PairingSuccess},
	}}
	m, _, bc, broker := newTestManager(t, conn)
	events := collect(t, bc, bus.TenantRoom("acme"))

	st, err := m.Connect(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if st.Connected {
		t.Error("connected before pairing completed")
	}

	code, err := broker.RequestCode(context.Background(), "acme", 2*time.Second)
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if code.Payload != "QR-PAYLOAD-1" {
		t.Errorf("code = %q", code.Payload)
	}

	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	st = m.Status("acme")
	if !st.Authenticated {
		t.Error("status not authenticated")
	}
	if st.AccountID != "5511999990000" {
		t.Errorf("AccountID = %q", st.AccountID)
	}
	if st.State != string(state.Active) {
		t.Errorf("State = %q", st.State)
	}

	waitFor(t, time.Second, func() bool {
		return len(events.byKind(bus.KindQRIssued)) == 1 && len(events.byKind(bus.KindConnected)) == 1
	}, "qr-issued or connected event missing")
}

func TestConnectIdempotent(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, dialer, _, _ := newTestManager(t, conn)

	st1, err := m.Connect(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	st2, err := m.Connect(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if st1.SessionID != st2.SessionID {
		t.Errorf("second connect created a new session: %s vs %s", st1.SessionID, st2.SessionID)
	}
	if dialer.dialCalls() != 1 {
		t.Errorf("dial calls = %d, want 1", dialer.dialCalls())
	}
}

func TestReconnectExhaustedExpires(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, _, bc, _ := newTestManager(t, conn)
	events := collect(t, bc, bus.TenantRoom("acme"))

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	conn.setConnectErr(errors.New("network down"))
	conn.push(transport.Envelope{Source: transport.SourcePush, Event: transport.Closed{Reason: "socket closed"}})

	waitFor(t, 3*time.Second, func() bool {
		return m.Status("acme").State == string(state.Expired)
	}, "session never expired")

	waitFor(t, time.Second, func() bool {
		return len(events.byKind(bus.KindDisconnected)) == 1
	}, "disconnected event missing")
	disc := events.byKind(bus.KindDisconnected)
	if len(disc) != 1 {
		t.Fatalf("disconnected events = %d, want exactly 1", len(disc))
	}
	if p := disc[0].Payload.(DisconnectedPayload); p.Reason != "retry-exhausted" {
		t.Errorf("reason = %q, want retry-exhausted", p.Reason)
	}

	conn.mu.Lock()
	attempts := conn.connectCalls
	conn.mu.Unlock()
	// 1 initial + up to 3 reconnect tries (2 retries after the first).
	if attempts < 3 {
		t.Errorf("connect calls = %d, want at least 3", attempts)
	}
}

func TestReconnectRecovers(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, _, _, _ := newTestManager(t, conn)

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	// Transient drop; Connect succeeds again on the next attempt.
	conn.push(transport.Envelope{Source: transport.SourcePush, Event: transport.Closed{Reason: "socket closed"}})

	waitFor(t, 3*time.Second, func() bool {
		st := m.Status("acme")
		return st.Connected && st.State == string(state.Active)
	}, "session never recovered")
}

func TestLoggedOutIsTerminal(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, _, bc, _ := newTestManager(t, conn)
	events := collect(t, bc, bus.TenantRoom("acme"))

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	before := conn.connectCalls
	conn.push(transport.Envelope{Source: transport.SourcePush, Event: transport.Closed{LoggedOut: true, Reason: "device removed"}})

	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").State == string(state.Expired)
	}, "session never expired after logout")

	if conn.connectCalls != before {
		t.Error("reconnect attempted after forced logout")
	}
	waitFor(t, time.Second, func() bool {
		return len(events.byKind(bus.KindDisconnected)) == 1
	}, "disconnected event missing")
	if p := events.byKind(bus.KindDisconnected)[0].Payload.(DisconnectedPayload); p.Reason != "logged-out" {
		t.Errorf("reason = %q, want logged-out", p.Reason)
	}
}

func TestPairingRetryCapExpires(t *testing.T) {
	conn := newFakeConn()
	conn.pairScript = [][]transport.PairingEvent{
		{{Kind: transport.PairingTimeout}},
		{{Kind: transport.PairingTimeout}},
		{{Kind: transport.PairingTimeout}},
	}
	m, _, bc, _ := newTestManager(t, conn)
	events := collect(t, bc, bus.TenantRoom("acme"))

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return m.Status("acme").State == string(state.Expired)
	}, "session never expired after pairing retries")

	conn.mu.Lock()
	pairCalls := conn.pairCalls
	conn.mu.Unlock()
	if pairCalls != 3 {
		t.Errorf("pair attempts = %d, want 3", pairCalls)
	}

	waitFor(t, time.Second, func() bool {
		return len(events.byKind(bus.KindDisconnected)) == 1
	}, "disconnected event missing")
	if p := events.byKind(bus.KindDisconnected)[0].Payload.(DisconnectedPayload); p.Reason != "pairing-timeout" {
		t.Errorf("reason = %q, want pairing-timeout", p.Reason)
	}
}

func TestPairingErrorIsTerminal(t *testing.T) {
	conn := newFakeConn()
	conn.pairScript = [][]transport.PairingEvent{{
		{Kind: transport.PairingError, Err: errors.New("banned")},
	}}
	m, _, bc, _ := newTestManager(t, conn)
	events := collect(t, bc, bus.TenantRoom("acme"))

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").State == string(state.Expired)
	}, "session never expired after auth failure")

	conn.mu.Lock()
	pairCalls := conn.pairCalls
	conn.mu.Unlock()
	if pairCalls != 1 {
		t.Errorf("pair attempts = %d, want 1 (no retry on auth failure)", pairCalls)
	}
	waitFor(t, time.Second, func() bool {
		return len(events.byKind(bus.KindDisconnected)) == 1
	}, "disconnected event missing")
	if p := events.byKind(bus.KindDisconnected)[0].Payload.(DisconnectedPayload); p.Reason != "auth-failure" {
		t.Errorf("reason = %q, want auth-failure", p.Reason)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, _, _, _ := newTestManager(t, conn)

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	if err := m.Disconnect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(context.Background(), "acme"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}

	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("connection not closed")
	}
	if st := m.Status("acme"); st.Connected {
		t.Error("still connected after disconnect")
	}
}

func TestDisconnectCancelsPairing(t *testing.T) {
	conn := newFakeConn()
	conn.pairScript = [][]transport.PairingEvent{{
		{Kind: transport.PairingCode, Code: "QR1"},
	}}
	// No terminal event: the handshake hangs until cancelled.
	conn.holdPair = true
	m, _, _, broker := newTestManager(t, conn)

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := broker.Cached("acme")
		return ok
	}, "code never issued")

	start := time.Now()
	if err := m.Disconnect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("disconnect did not cancel pairing promptly")
	}
	if _, ok := broker.Cached("acme"); ok {
		t.Error("pairing code survived disconnect")
	}
}

func TestSendTextRequiresActive(t *testing.T) {
	conn := newFakeConn()
	m, _, _, _ := newTestManager(t, conn)

	if _, err := m.SendText(context.Background(), "acme", "x@s.whatsapp.net", "hi"); !errors.Is(err, ErrNotActive) {
		t.Errorf("err = %v, want ErrNotActive", err)
	}
}

func TestSendTextWhenActive(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, _, _, _ := newTestManager(t, conn)

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	id, err := m.SendText(context.Background(), "acme", "5511888880000@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if id != "SRV1" {
		t.Errorf("server id = %q", id)
	}
}

func TestEventsFlowIntoEngine(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, _, bc, _ := newTestManager(t, conn)
	events := collect(t, bc, bus.TenantRoom("acme"))

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	conn.push(transport.Envelope{
		Source: transport.SourcePush,
		Event: transport.MessageEvent{
			Address:   "5511888880000@s.whatsapp.net",
			MsgID:     "M1",
			Body:      "preciso de ajuda com meu pedido",
			TypeTag:   "text",
			Direction: transport.DirectionIn,
			Timestamp: time.Now(),
		},
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(events.byKind(bus.KindMessageNew)) == 1
	}, "message never reached the engine")
}

func TestDialDoesNotBlockOtherTenants(t *testing.T) {
	d := &slowDialer{
		conn:    newFakeConn(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m, _, _ := newManagerWith(t, d, testConfig())

	go func() { _, _ = m.Connect(context.Background(), "slow") }()
	<-d.started

	got := make(chan Status, 1)
	go func() { got <- m.Status("other") }()
	select {
	case st := <-got:
		if st.State != string(state.Idle) {
			t.Errorf("State = %q, want IDLE", st.State)
		}
	case <-time.After(time.Second):
		t.Fatal("status query blocked behind another tenant's dial")
	}
	close(d.release)
}

func TestExpiredSessionReleasesTransport(t *testing.T) {
	conn := newFakeConn()
	conn.authenticated = true
	m, dialer, _, _ := newTestManager(t, conn)

	st1, err := m.Connect(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "session never became active")

	conn.setConnectErr(errors.New("network down"))
	conn.push(transport.Envelope{Source: transport.SourcePush, Event: transport.Closed{Reason: "socket closed"}})

	waitFor(t, 3*time.Second, func() bool {
		return m.Status("acme").State == string(state.Expired)
	}, "session never expired")
	waitFor(t, time.Second, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, "expired session left the transport open")

	// A fresh connect replaces the dead session with a new dial.
	conn2 := newFakeConn()
	conn2.authenticated = true
	dialer.swap(conn2)

	st2, err := m.Connect(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if st2.SessionID == st1.SessionID {
		t.Error("expired session was not replaced")
	}
	waitFor(t, 2*time.Second, func() bool {
		return m.Status("acme").Connected
	}, "replacement session never became active")
	if dialer.dialCalls() != 2 {
		t.Errorf("dial calls = %d, want 2", dialer.dialCalls())
	}
}

func TestUnauthenticatedTTLExpires(t *testing.T) {
	conn := newFakeConn()
	conn.pairScript = [][]transport.PairingEvent{{
		{Kind: transport.PairingCode, Code: "QR1"},
	}}
	// No terminal event: the handshake hangs until the TTL elapses.
	conn.holdPair = true

	cfg := testConfig()
	cfg.Session.UnauthenticatedTTLSecs = 1
	dialer := &fakeDialer{conn: conn}
	m, bc, _ := newManagerWith(t, dialer, cfg)
	events := collect(t, bc, bus.TenantRoom("acme"))

	if _, err := m.Connect(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return m.Status("acme").State == string(state.Expired)
	}, "session never expired after the unauthenticated TTL")

	conn.mu.Lock()
	pairCalls := conn.pairCalls
	conn.mu.Unlock()
	if pairCalls != 1 {
		t.Errorf("pair attempts = %d, want 1 (TTL elapsed, not the retry cap)", pairCalls)
	}

	waitFor(t, time.Second, func() bool {
		return len(events.byKind(bus.KindDisconnected)) == 1
	}, "disconnected event missing")
	if p := events.byKind(bus.KindDisconnected)[0].Payload.(DisconnectedPayload); p.Reason != "pairing-timeout" {
		t.Errorf("reason = %q, want pairing-timeout", p.Reason)
	}
}

func TestStatusSnapshotForUnknownTenant(t *testing.T) {
	conn := newFakeConn()
	m, _, _, _ := newTestManager(t, conn)

	st := m.Status("nobody")
	if st.Connected || st.Authenticated {
		t.Errorf("unknown tenant snapshot = %+v", st)
	}
	if st.State != string(state.Idle) {
		t.Errorf("State = %q, want IDLE", st.State)
	}
}
