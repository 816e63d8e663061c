package outbox

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/identity"
	"github.com/zapdesk/zapdesk/internal/noise"
	"github.com/zapdesk/zapdesk/internal/session"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/syncengine"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    sync.Mutex
	calls []sendCall
	err   error
	delay time.Duration // artificial delay to observe intermediate states
}

type sendCall struct {
	TenantID string
	Address  string
	Body     string
}

func (m *mockSender) SendText(_ context.Context, tenantID, address, body string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, sendCall{TenantID: tenantID, Address: address, Body: body})
	err := m.err
	delay := m.delay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	return "server-" + address, nil
}

func (m *mockSender) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testSender(t *testing.T, db *store.DB, mock *mockSender) (*Sender, *bus.Broadcaster) {
	t.Helper()
	bc := bus.New()
	engine := syncengine.NewEngine(db, noise.NewFilter(noise.Policy{}), bc, nil, nil)
	return NewSender(db, mock, engine, nil), bc
}

const (
	testTenant  = "acme"
	testAddress = "5511888880000@s.whatsapp.net"
)

func TestSenderProcessesQueuedMessages(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{}
	s, bc := testSender(t, db, mock)

	ch, unsub := bc.Subscribe(bus.TenantRoom(testTenant), 16)
	defer unsub()

	if err := db.QueueOutbox(testTenant, "c1", testAddress, "hello"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(time.Second)

	if mock.callCount() != 1 {
		t.Fatalf("got %d send calls, want 1", mock.callCount())
	}
	mock.mu.Lock()
	call := mock.calls[0]
	mock.mu.Unlock()
	if call.TenantID != testTenant || call.Address != testAddress || call.Body != "hello" {
		t.Errorf("call = %+v", call)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 after send", len(pending))
	}

	// Optimistic insert then the sent fact, both via the engine.
	var kinds []string
	for done := false; !done; {
		select {
		case evt := <-ch:
			kinds = append(kinds, evt.Kind)
			if evt.Kind == bus.KindStatus {
				done = true
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for status event, saw %v", kinds)
		}
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{err: fmt.Errorf("network error")}
	s, _ := testSender(t, db, mock)

	if err := db.QueueOutbox(testTenant, "c1", testAddress, "hello"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(time.Second)

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}

	handle := identity.Resolve(testAddress, testTenant)
	status, seen, err := db.GetMessageStatus(testTenant, handle, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("optimistic message missing")
	}
	if status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}

// The message must be visible with status pending before the network ack, and
// flip to sent afterwards.
func TestSenderOptimisticInsert(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{delay: 500 * time.Millisecond}
	s, _ := testSender(t, db, mock)

	if err := db.QueueOutbox(testTenant, "c1", testAddress, "optimistic"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	handle := identity.Resolve(testAddress, testTenant)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, seen, _ := db.GetMessageStatus(testTenant, handle, "c1"); seen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("optimistic insert never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, _, err := db.GetMessageStatus(testTenant, handle, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "pending" {
		t.Errorf("status = %q, want pending while send in flight", status)
	}

	time.Sleep(time.Second)

	status, _, err = db.GetMessageStatus(testTenant, handle, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if status != "sent" {
		t.Errorf("final status = %q, want sent", status)
	}

	msgs, err := db.ListMessages(testTenant, handle, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].Direction != "out" {
		t.Errorf("direction = %q, want out", msgs[0].Direction)
	}
}

func TestSenderRequeuesWhenSessionDown(t *testing.T) {
	db := testDB(t)
	mock := &mockSender{err: session.ErrNotActive}
	s, _ := testSender(t, db, mock)

	if err := db.QueueOutbox(testTenant, "c1", testAddress, "later"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(time.Second)

	// Entry stays queued and is retried on later drains.
	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1 (requeued)", len(pending))
	}
	if mock.callCount() < 1 {
		t.Error("send never attempted")
	}
}
