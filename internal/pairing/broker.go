// Package pairing brokers the one-time codes used to authenticate a new
// session. The session manager issues codes as the network emits them; the
// broker caches each code until consumption or expiry and bridges the
// asynchronous issuance to synchronous polling callers.
package pairing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPairingTimeout is returned when no code is issued within the wait window.
var ErrPairingTimeout = errors.New("pairing: timed out waiting for code")

// Code is a one-time pairing code for a tenant.
type Code struct {
	TenantID  string
	Payload   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the code is still within its validity window.
func (c Code) Valid(now time.Time) bool {
	return c.Payload != "" && now.Before(c.ExpiresAt)
}

// waiter is a shared in-flight wait: all concurrent requesters for the same
// tenant block on one channel instead of triggering duplicate handshakes.
type waiter struct {
	done chan struct{}
	code Code
	err  error
}

// Broker caches and distributes pairing codes per tenant.
type Broker struct {
	mu      sync.Mutex
	codes   map[string]Code
	waiters map[string]*waiter
	now     func() time.Time
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		codes:   make(map[string]Code),
		waiters: make(map[string]*waiter),
		now:     time.Now,
	}
}

// RequestCode returns the cached code for the tenant if one is still valid;
// otherwise it waits for the next issuance. The wait ends with
// ErrPairingTimeout when the timeout elapses, or with ctx.Err on cancellation.
func (b *Broker) RequestCode(ctx context.Context, tenantID string, timeout time.Duration) (Code, error) {
	b.mu.Lock()
	if c, ok := b.codes[tenantID]; ok && c.Valid(b.now()) {
		b.mu.Unlock()
		return c, nil
	}
	w, ok := b.waiters[tenantID]
	if !ok {
		w = &waiter{done: make(chan struct{})}
		b.waiters[tenantID] = w
	}
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return w.code, w.err
	case <-timer.C:
		return Code{}, ErrPairingTimeout
	case <-ctx.Done():
		return Code{}, ctx.Err()
	}
}

// Cached is a non-blocking peek used by polling clients. The second return
// is false when no valid code is cached.
func (b *Broker) Cached(tenantID string) (Code, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.codes[tenantID]
	if !ok || !c.Valid(b.now()) {
		delete(b.codes, tenantID)
		return Code{}, false
	}
	return c, true
}

// Issue records a freshly issued code and releases every waiting caller.
func (b *Broker) Issue(tenantID, payload string, ttl time.Duration) Code {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	c := Code{
		TenantID:  tenantID,
		Payload:   payload,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	b.codes[tenantID] = c
	if w, ok := b.waiters[tenantID]; ok {
		w.code = c
		close(w.done)
		delete(b.waiters, tenantID)
	}
	return c
}

// Consume invalidates the cached code after a successful pairing. The next
// RequestCode waits for a fresh issuance.
func (b *Broker) Consume(tenantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.codes, tenantID)
}

// Drop discards any cached code for a tenant and fails every in-flight wait
// with ErrPairingTimeout, for use when the session is torn down while pairing.
func (b *Broker) Drop(tenantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.codes, tenantID)
	if w, ok := b.waiters[tenantID]; ok {
		w.err = ErrPairingTimeout
		close(w.done)
		delete(b.waiters, tenantID)
	}
}
