package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/state"
	"github.com/zapdesk/zapdesk/internal/transport"
)

// run is the session actor. Everything that mutates the session's state
// machine happens here, on one goroutine, until the context is cancelled or
// the session reaches a terminal state.
func (m *Manager) run(ctx context.Context, s *Session) {
	defer close(s.done)
	defer func() {
		// An exit the actor reached on its own (expiry, start failure)
		// must release the transport; a cancelled context means
		// Disconnect drives the teardown and closes the conn itself.
		if ctx.Err() == nil {
			_ = s.conn.Close()
		}
	}()

	log := m.logger.With(zap.String("tenant", s.TenantID))

	if err := s.machine.Transition(state.Initializing); err != nil {
		log.Error("session start failed", zap.Error(err))
		return
	}

	if s.conn.Authenticated() {
		s.setIdentity(s.conn.AccountID(), s.conn.DisplayName())
		if err := s.machine.Transition(state.Authenticated); err != nil {
			log.Error("session start failed", zap.Error(err))
			return
		}
		m.persist(s)
		if err := s.conn.Connect(); err != nil {
			log.Warn("initial connect failed", zap.Error(err))
			if !m.reconnect(ctx, s, log) {
				if ctx.Err() == nil {
					m.expire(s, "retry-exhausted", log)
				}
				return
			}
		}
	} else {
		if !m.pair(ctx, s, log) {
			return
		}
	}

	m.activeLoop(ctx, s, log)
}

// pair drives the QR handshake. Each expired code counts one attempt; the
// retry cap and the unauthenticated TTL both bound how long an abandoned
// pairing can hold resources. Returns false when the session ended without
// authenticating.
func (m *Manager) pair(ctx context.Context, s *Session, log *zap.Logger) bool {
	ttlCtx, cancel := context.WithTimeout(ctx, m.cfg.UnauthenticatedTTL())
	defer cancel()

	if err := s.machine.Transition(state.AwaitingPairing); err != nil {
		log.Error("pairing start failed", zap.Error(err))
		return false
	}
	m.persist(s)

	for attempt := 0; attempt < m.cfg.PairingRetryCap; attempt++ {
		if attempt > 0 {
			// Fresh handshake for a fresh code.
			if err := s.machine.Transition(state.Initializing); err != nil {
				return false
			}
			if err := s.machine.Transition(state.AwaitingPairing); err != nil {
				return false
			}
		}

		events, err := s.conn.Pair(ttlCtx)
		if err != nil {
			log.Error("pairing handshake failed", zap.Error(err))
			m.expire(s, "auth-failure", log)
			return false
		}

		outcome := m.consumePairing(ttlCtx, s, events, log)
		switch outcome {
		case pairingAuthenticated:
			m.broker.Consume(s.TenantID)
			s.setIdentity(s.conn.AccountID(), s.conn.DisplayName())
			if err := s.machine.Transition(state.Authenticated); err != nil {
				log.Error("pairing transition failed", zap.Error(err))
				return false
			}
			m.persist(s)
			return true
		case pairingExpired:
			log.Info("pairing code expired, retrying", zap.Int("attempt", attempt+1))
			continue
		case pairingFailed:
			m.expire(s, "auth-failure", log)
			return false
		case pairingCancelled:
			if ctx.Err() == nil {
				// The overall TTL elapsed while the owning context is alive.
				m.timeoutPairing(s, log)
			}
			return false
		}
	}

	m.timeoutPairing(s, log)
	return false
}

type pairingOutcome int

const (
	pairingAuthenticated pairingOutcome = iota
	pairingExpired
	pairingFailed
	pairingCancelled
)

func (m *Manager) consumePairing(ctx context.Context, s *Session, events <-chan transport.PairingEvent, log *zap.Logger) pairingOutcome {
	for {
		select {
		case <-ctx.Done():
			return pairingCancelled
		case ev, ok := <-events:
			if !ok {
				return pairingExpired
			}
			switch ev.Kind {
			case transport.PairingCode:
				code := m.broker.Issue(s.TenantID, ev.Code, m.cfg.PairingWindow())
				m.bc.Publish(bus.TenantRoom(s.TenantID), bus.Event{
					Kind:      bus.KindQRIssued,
					Timestamp: time.Now(),
					Payload:   QRPayload{Code: code.Payload},
				})
			case transport.PairingSuccess:
				return pairingAuthenticated
			case transport.PairingTimeout:
				return pairingExpired
			case transport.PairingError:
				log.Warn("pairing error", zap.Error(ev.Err))
				return pairingFailed
			}
		}
	}
}

func (m *Manager) timeoutPairing(s *Session, log *zap.Logger) {
	m.metrics.PairingTimeout()
	m.broker.Drop(s.TenantID)
	m.expire(s, "pairing-timeout", log)
}

// activeLoop consumes transport events and drives catch-up polling until the
// session ends. Both the live event stream and the poll results funnel into
// the same ingest path.
func (m *Manager) activeLoop(ctx context.Context, s *Session, log *zap.Logger) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case env, ok := <-s.conn.Events():
			if !ok {
				return
			}
			switch ev := env.Event.(type) {
			case transport.Ready:
				m.onReady(ctx, s, ev, log)
			case transport.Closed:
				if ev.LoggedOut {
					log.Warn("logged out by network", zap.String("reason", ev.Reason))
					m.expire(s, "logged-out", log)
					return
				}
				log.Warn("transport dropped", zap.String("reason", ev.Reason))
				if !m.reconnect(ctx, s, log) {
					if ctx.Err() == nil {
						m.expire(s, "retry-exhausted", log)
					}
					return
				}
			default:
				if err := m.engine.Ingest(s.TenantID, env); err != nil {
					log.Error("ingest failed", zap.Error(err))
				}
				s.touch()
			}

		case <-ticker.C:
			if s.machine.Current() != state.Active {
				continue
			}
			if err := s.conn.CatchUp(ctx); err != nil {
				log.Debug("catch-up request failed", zap.Error(err))
			}
			if err := m.db.TouchSession(s.TenantID, time.Now().UnixMilli()); err != nil {
				log.Debug("touch session failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) onReady(ctx context.Context, s *Session, ev transport.Ready, log *zap.Logger) {
	s.setIdentity(ev.AccountID, ev.DisplayName)
	s.touch()

	if err := s.machine.Transition(state.Active); err != nil {
		log.Warn("ready in unexpected state", zap.Error(err))
		return
	}
	m.persist(s)

	m.bc.Publish(bus.TenantRoom(s.TenantID), bus.Event{
		Kind:      bus.KindConnected,
		Timestamp: time.Now(),
		Payload: ConnectedPayload{
			AccountID:   ev.AccountID,
			DisplayName: ev.DisplayName,
		},
	})
	log.Info("session active",
		zap.String("account", ev.AccountID))

	// Pick up whatever was missed while disconnected.
	if err := s.conn.CatchUp(ctx); err != nil {
		log.Debug("initial catch-up failed", zap.Error(err))
	}
}

// reconnect re-establishes a dropped transport with bounded exponential
// backoff, reusing the stored credential. Returns false when the retry
// budget is exhausted or the session was cancelled.
func (m *Manager) reconnect(ctx context.Context, s *Session, log *zap.Logger) bool {
	if cur := s.machine.Current(); cur != state.Reconnecting {
		if err := s.machine.Transition(state.Reconnecting); err != nil {
			log.Warn("cannot enter reconnecting", zap.Error(err))
			return false
		}
		m.persist(s)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectInitialBackoff()
	bo.MaxInterval = m.cfg.ReconnectMaxBackoff()
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		m.metrics.ReconnectAttempt()
		log.Info("reconnect attempt", zap.Int("attempt", attempt))
		return s.conn.Connect()
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(m.cfg.ReconnectMaxRetries)))
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Warn("reconnect budget exhausted", zap.Error(err))
		return false
	}
	// The Ready event moves the machine back to Active.
	return true
}

// expire marks the session terminal and publishes session:disconnected
// exactly once. Every terminal path in the actor funnels through here.
func (m *Manager) expire(s *Session, reason string, log *zap.Logger) {
	if !state.Terminal(s.machine.Current()) {
		if err := s.machine.Transition(state.Expired); err != nil {
			log.Warn("expire transition failed", zap.Error(err))
		}
	}
	m.persist(s)
	m.bc.Publish(bus.TenantRoom(s.TenantID), bus.Event{
		Kind:      bus.KindDisconnected,
		Timestamp: time.Now(),
		Payload:   DisconnectedPayload{Reason: reason},
	})
	log.Info("session expired", zap.String("reason", reason))
}
