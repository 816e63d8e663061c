// Package syncengine is the single source of truth for whether a message has
// been recorded and what its latest known delivery status is. Both the push
// channel and the poll fallback feed the same Ingest path; idempotence and
// status monotonicity make the two channels converge regardless of arrival
// order or duplication.
package syncengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/identity"
	"github.com/zapdesk/zapdesk/internal/metrics"
	"github.com/zapdesk/zapdesk/internal/noise"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/transport"
	"go.uber.org/zap"
)

// MessagePayload is the wire payload of a message:new event.
type MessagePayload struct {
	ChatHandle string        `json:"chatHandle"`
	Message    store.Message `json:"message"`
}

// StatusPayload is the wire payload of a message:status event.
type StatusPayload struct {
	ChatHandle string `json:"chatHandle"`
	MessageID  string `json:"messageId"`
	Status     string `json:"status"`
}

// Engine merges events from both delivery channels into the store and fans
// accepted facts out to the broadcaster.
type Engine struct {
	mu      sync.Mutex
	db      *store.DB
	filter  *noise.Filter
	bc      *bus.Broadcaster
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, filter *noise.Filter, bc *bus.Broadcaster, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		filter:  filter,
		bc:      bc,
		metrics: m,
		logger:  logger,
	}
}

// Ingest processes one envelope synchronously. It never blocks on transport
// I/O and is safe to call from the push-delivery callback and the poll loop
// concurrently. Dropped noise and stale status updates are not errors.
func (e *Engine) Ingest(tenantID string, env transport.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev := env.Event.(type) {
	case transport.MessageEvent:
		return e.ingestMessage(tenantID, ev, env.Source)
	case transport.StatusEvent:
		return e.ingestStatus(tenantID, ev, env.Source)
	default:
		// Lifecycle events are the session manager's concern.
		return nil
	}
}

func (e *Engine) ingestMessage(tenantID string, ev transport.MessageEvent, source transport.Source) error {
	if e.filter.IsNoise(ev) {
		e.metrics.NoiseDropped()
		e.logger.Debug("noise dropped",
			zap.String("tenant", tenantID),
			zap.String("msg_id", ev.MsgID),
			zap.String("type_tag", ev.TypeTag))
		return nil
	}

	handle := identity.Resolve(ev.Address, tenantID)
	status := ev.Status
	if status == "" {
		if ev.Direction == transport.DirectionOut {
			status = transport.StatusSent
		} else {
			status = transport.StatusDelivered
		}
	}

	cur, seen, err := e.db.GetMessageStatus(tenantID, handle, ev.MsgID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if seen {
		// Redelivery of a known message carries at most a status fact.
		return e.applyStatus(tenantID, handle, ev.MsgID, status, transport.Status(cur), source)
	}

	conv := &store.Conversation{
		TenantID:       tenantID,
		Address:        ev.Address,
		ChatHandle:     handle,
		Name:           ev.ChatName,
		IsGroup:        ev.IsGroup,
		LastActivityAt: ev.Timestamp.UnixMilli(),
	}
	if err := e.db.UpsertConversation(conv); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if ev.Direction == transport.DirectionIn {
		if err := e.db.IncrementUnread(tenantID, ev.Address); err != nil {
			return fmt.Errorf("bump unread: %w", err)
		}
	}

	msg := &store.Message{
		TenantID:   tenantID,
		ChatHandle: handle,
		MsgID:      ev.MsgID,
		Direction:  string(ev.Direction),
		Status:     string(status),
		Body:       ev.Body,
		SenderName: ev.SenderName,
		Timestamp:  ev.Timestamp.UnixMilli(),
	}
	if ev.Media != nil {
		msg.MediaType = ev.Media.Type
		msg.MediaURL = ev.Media.URL
	}
	if err := e.db.InsertMessage(msg); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	e.metrics.EventIngested(string(source), "message")
	e.publish(tenantID, handle, bus.Event{
		Kind:      bus.KindMessageNew,
		Timestamp: time.Now(),
		Payload:   MessagePayload{ChatHandle: handle, Message: *msg},
	})
	return nil
}

func (e *Engine) ingestStatus(tenantID string, ev transport.StatusEvent, source transport.Source) error {
	handle := identity.Resolve(ev.Address, tenantID)
	cur, seen, err := e.db.GetMessageStatus(tenantID, handle, ev.MsgID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if !seen {
		// A status fact for a message this engine never recorded. The poll
		// fallback will deliver the message itself eventually; nothing to
		// update yet.
		e.logger.Debug("status for unknown message",
			zap.String("tenant", tenantID),
			zap.String("msg_id", ev.MsgID),
			zap.String("status", string(ev.Status)))
		return nil
	}
	return e.applyStatus(tenantID, handle, ev.MsgID, ev.Status, transport.Status(cur), source)
}

// applyStatus enforces the monotonic order pending < sent < delivered < read,
// with failed reachable from any non-terminal state. Anything equal or
// earlier than the recorded status is a duplicate fact from the other
// channel and is dropped without flapping subscribers.
func (e *Engine) applyStatus(tenantID, handle, msgID string, next, cur transport.Status, source transport.Source) error {
	if !transport.Supersedes(next, cur) {
		e.metrics.StaleDropped(string(source))
		e.logger.Debug("stale status ignored",
			zap.String("tenant", tenantID),
			zap.String("msg_id", msgID),
			zap.String("current", string(cur)),
			zap.String("incoming", string(next)),
			zap.String("source", string(source)))
		return nil
	}
	if err := e.db.UpdateMessageStatus(tenantID, handle, msgID, string(next)); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	e.metrics.EventIngested(string(source), "status")
	e.publish(tenantID, handle, bus.Event{
		Kind:      bus.KindStatus,
		Timestamp: time.Now(),
		Payload:   StatusPayload{ChatHandle: handle, MessageID: msgID, Status: string(next)},
	})
	return nil
}

// publish fans an accepted fact out to the tenant room and the conversation
// room.
func (e *Engine) publish(tenantID, handle string, evt bus.Event) {
	e.bc.Publish(bus.TenantRoom(tenantID), evt)
	e.bc.Publish(bus.ConversationRoom(tenantID, handle), evt)
}
