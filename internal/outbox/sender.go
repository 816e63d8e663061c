// Package outbox drains queued outgoing messages. Sends are recorded
// optimistically through the sync engine so clients see the message
// immediately; the later sent or failed fact travels the same monotonic
// status path as network receipts.
package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/session"
	"github.com/zapdesk/zapdesk/internal/store"
	"github.com/zapdesk/zapdesk/internal/syncengine"
	"github.com/zapdesk/zapdesk/internal/transport"
)

// TextSender sends a text message through a tenant's session.
type TextSender interface {
	SendText(ctx context.Context, tenantID, address, body string) (serverMsgID string, err error)
}

// Sender drains the outbox and sends messages through the session manager.
type Sender struct {
	db     *store.DB
	sender TextSender
	engine *syncengine.Engine
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender TextSender, engine *syncengine.Engine, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:     db,
		sender: sender,
		engine: engine,
		logger: logger,
	}
}

// Start begins polling the outbox for queued messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		// Optimistic record: visible to clients before the network ack.
		now := time.Now()
		s.ingest(entry.TenantID, transport.MessageEvent{
			Address:   entry.Address,
			MsgID:     entry.ClientMsgID,
			Body:      entry.Body,
			TypeTag:   "text",
			Direction: transport.DirectionOut,
			Status:    transport.StatusPending,
			Timestamp: now,
		})

		serverMsgID, err := s.sender.SendText(ctx, entry.TenantID, entry.Address, entry.Body)
		if errors.Is(err, session.ErrNotActive) {
			// The session is down; keep the entry for the next drain.
			if reqErr := s.db.RequeueOutbox(entry.ClientMsgID); reqErr != nil {
				s.logger.Error("failed to requeue", zap.Error(reqErr),
					zap.String("client_msg_id", entry.ClientMsgID))
			}
			continue
		}
		if err != nil {
			s.logger.Error("failed to send message", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID))
			_ = s.db.MarkOutboxFailed(entry.ClientMsgID, err.Error())
			s.ingest(entry.TenantID, transport.StatusEvent{
				Address:   entry.Address,
				MsgID:     entry.ClientMsgID,
				Status:    transport.StatusFailed,
				Timestamp: time.Now(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID))
		}
		s.ingest(entry.TenantID, transport.StatusEvent{
			Address:   entry.Address,
			MsgID:     entry.ClientMsgID,
			Status:    transport.StatusSent,
			Timestamp: time.Now(),
		})
		s.logger.Info("message sent",
			zap.String("tenant", entry.TenantID),
			zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("server_msg_id", serverMsgID))
	}
}

func (s *Sender) ingest(tenantID string, ev transport.Event) {
	err := s.engine.Ingest(tenantID, transport.Envelope{
		Source: transport.SourcePush,
		Event:  ev,
	})
	if err != nil {
		s.logger.Error("outbox ingest failed", zap.Error(err), zap.String("tenant", tenantID))
	}
}
