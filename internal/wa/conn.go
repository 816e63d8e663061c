package wa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/zapdesk/zapdesk/internal/transport"
)

// eventBuffer sizes the outgoing envelope channel. History sync batches can
// burst several hundred messages at once.
const eventBuffer = 1024

// catchUpCount is how many recent messages a catch-up request asks for.
const catchUpCount = 50

type conn struct {
	tenantID  string
	client    *whatsmeow.Client
	container *sqlstore.Container
	events    chan transport.Envelope
	done      chan struct{}
	closeOnce sync.Once
	handlerID uint32
	logger    *zap.Logger
}

func (c *conn) Authenticated() bool {
	return c.client.Store.ID != nil
}

// Pair starts the QR pairing handshake. whatsmeow requires the QR channel to
// be obtained before Connect, so Connect is issued here as part of the flow.
func (c *conn) Pair(ctx context.Context) (<-chan transport.PairingEvent, error) {
	if c.Authenticated() {
		return nil, fmt.Errorf("already paired")
	}
	qrChan, err := c.client.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan transport.PairingEvent, 8)

	go func() {
		defer close(out)

		if err := c.client.Connect(); err != nil {
			out <- transport.PairingEvent{Kind: transport.PairingError, Err: err}
			return
		}

		for item := range qrChan {
			switch item.Event {
			case "code":
				out <- transport.PairingEvent{Kind: transport.PairingCode, Code: item.Code}
			case "success":
				out <- transport.PairingEvent{Kind: transport.PairingSuccess}
				return
			case "timeout":
				out <- transport.PairingEvent{Kind: transport.PairingTimeout}
				return
			default:
				if item.Error != nil {
					out <- transport.PairingEvent{Kind: transport.PairingError, Err: item.Error}
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *conn) Connect() error {
	c.logger.Info("connecting to WhatsApp")
	return c.client.Connect()
}

func (c *conn) Disconnect() {
	c.logger.Info("disconnecting from WhatsApp")
	c.client.Disconnect()
}

func (c *conn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func (c *conn) Events() <-chan transport.Envelope {
	return c.events
}

// CatchUp requests an on-demand history sync from the primary device. The
// resulting batch arrives through the regular event handler and is emitted
// on Events tagged as poll traffic.
func (c *conn) CatchUp(ctx context.Context) error {
	own := c.client.Store.ID
	if own == nil {
		return fmt.Errorf("not paired")
	}

	anchor := &types.MessageInfo{
		MessageSource: types.MessageSource{
			Chat:     own.ToNonAD(),
			IsFromMe: true,
		},
		ID:        "",
		Timestamp: time.Now(),
	}
	req := c.client.BuildHistorySyncRequest(anchor, catchUpCount)

	_, err := c.client.SendMessage(ctx, own.ToNonAD(), req, whatsmeow.SendRequestExtra{Peer: true})
	if err != nil {
		return fmt.Errorf("request history sync: %w", err)
	}
	return nil
}

func (c *conn) SendText(ctx context.Context, address, body string) (string, error) {
	to, err := types.ParseJID(address)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	resp, err := c.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

func (c *conn) AccountID() string {
	if c.client.Store.ID == nil {
		return ""
	}
	return c.client.Store.ID.User
}

func (c *conn) DisplayName() string {
	return c.client.Store.PushName
}

// Close tears the connection down. The events channel is left open; readers
// observe the end of the session through their own context, which avoids a
// send-on-closed race with late handler dispatches.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
		close(c.done)
	})
	if c.container != nil {
		return c.container.Close()
	}
	return nil
}

// handle is the whatsmeow event handler. It translates library event types
// into normalized envelopes; everything unrecognized is dropped here so
// nothing downstream ever sees a raw whatsmeow shape.
func (c *conn) handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		c.emit(transport.SourcePush, parseLiveMessage(evt))
	case *events.Receipt:
		for _, ev := range parseReceipt(evt) {
			c.emit(transport.SourcePush, ev)
		}
	case *events.HistorySync:
		for _, ev := range parseHistorySync(evt) {
			c.emit(transport.SourcePoll, ev)
		}
	case *events.Connected:
		c.logger.Info("WhatsApp connected")
		c.emit(transport.SourcePush, transport.Ready{
			AccountID:   c.AccountID(),
			DisplayName: c.DisplayName(),
		})
	case *events.Disconnected:
		c.logger.Warn("WhatsApp disconnected")
		c.emit(transport.SourcePush, transport.Closed{Reason: "disconnected"})
	case *events.StreamReplaced:
		c.logger.Warn("stream replaced by another client")
		c.emit(transport.SourcePush, transport.Closed{Reason: "stream_replaced"})
	case *events.LoggedOut:
		c.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		c.emit(transport.SourcePush, transport.Closed{LoggedOut: true, Reason: evt.Reason.String()})
	case *events.CallOffer:
		c.emit(transport.SourcePush, transport.MessageEvent{
			Address:   evt.From.ToNonAD().String(),
			MsgID:     evt.CallID,
			TypeTag:   "call_log",
			Direction: transport.DirectionIn,
			Timestamp: evt.Timestamp,
		})
	case *events.IdentityChange:
		c.emit(transport.SourcePush, transport.MessageEvent{
			Address:   evt.JID.ToNonAD().String(),
			TypeTag:   "security_change",
			Direction: transport.DirectionIn,
			Timestamp: evt.Timestamp,
		})
	}
}

// emit delivers an envelope without blocking the whatsmeow dispatch
// goroutine. A full consumer loses the event; the warn log is the only
// trace, so the buffer is sized generously.
func (c *conn) emit(src transport.Source, ev transport.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.events <- transport.Envelope{Source: src, Event: ev}:
	default:
		c.logger.Warn("event buffer full, dropping event",
			zap.String("source", string(src)))
	}
}
