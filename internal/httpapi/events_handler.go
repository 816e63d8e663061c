package httpapi

import (
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/zapdesk/zapdesk/internal/bus"
)

// wsBuffer is the per-subscriber event buffer. A slow websocket loses events
// rather than backpressuring the engine; the REST poll path is the durability
// fallback.
const wsBuffer = 64

type wireEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// handleEvents upgrades to a websocket and streams the tenant room. Clients
// viewing one conversation pass ?conversation=<handle> to also join that
// conversation's room.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := s.tenant(w, r)
	if tenantID == "" {
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server error")

	tenantCh, unsubTenant := s.bc.Subscribe(bus.TenantRoom(tenantID), wsBuffer)
	defer unsubTenant()

	var convCh <-chan bus.Event
	if handle := r.URL.Query().Get("conversation"); handle != "" {
		var unsubConv func()
		convCh, unsubConv = s.bc.Subscribe(bus.ConversationRoom(tenantID, handle), wsBuffer)
		defer unsubConv()
	}

	// CloseRead discards client frames and cancels the context when the peer
	// goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		var evt bus.Event
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt = <-tenantCh:
		case evt = <-convCh:
		}

		err := wsjson.Write(ctx, conn, wireEvent{
			Kind:      evt.Kind,
			Timestamp: evt.Timestamp,
			Payload:   evt.Payload,
		})
		if err != nil {
			return
		}
	}
}
