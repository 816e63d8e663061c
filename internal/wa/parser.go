package wa

import (
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/zapdesk/zapdesk/internal/transport"
)

// parseLiveMessage normalizes a live message event.
func parseLiveMessage(evt *events.Message) transport.MessageEvent {
	msg := unwrap(evt.Message)

	direction := transport.DirectionIn
	if evt.Info.IsFromMe {
		direction = transport.DirectionOut
	}

	return transport.MessageEvent{
		Address:    evt.Info.Chat.ToNonAD().String(),
		IsGroup:    evt.Info.Chat.Server == types.GroupServer,
		MsgID:      evt.Info.ID,
		SenderName: evt.Info.PushName,
		Body:       extractTextBody(msg),
		TypeTag:    detectTypeTag(evt.Message),
		Direction:  direction,
		Media:      extractMedia(msg),
		Timestamp:  evt.Info.Timestamp,
	}
}

// parseReceipt expands a receipt into one status event per message id.
// Receipt types outside the delivery progression (retry, sender-side acks)
// are dropped.
func parseReceipt(evt *events.Receipt) []transport.StatusEvent {
	var status transport.Status
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = transport.StatusDelivered
	case types.ReceiptTypeRead, types.ReceiptTypeReadSelf, types.ReceiptTypePlayed:
		status = transport.StatusRead
	default:
		return nil
	}

	address := evt.Chat.ToNonAD().String()
	out := make([]transport.StatusEvent, 0, len(evt.MessageIDs))
	for _, id := range evt.MessageIDs {
		out = append(out, transport.StatusEvent{
			Address:   address,
			MsgID:     id,
			Status:    status,
			Timestamp: evt.Timestamp,
		})
	}
	return out
}

// parseHistorySync flattens a history sync batch into message events.
func parseHistorySync(evt *events.HistorySync) []transport.Event {
	data := evt.Data
	if data == nil {
		return nil
	}

	var out []transport.Event
	for _, conv := range data.GetConversations() {
		address := normalizeAddress(conv.GetID())
		isGroup := strings.HasSuffix(address, "@"+types.GroupServer)
		chatName := conv.GetName()

		for _, hm := range conv.GetMessages() {
			wmsg := hm.GetMessage()
			if wmsg == nil || wmsg.GetMessage() == nil {
				continue
			}
			msg := unwrap(wmsg.GetMessage())
			fromMe := wmsg.GetKey().GetFromMe()

			direction := transport.DirectionIn
			if fromMe {
				direction = transport.DirectionOut
			}

			out = append(out, transport.MessageEvent{
				Address:    address,
				IsGroup:    isGroup,
				MsgID:      wmsg.GetKey().GetID(),
				SenderName: wmsg.GetPushName(),
				ChatName:   chatName,
				Body:       extractTextBody(msg),
				TypeTag:    detectTypeTag(wmsg.GetMessage()),
				Direction:  direction,
				Status:     historyStatus(wmsg.GetStatus(), fromMe),
				Media:      extractMedia(msg),
				Timestamp:  time.Unix(int64(wmsg.GetMessageTimestamp()), 0),
			})
		}
	}
	return out
}

// historyStatus maps the archived web status of an own message onto the
// delivery progression. Inbound messages carry no meaningful status here.
func historyStatus(s waWeb.WebMessageInfo_Status, fromMe bool) transport.Status {
	if !fromMe {
		return ""
	}
	switch s {
	case waWeb.WebMessageInfo_PENDING:
		return transport.StatusPending
	case waWeb.WebMessageInfo_SERVER_ACK:
		return transport.StatusSent
	case waWeb.WebMessageInfo_DELIVERY_ACK:
		return transport.StatusDelivered
	case waWeb.WebMessageInfo_READ, waWeb.WebMessageInfo_PLAYED:
		return transport.StatusRead
	case waWeb.WebMessageInfo_ERROR:
		return transport.StatusFailed
	default:
		return ""
	}
}

// unwrap strips ephemeral and view-once containers so body and media
// extraction see the inner message.
func unwrap(msg *waE2E.Message) *waE2E.Message {
	if msg == nil {
		return nil
	}
	if eph := msg.GetEphemeralMessage(); eph != nil && eph.GetMessage() != nil {
		return eph.GetMessage()
	}
	if vo := msg.GetViewOnceMessage(); vo != nil && vo.GetMessage() != nil {
		return vo.GetMessage()
	}
	if vo := msg.GetViewOnceMessageV2(); vo != nil && vo.GetMessage() != nil {
		return vo.GetMessage()
	}
	return msg
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	if doc := msg.GetDocumentMessage(); doc != nil {
		return doc.GetCaption()
	}
	return ""
}

// detectTypeTag classifies the outer message. View-once and ephemeral tags
// are detected on the wrapper, content types on the unwrapped inner message.
func detectTypeTag(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	if p := msg.GetProtocolMessage(); p != nil {
		if p.GetType() == waE2E.ProtocolMessage_REVOKE {
			return "revoke"
		}
		return "protocol_update"
	}
	if msg.GetReactionMessage() != nil {
		return "reaction"
	}
	if msg.GetViewOnceMessage() != nil || msg.GetViewOnceMessageV2() != nil {
		return "view_once"
	}
	if msg.GetEphemeralMessage() != nil {
		return "ephemeral"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}

func extractMedia(msg *waE2E.Message) *transport.Media {
	if msg == nil {
		return nil
	}
	switch {
	case msg.GetImageMessage() != nil:
		return &transport.Media{Type: "image", URL: msg.GetImageMessage().GetURL()}
	case msg.GetVideoMessage() != nil:
		return &transport.Media{Type: "video", URL: msg.GetVideoMessage().GetURL()}
	case msg.GetAudioMessage() != nil:
		return &transport.Media{Type: "audio", URL: msg.GetAudioMessage().GetURL()}
	case msg.GetDocumentMessage() != nil:
		return &transport.Media{Type: "document", URL: msg.GetDocumentMessage().GetURL()}
	case msg.GetStickerMessage() != nil:
		return &transport.Media{Type: "sticker", URL: msg.GetStickerMessage().GetURL()}
	default:
		return nil
	}
}

// normalizeAddress strips device and agent suffixes from a raw JID string.
// History sync and live traffic otherwise disagree on the address for the
// same chat, which would split one conversation into two.
func normalizeAddress(raw string) string {
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	return jid.ToNonAD().String()
}
