package bus

import "time"

// Event kinds published by the engine.
const (
	KindStateChanged = "session:state-changed"
	KindQRIssued     = "session:qr-issued"
	KindConnected    = "session:connected"
	KindDisconnected = "session:disconnected"
	KindMessageNew   = "message:new"
	KindStatus       = "message:status"
)

// Event represents a domain event published to a room.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
