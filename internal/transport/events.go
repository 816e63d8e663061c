package transport

import "time"

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders statuses along the monotonic delivery progression.
// Failed is terminal and reachable from any non-terminal state.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Supersedes reports whether moving from cur to next is a forward transition.
// Equal or backward moves are stale; read and failed are terminal.
func Supersedes(next, cur Status) bool {
	if cur == StatusFailed || cur == StatusRead {
		return false
	}
	if next == StatusFailed {
		return true
	}
	nr, ok := statusRank[next]
	if !ok {
		return false
	}
	return nr > statusRank[cur]
}

// Direction distinguishes inbound and outbound messages.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Source identifies which channel delivered an envelope. The push channel
// and the poll fallback both feed the same ingest path; the tag exists for
// logging and metrics, never for separate dedup logic.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Event is the closed set of normalized events a connection can emit.
type Event interface {
	event()
}

// Media describes an attached media payload.
type Media struct {
	Type string // image, video, audio, document, sticker
	URL  string
}

// MessageEvent is a new or historic message observed on the network.
type MessageEvent struct {
	Address    string // raw network address of the conversation
	IsGroup    bool
	MsgID      string
	SenderName string
	ChatName   string
	Body       string
	TypeTag    string // structured message type as reported by the network
	Direction  Direction
	Status     Status
	Media      *Media
	Timestamp  time.Time
}

// StatusEvent is a delivery-status update for a previously seen message.
type StatusEvent struct {
	Address   string
	MsgID     string
	Status    Status
	Timestamp time.Time
}

// Ready signals that the transport is connected and authenticated.
type Ready struct {
	AccountID   string
	DisplayName string
}

// Closed signals that the transport dropped. LoggedOut distinguishes an
// external forced logout (terminal) from a transient network drop.
type Closed struct {
	LoggedOut bool
	Reason    string
}

func (MessageEvent) event() {}
func (StatusEvent) event()  {}
func (Ready) event()        {}
func (Closed) event()       {}

// Envelope wraps an event with the channel that delivered it.
type Envelope struct {
	Source Source
	Event  Event
}
