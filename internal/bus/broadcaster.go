package bus

import (
	"sync"
)

// TenantRoom returns the room all dashboard clients of a tenant join.
func TenantRoom(tenantID string) string {
	return "tenant/" + tenantID
}

// ConversationRoom returns the room clients join while a conversation is open.
func ConversationRoom(tenantID, chatHandle string) string {
	return "conv/" + tenantID + "/" + chatHandle
}

// Broadcaster is an in-process publish/subscribe fan-out with room addressing.
// Delivery is fire-and-forget: at most once per connected subscriber, dropped
// when a subscriber's buffer is full. Disconnected subscribers catch up via
// the REST poll path instead.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[string]map[int]chan Event
	next  int
}

// New creates a new broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		rooms: make(map[string]map[int]chan Event),
	}
}

// Publish sends an event to all subscribers of the given room.
func (b *Broadcaster) Publish(room string, evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.rooms[room] {
		select {
		case ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe joins a room and returns a channel that receives its events.
// bufSize controls the channel buffer. The returned unsubscribe function is
// idempotent.
func (b *Broadcaster) Subscribe(room string, bufSize int) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	id := b.next
	b.next++
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[int]chan Event)
	}
	b.rooms[room][id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs, ok := b.rooms[room]
		if !ok {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.rooms, room)
		}
	}
}

// SubscriberCount returns how many subscribers a room currently has.
func (b *Broadcaster) SubscriberCount(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}
