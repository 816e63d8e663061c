package store

// Session is the persisted descriptor of a tenant's session.
type Session struct {
	TenantID    string `json:"tenantId"`
	SessionID   string `json:"sessionId"`
	State       string `json:"state"`
	AccountID   string `json:"accountId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	LastSeenAt  int64  `json:"lastSeenAt,omitempty"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

// Conversation is a synced conversation. The chat handle is its stable
// identity; the address is the volatile network-native key.
type Conversation struct {
	TenantID       string `json:"tenantId"`
	Address        string `json:"address"`
	ChatHandle     string `json:"chatHandle"`
	Name           string `json:"name"`
	IsGroup        bool   `json:"isGroup"`
	UnreadCount    int    `json:"unreadCount"`
	Archived       bool   `json:"archived"`
	Pinned         bool   `json:"pinned"`
	LastActivityAt int64  `json:"lastActivityAt"`
}

// Message is a synced message.
type Message struct {
	ID         int64  `json:"-"`
	TenantID   string `json:"tenantId"`
	ChatHandle string `json:"chatHandle"`
	MsgID      string `json:"msgId"`
	Direction  string `json:"direction"`
	Status     string `json:"status"`
	Body       string `json:"body"`
	MediaType  string `json:"mediaType,omitempty"`
	MediaURL   string `json:"mediaUrl,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// OutboxEntry is a pending outgoing message.
type OutboxEntry struct {
	ID           int64  `json:"-"`
	TenantID     string `json:"tenantId"`
	ClientMsgID  string `json:"clientMsgId"`
	Address      string `json:"address"`
	Body         string `json:"body"`
	Status       string `json:"status"` // queued, sending, sent, failed
	ErrorMessage string `json:"errorMessage,omitempty"`
	ServerMsgID  string `json:"serverMsgId,omitempty"`
}
