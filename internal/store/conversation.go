package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation. The display name is
// only overwritten by a non-empty incoming name; last activity never moves
// backward.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (tenant_id, address, chat_handle, name, is_group, unread_count, archived, pinned, last_activity_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(tenant_id, address) DO UPDATE SET
			chat_handle = CASE WHEN excluded.chat_handle != '' THEN excluded.chat_handle ELSE conversations.chat_handle END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE conversations.name END,
			is_group = excluded.is_group,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		c.TenantID, c.Address, c.ChatHandle, c.Name, c.IsGroup, c.UnreadCount, c.LastActivityAt, now)
	return err
}

// IncrementUnread bumps the unread counter of a conversation.
func (db *DB) IncrementUnread(tenantID, address string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = unread_count + 1, updated_at = ?
		WHERE tenant_id = ? AND address = ?`, now, tenantID, address)
	return err
}

// GetConversationByHandle returns a conversation by its chat handle, or nil.
func (db *DB) GetConversationByHandle(tenantID, chatHandle string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT tenant_id, address, chat_handle, name, is_group, unread_count, archived, pinned, last_activity_at
		FROM conversations WHERE tenant_id = ? AND chat_handle = ?`, tenantID, chatHandle))
}

// GetConversationByAddress returns a conversation by its network address, or nil.
func (db *DB) GetConversationByAddress(tenantID, address string) (*Conversation, error) {
	return db.scanConversation(db.QueryRow(`
		SELECT tenant_id, address, chat_handle, name, is_group, unread_count, archived, pinned, last_activity_at
		FROM conversations WHERE tenant_id = ? AND address = ?`, tenantID, address))
}

func (db *DB) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.TenantID, &c.Address, &c.ChatHandle, &c.Name, &c.IsGroup,
		&c.UnreadCount, &c.Archived, &c.Pinned, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns a tenant's conversations sorted by last activity
// descending.
func (db *DB) ListConversations(tenantID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT tenant_id, address, chat_handle, name, is_group, unread_count, archived, pinned, last_activity_at
		FROM conversations
		WHERE tenant_id = ?
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.TenantID, &c.Address, &c.ChatHandle, &c.Name, &c.IsGroup,
			&c.UnreadCount, &c.Archived, &c.Pinned, &c.LastActivityAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ConversationsWithoutHandle returns legacy rows that predate handle stamping.
func (db *DB) ConversationsWithoutHandle() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT tenant_id, address, chat_handle, name, is_group, unread_count, archived, pinned, last_activity_at
		FROM conversations WHERE chat_handle = ''`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.TenantID, &c.Address, &c.ChatHandle, &c.Name, &c.IsGroup,
			&c.UnreadCount, &c.Archived, &c.Pinned, &c.LastActivityAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// SetConversationHandle stamps the chat handle on a legacy row.
func (db *DB) SetConversationHandle(tenantID, address, chatHandle string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET chat_handle = ?, updated_at = ?
		WHERE tenant_id = ? AND address = ?`, chatHandle, now, tenantID, address)
	return err
}

// ConversationCount returns the number of conversations for a tenant.
func (db *DB) ConversationCount(tenantID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE tenant_id = ?`, tenantID).Scan(&count)
	return count, err
}
