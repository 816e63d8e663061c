package store

import (
	"database/sql"
	"time"
)

// InsertMessage records a message on first observation. The caller is
// responsible for first-sight checks; a conflicting insert is a no-op so the
// two delivery channels can race safely.
func (db *DB) InsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (tenant_id, chat_handle, msg_id, direction, status, body, media_type, media_url, sender_name, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, chat_handle, msg_id) DO NOTHING`,
		m.TenantID, m.ChatHandle, m.MsgID, m.Direction, m.Status, m.Body, m.MediaType, m.MediaURL, m.SenderName, m.Timestamp, now)
	return err
}

// GetMessageStatus returns the recorded delivery status of a message.
// The boolean is false when the message has never been seen.
func (db *DB) GetMessageStatus(tenantID, chatHandle, msgID string) (string, bool, error) {
	var status string
	err := db.QueryRow(`
		SELECT status FROM messages WHERE tenant_id = ? AND chat_handle = ? AND msg_id = ?`,
		tenantID, chatHandle, msgID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// UpdateMessageStatus updates a message's delivery status in place.
func (db *DB) UpdateMessageStatus(tenantID, chatHandle, msgID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ? WHERE tenant_id = ? AND chat_handle = ? AND msg_id = ?`,
		status, tenantID, chatHandle, msgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp.
func (db *DB) ListMessages(tenantID, chatHandle string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, tenant_id, chat_handle, msg_id, direction, status, body, media_type, media_url, sender_name, timestamp
		FROM messages
		WHERE tenant_id = ? AND chat_handle = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, tenantID, chatHandle, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ChatHandle, &m.MsgID, &m.Direction, &m.Status,
			&m.Body, &m.MediaType, &m.MediaURL, &m.SenderName, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the number of messages for a tenant.
func (db *DB) MessageCount(tenantID string) (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE tenant_id = ?`, tenantID).Scan(&count)
	return count, err
}
