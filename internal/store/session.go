package store

import (
	"database/sql"
	"time"
)

// UpsertSession inserts or updates the persisted session row for a tenant.
func (db *DB) UpsertSession(s *Session) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sessions (tenant_id, session_id, state, account_id, display_name, last_seen_at, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			session_id = excluded.session_id,
			state = excluded.state,
			account_id = CASE WHEN excluded.account_id != '' THEN excluded.account_id ELSE sessions.account_id END,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE sessions.display_name END,
			last_seen_at = excluded.last_seen_at,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		s.TenantID, s.SessionID, s.State, s.AccountID, s.DisplayName, s.LastSeenAt, s.ExpiresAt, now, now)
	return err
}

// GetSession returns the persisted session row for a tenant, or nil.
func (db *DB) GetSession(tenantID string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT tenant_id, session_id, state, account_id, display_name, last_seen_at, expires_at
		FROM sessions WHERE tenant_id = ?`, tenantID).
		Scan(&s.TenantID, &s.SessionID, &s.State, &s.AccountID, &s.DisplayName, &s.LastSeenAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// TouchSession updates the last-seen timestamp for a tenant's session.
func (db *DB) TouchSession(tenantID string, lastSeen int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE sessions SET last_seen_at = ?, updated_at = ? WHERE tenant_id = ?`,
		lastSeen, now, tenantID)
	return err
}
