package store

import (
	"database/sql"
	"fmt"
	"time"
)

const conversationColumns = `id, account, jid, kind, name, nickname, participant_id,
	muted, unread_count, last_activity_ts, last_activity_preview, last_activity_sender`

// UpsertConversation inserts or updates a conversation record, keyed by
// (account, jid). The id is filled in on the passed struct.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (account, jid, kind, name, nickname, participant_id,
			muted, unread_count, last_activity_ts, last_activity_preview, last_activity_sender, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account, jid) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			nickname = excluded.nickname,
			participant_id = excluded.participant_id,
			muted = excluded.muted`,
		c.Account, c.JID, c.Kind, c.Name, c.Nickname, c.ParticipantID,
		c.Muted, c.UnreadCount, c.LastActivityTS, c.LastActivityPreview, c.LastActivitySender, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return db.QueryRow(`SELECT id FROM conversations WHERE account = ? AND jid = ?`,
		c.Account, c.JID).Scan(&c.ID)
}

// GetConversation returns a conversation by key, or nil when unknown.
func (db *DB) GetConversation(account, jid string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE account = ? AND jid = ?`,
		account, jid)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ListConversations returns all conversations ordered by last activity,
// newest first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY last_activity_ts DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// UpdateConversationActivity persists the last-activity projection and the
// unread counter for a conversation.
func (db *DB) UpdateConversationActivity(account, jid string, ts int64, preview, sender string, unreadCount int) error {
	_, err := db.Exec(`
		UPDATE conversations
		SET last_activity_ts = ?, last_activity_preview = ?, last_activity_sender = ?, unread_count = ?
		WHERE account = ? AND jid = ?`,
		ts, preview, sender, unreadCount, account, jid)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return nil
}

// SetConversationUnread persists just the unread counter.
func (db *DB) SetConversationUnread(account, jid string, unreadCount int) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = ? WHERE account = ? AND jid = ?`,
		unreadCount, account, jid)
	if err != nil {
		return fmt.Errorf("set unread: %w", err)
	}
	return nil
}

// DeleteConversation removes a conversation row. The timeline is removed
// separately via RemoveHistory.
func (db *DB) DeleteConversation(account, jid string) error {
	_, err := db.Exec(`DELETE FROM conversations WHERE account = ? AND jid = ?`, account, jid)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// LastActivity recomputes the last-activity projection from the most recent
// qualifying entry of a conversation. Link previews never qualify. Returns
// nil when the timeline is empty.
func (db *DB) LastActivity(account, jid string) (*Entry, error) {
	row := db.QueryRow(`
		SELECT `+entryColumns+`
		FROM entries
		WHERE account = ? AND jid = ? AND master_id IS NULL AND item_type != ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, account, jid, ItemLinkPreview)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

func scanConversation(r rowScanner) (*Conversation, error) {
	var c Conversation
	err := r.Scan(&c.ID, &c.Account, &c.JID, &c.Kind, &c.Name, &c.Nickname, &c.ParticipantID,
		&c.Muted, &c.UnreadCount, &c.LastActivityTS, &c.LastActivityPreview, &c.LastActivitySender)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
