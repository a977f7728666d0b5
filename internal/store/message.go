package store

import (
	"database/sql"
	"time"
)

// SaveMessage stores a decrypted message, idempotent on (group, message id).
// Redelivery of the same event therefore never duplicates a visible message.
func (db *DB) SaveMessage(m *Message) error {
	sealed, err := db.sealContent(m.Content)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		INSERT INTO messages (group_id, msg_id, sender, content, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, msg_id) DO NOTHING`,
		m.GroupID, m.ID, m.Sender, sealed, m.Timestamp, time.Now().UnixMilli())
	return err
}

// messageOrder is the single ordering used everywhere "most recent" is
// computed, so the chat-list preview and the open-conversation view can
// never disagree.
const messageOrder = `ORDER BY timestamp DESC, msg_id DESC`

// ListMessages returns up to limit messages newest-first starting at offset.
// This is the offset-based retrieval primitive behind the pagination index.
func (db *DB) ListMessages(groupID string, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT group_id, msg_id, sender, content, timestamp
		FROM messages
		WHERE group_id = ? `+messageOrder+` LIMIT ? OFFSET ?`,
		groupID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		var m Message
		var sealed []byte
		if err := rows.Scan(&m.GroupID, &m.ID, &m.Sender, &sealed, &m.Timestamp); err != nil {
			return nil, err
		}
		content, err := db.openContent(sealed)
		if err != nil {
			return nil, err
		}
		m.Content = content
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastMessage returns the newest message of a conversation, or nil.
func (db *DB) LastMessage(groupID string) (*Message, error) {
	msgs, err := db.ListMessages(groupID, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

// CountMessages returns the number of stored messages for a conversation.
func (db *DB) CountMessages(groupID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE group_id = ?`, groupID).Scan(&n)
	return n, err
}

// HasMessage reports whether a message with the given stable ID exists.
func (db *DB) HasMessage(groupID, msgID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM messages WHERE group_id = ? AND msg_id = ?`, groupID, msgID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
