package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a conversation row. The group key is
// sealed before it touches disk.
func (db *DB) UpsertConversation(c *Conversation) error {
	members, err := json.Marshal(c.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	admins, err := json.Marshal(c.Admins)
	if err != nil {
		return fmt.Errorf("encode admins: %w", err)
	}
	sealedKey, err := db.sealContent(string(c.GroupKey))
	if err != nil {
		return fmt.Errorf("seal group key: %w", err)
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (group_id, routing_id, name, members, admins, group_key, epoch, last_commit_id, last_commit_ts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			name = excluded.name,
			members = excluded.members,
			admins = excluded.admins,
			epoch = excluded.epoch,
			last_commit_id = excluded.last_commit_id,
			last_commit_ts = excluded.last_commit_ts,
			updated_at = excluded.updated_at`,
		c.GroupID, c.RoutingID, c.Name, string(members), string(admins), sealedKey,
		c.Epoch, c.LastCommitID, c.LastCommitTS, c.CreatedAt, now)
	return err
}

const conversationColumns = `group_id, routing_id, name, members, admins, group_key, epoch, last_commit_id, last_commit_ts, created_at`

func (db *DB) scanConversation(scan func(...any) error) (*Conversation, error) {
	var c Conversation
	var members, admins string
	var sealedKey []byte
	err := scan(&c.GroupID, &c.RoutingID, &c.Name, &members, &admins, &sealedKey,
		&c.Epoch, &c.LastCommitID, &c.LastCommitTS, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
		return nil, fmt.Errorf("decode admins: %w", err)
	}
	key, err := db.openContent(sealedKey)
	if err != nil {
		return nil, fmt.Errorf("unseal group key: %w", err)
	}
	c.GroupKey = []byte(key)
	return &c, nil
}

// ListConversations returns every joined conversation, oldest first; the
// caller orders the chat list by last-message recency.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`SELECT ` + conversationColumns + ` FROM conversations ORDER BY created_at ASC, group_id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		c, err := db.scanConversation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConversation returns a conversation by group ID, or nil.
func (db *DB) GetConversation(groupID string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE group_id = ?`, groupID)
	c, err := db.scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversationByRouting returns a conversation by routing ID, or nil.
func (db *DB) GetConversationByRouting(routingID string) (*Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE routing_id = ?`, routingID)
	c, err := db.scanConversation(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
