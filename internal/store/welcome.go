package store

import (
	"database/sql"
	"time"
)

// SavePendingWelcome records an invitation envelope and its processing state.
func (db *DB) SavePendingWelcome(w *PendingWelcome) error {
	_, err := db.Exec(`
		INSERT INTO pending_welcomes (wrapper_id, group_id, state, received_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(wrapper_id) DO UPDATE SET
			group_id = excluded.group_id,
			state = excluded.state`,
		w.WrapperID, w.GroupID, w.State, time.Now().UnixMilli())
	return err
}

// GetPendingWelcome returns the welcome record for a wrapper event, or nil.
func (db *DB) GetPendingWelcome(wrapperID string) (*PendingWelcome, error) {
	var w PendingWelcome
	err := db.QueryRow(`
		SELECT wrapper_id, group_id, state, received_at
		FROM pending_welcomes WHERE wrapper_id = ?`, wrapperID).
		Scan(&w.WrapperID, &w.GroupID, &w.State, &w.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}
