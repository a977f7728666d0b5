package store

import (
	"database/sql"
	"time"
)

// MarkEventProcessed records (or transitions) a dedup-ledger row for a
// transport event.
func (db *DB) MarkEventProcessed(eventID, groupID, state, reason string) error {
	_, err := db.Exec(`
		INSERT INTO processed_events (event_id, group_id, state, reason, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			group_id = excluded.group_id,
			state = excluded.state,
			reason = excluded.reason,
			processed_at = excluded.processed_at`,
		eventID, groupID, state, reason, time.Now().UnixMilli())
	return err
}

// FindProcessedEvent returns the ledger row for an event, or nil if the event
// was never seen.
func (db *DB) FindProcessedEvent(eventID string) (*ProcessedEvent, error) {
	var p ProcessedEvent
	err := db.QueryRow(`
		SELECT event_id, group_id, state, reason, processed_at
		FROM processed_events WHERE event_id = ?`, eventID).
		Scan(&p.EventID, &p.GroupID, &p.State, &p.Reason, &p.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InvalidateCommitsAbove flips processed commits past the given epoch's head
// to epoch_invalidated so a redelivery reprocesses them on the new branch.
// Called during rollback; the winning commit's ledger row is rewritten by its
// own processing.
func (db *DB) InvalidateCommitsAbove(groupID, keepEventID string) error {
	_, err := db.Exec(`
		UPDATE processed_events SET state = ?, processed_at = ?
		WHERE group_id = ? AND state = ? AND event_id != ?`,
		EventEpochInvalidated, time.Now().UnixMilli(), groupID, EventProcessedCommit, keepEventID)
	return err
}
