package store

import (
	"database/sql"
	"time"
)

// SaveEpochSnapshot records the pre-commit state for one (group, epoch).
// At most one snapshot exists per epoch: the incumbent winner's.
func (db *DB) SaveEpochSnapshot(s *EpochSnapshot) error {
	_, err := db.Exec(`
		INSERT INTO epoch_snapshots (group_id, epoch, applied_commit_id, applied_commit_ts, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, epoch) DO UPDATE SET
			applied_commit_id = excluded.applied_commit_id,
			applied_commit_ts = excluded.applied_commit_ts,
			state = excluded.state,
			created_at = excluded.created_at`,
		s.GroupID, s.Epoch, s.AppliedCommitID, s.AppliedCommitTS, s.State, time.Now().UnixMilli())
	return err
}

// GetEpochSnapshot returns the snapshot for (group, epoch), or nil.
func (db *DB) GetEpochSnapshot(groupID string, epoch uint64) (*EpochSnapshot, error) {
	var s EpochSnapshot
	err := db.QueryRow(`
		SELECT group_id, epoch, applied_commit_id, applied_commit_ts, state, created_at
		FROM epoch_snapshots WHERE group_id = ? AND epoch = ?`, groupID, epoch).
		Scan(&s.GroupID, &s.Epoch, &s.AppliedCommitID, &s.AppliedCommitTS, &s.State, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSnapshotsAbove removes snapshots for epochs greater than epoch.
// After a rollback the discarded branch's snapshots are meaningless.
func (db *DB) DeleteSnapshotsAbove(groupID string, epoch uint64) error {
	_, err := db.Exec(`DELETE FROM epoch_snapshots WHERE group_id = ? AND epoch > ?`, groupID, epoch)
	return err
}

// PruneSnapshots keeps only the newest keep snapshots for a group.
func (db *DB) PruneSnapshots(groupID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := db.Exec(`
		DELETE FROM epoch_snapshots
		WHERE group_id = ? AND epoch NOT IN (
			SELECT epoch FROM epoch_snapshots WHERE group_id = ?
			ORDER BY epoch DESC LIMIT ?
		)`, groupID, groupID, keep)
	return err
}
