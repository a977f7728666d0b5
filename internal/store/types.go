package store

// Conversation is one joined encrypted group, keyed by the engine's group
// identifier. RoutingID is the transport filter key derived from it; it
// doubles as the UI-facing chat identifier and is never reassigned.
type Conversation struct {
	GroupID      string
	RoutingID    string
	Name         string
	Members      []string
	Admins       []string
	GroupKey     []byte
	Epoch        uint64
	LastCommitID string
	LastCommitTS int64
	CreatedAt    int64
}

// Message is a decrypted application message at rest. ID is the stable
// message identifier assigned at creation time, before any network round
// trip.
type Message struct {
	GroupID   string
	ID        string
	Sender    string
	Content   string
	Timestamp int64
}

// Processed-event ledger states. A row makes reprocessing of the same
// transport event idempotent.
const (
	EventProcessed        = "processed"
	EventProcessedCommit  = "processed_commit"
	EventCreated          = "created" // our own outbound event; skip on echo
	EventFailed           = "failed"
	EventRetryable        = "retryable"
	EventEpochInvalidated = "epoch_invalidated" // branch discarded by rollback
)

// ProcessedEvent is one dedup-ledger row.
type ProcessedEvent struct {
	EventID     string
	GroupID     string
	State       string
	Reason      string
	ProcessedAt int64
}

// Pending-welcome states.
const (
	WelcomePending  = "pending"
	WelcomeAccepted = "accepted"
	WelcomeFailed   = "failed"
)

// PendingWelcome tracks an invitation envelope through processing.
type PendingWelcome struct {
	WrapperID  string
	GroupID    string
	State      string
	ReceivedAt int64
}

// EpochSnapshot is the group state captured immediately before a commit was
// applied, kept so a late-but-winning competing commit can roll the group
// back to the epoch it forked from.
type EpochSnapshot struct {
	GroupID         string
	Epoch           uint64
	AppliedCommitID string
	AppliedCommitTS int64
	State           []byte
	CreatedAt       int64
}
