// Package engine defines the boundary to the multi-party group-encryption
// engine. The core consumes these operations opaquely: key schedule, epochs,
// and ciphertext framing are the engine's business; the core orchestrates.
package engine

import (
	"errors"

	"github.com/suhailsaqan/pika/internal/relay"
)

// ErrWelcomeAlreadyProcessed is returned when an invitation envelope was
// already consumed; redeliveries are expected on a replicated transport.
var ErrWelcomeAlreadyProcessed = errors.New("welcome already processed")

// Rumor is a plaintext application message unit. The stable ID is assigned by
// the caller before encryption — never by the engine or the transport — so
// the Pending→Sent/Failed transition can be reconciled idempotently.
type Rumor struct {
	ID        string
	Sender    string
	Content   string
	Timestamp int64
}

// Message is a decrypted application message retrieved from engine storage.
type Message struct {
	GroupID   string
	ID        string
	Sender    string
	Content   string
	Timestamp int64
}

// KeyPackage is a validated credential package: a bundle allowing its owner
// to be invited into an encrypted group.
type KeyPackage struct {
	EventID   string
	Owner     string
	InitKey   []byte
	Relays    []string
	CreatedAt int64
}

// GroupConfig carries caller-chosen parameters for group creation.
type GroupConfig struct {
	Name   string
	Admins []string
	Relays []string
}

// Group is the engine's view of a joined group.
type Group struct {
	ID        string
	RoutingID string
	Name      string
	Members   []string
	Admins    []string
	Epoch     uint64
	CreatedAt int64
}

// Welcome is a processed invitation artifact: everything a new member needs
// to join a group at its current epoch.
type Welcome struct {
	WrapperID         string
	GroupID           string
	RoutingID         string
	GroupName         string
	GroupKey          []byte
	Members           []string
	Admins            []string
	Epoch             uint64
	Recipient         string
	KeyPackageEventID string
}

// GroupResult is returned by CreateGroup: the new group plus one welcome per
// invited member, to be sealed and published by the caller.
type GroupResult struct {
	Group    Group
	Welcomes []Welcome
}

// ResultKind classifies the outcome of processing one inbound group event.
type ResultKind int

const (
	// ResultApplication: a new application message was decrypted and stored.
	ResultApplication ResultKind = iota
	// ResultCommitApplied: a commit advanced the group's epoch.
	ResultCommitApplied
	// ResultCommitRolledBack: a late-arriving commit won its epoch's race;
	// the group was rolled back and the winner applied. The caller must
	// re-derive any view state for the group.
	ResultCommitRolledBack
	// ResultCommitStale: a commit lost a race already resolved; ignored.
	ResultCommitStale
	// ResultDuplicate: the event was already processed (or is our own
	// outbound echo); nothing changed.
	ResultDuplicate
	// ResultPreviouslyFailed: a redelivery of an event already recorded as
	// failed, with no group context to report. Distinct from a fresh error
	// so redelivery loops stay quiet.
	ResultPreviouslyFailed
	// ResultRetryable: processing needs something that has not arrived yet
	// (unknown group, future epoch); the ledger keeps it reprocessable.
	ResultRetryable
	// ResultUnprocessable: the event cannot be processed and never will be.
	ResultUnprocessable
)

// String returns the kind name for logging.
func (k ResultKind) String() string {
	switch k {
	case ResultApplication:
		return "application"
	case ResultCommitApplied:
		return "commit_applied"
	case ResultCommitRolledBack:
		return "commit_rolled_back"
	case ResultCommitStale:
		return "commit_stale"
	case ResultDuplicate:
		return "duplicate"
	case ResultPreviouslyFailed:
		return "previously_failed"
	case ResultRetryable:
		return "retryable"
	default:
		return "unprocessable"
	}
}

// RollbackInfo describes an epoch rollback performed during processing.
type RollbackInfo struct {
	TargetEpoch uint64
	NewHeadID   string
}

// ProcessResult is the outcome of ProcessMessage.
type ProcessResult struct {
	Kind      ResultKind
	GroupID   string
	RoutingID string
	Message   *Message      // set for ResultApplication
	Rollback  *RollbackInfo // set for ResultCommitRolledBack
	Reason    string        // set for failures and stale commits
}

// Engine is the group-encryption collaborator consumed by the core.
type Engine interface {
	// CreateKeyPackage produces a signed, publishable credential-package
	// event advertising the given relays.
	CreateKeyPackage(relays []string) (relay.Event, error)

	// ValidateKeyPackage parses and validates a peer's credential package.
	ValidateKeyPackage(ev relay.Event) (*KeyPackage, error)

	// CreateGroup creates a group with the local identity plus the owners of
	// the given validated credential packages.
	CreateGroup(cfg GroupConfig, memberKeyPackages []relay.Event) (*GroupResult, error)

	// CreateMessage encrypts a rumor for a group and returns the publishable
	// ciphertext wrapper event. The rumor is stored locally immediately.
	CreateMessage(groupID string, rumor Rumor) (relay.Event, error)

	// ProcessMessage ingests one inbound group event (idempotently) and
	// reports what happened.
	ProcessMessage(ev relay.Event) (*ProcessResult, error)

	// SealWelcome encrypts a welcome for its recipient into a publishable
	// envelope event expiring at the given unix time.
	SealWelcome(w Welcome, expiresAt int64) (relay.Event, error)

	// ProcessWelcome unseals and validates an invitation envelope addressed
	// to the local identity.
	ProcessWelcome(wrapper relay.Event) (*Welcome, error)

	// AcceptWelcome joins the group described by a processed welcome.
	AcceptWelcome(w *Welcome) error

	// Groups lists all joined groups.
	Groups() ([]Group, error)

	// Group returns one group by ID, or nil if unknown.
	Group(groupID string) (*Group, error)

	// Messages retrieves stored messages newest-first by offset; the
	// pagination index above maps anchor-based UI requests onto this.
	Messages(groupID string, offset, limit int) ([]Message, error)
}
