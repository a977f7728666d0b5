package core

import "github.com/suhailsaqan/pika/internal/relay"

// Update is one state change notification. Rev values are assigned by the
// actor and increase by exactly one per update, with no gaps, so a consumer
// holding Snapshot() state at rev N applies updates N+1, N+2, … and stays
// exact.
type Update interface {
	isUpdate()
	Rev() uint64
}

type rev uint64

func (r rev) Rev() uint64 { return uint64(r) }

// FullState carries the complete state; emitted when incremental updates
// would be misleading (login, logout, rollback re-derivation).
type FullState struct {
	rev
	State AppState
}

// AuthChanged reports a session lifecycle transition.
type AuthChanged struct {
	rev
	Auth     AuthStatus
	Identity string
}

// RouterChanged carries the full replacement navigation stack.
type RouterChanged struct {
	rev
	Stack []Screen
}

// ChatListChanged carries the full replacement chat list.
type ChatListChanged struct {
	rev
	Chats []ChatSummary
}

// CurrentChatChanged carries the full replacement open-chat view; nil when
// no chat is open.
type CurrentChatChanged struct {
	rev
	Chat *ChatViewState
}

// AccountCreated fires once after a fresh identity is generated, carrying
// the secret so the consumer can show a backup prompt. Never re-emitted on
// login or restore.
type AccountCreated struct {
	rev
	Identity  string
	SecretHex string
}

// BusyChanged reports busy-flag transitions.
type BusyChanged struct {
	rev
	Busy BusyState
}

// ToastChanged carries the current toast; nil clears it.
type ToastChanged struct {
	rev
	Toast *Toast
}

func (FullState) isUpdate()          {}
func (AuthChanged) isUpdate()        {}
func (RouterChanged) isUpdate()      {}
func (ChatListChanged) isUpdate()    {}
func (CurrentChatChanged) isUpdate() {}
func (AccountCreated) isUpdate()     {}
func (BusyChanged) isUpdate()        {}
func (ToastChanged) isUpdate()       {}

// Internal events: results of background work re-entering the actor through
// the same mailbox as actions, so all state still mutates on one goroutine.

type relayEventReceived struct{ ev relay.Event }

type publishResult struct {
	chatID    string
	messageID string
	err       error
}

type keyPackagePublished struct {
	eventID string
	attempt int
	err     error
}

type keyPackageRetry struct{ attempt int }

type peerKeyPackagesFetched struct {
	name   string
	peers  []string
	events []relay.Event
	err    error
}

type subscriptionsRecomputed struct {
	token uint64
	err   error
}

type backfillFetched struct {
	events []relay.Event
	err    error
}
