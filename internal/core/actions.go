package core

// Action is the closed set of host-initiated commands. Every variant is
// handled exhaustively by the actor; adding a new action means adding a
// dispatch arm.
type Action interface{ isAction() }

// CreateAccount generates a fresh identity, provisions its storage, and logs
// in.
type CreateAccount struct{}

// Login imports an existing identity from its hex-encoded secret key.
type Login struct{ SecretHex string }

// RestoreSession resumes the identity recorded by the last login, if any.
type RestoreSession struct{}

// Logout tears down the session and returns to onboarding. Local data is
// kept; logging back in resumes it.
type Logout struct{}

// PushScreen pushes one screen onto the router stack.
type PushScreen struct{ Screen Screen }

// PopScreen pops the top screen; the root screen is never popped.
type PopScreen struct{}

// SetScreenStack replaces the entire router stack.
type SetScreenStack struct{ Stack []Screen }

// CreateChat starts a new encrypted chat with the given peers, identified by
// their hex public keys. Peer credential packages are fetched from the
// relays; the result arrives asynchronously.
type CreateChat struct {
	Name  string
	Peers []string
}

// OpenChat makes a chat current, loads its first page, and clears its unread
// count.
type OpenChat struct{ ChatID string }

// SendMessage sends text to a chat. The message appears immediately with
// pending delivery and keeps its identifier across retries.
type SendMessage struct {
	ChatID  string
	Content string
}

// RetryMessage republishes a failed message under its original identifier.
type RetryMessage struct {
	ChatID    string
	MessageID string
}

// LoadOlderMessages extends the open chat's window one page into history.
// BeforeMessageID, when set, must name the oldest message the caller has
// materialized; a mismatch means the caller's view drifted and gets a full
// refresh instead of an extension.
type LoadOlderMessages struct {
	ChatID          string
	BeforeMessageID string
}

// ClearToast dismisses the current toast.
type ClearToast struct{}

// SetNetworkEnabled toggles transport use at runtime, for hosts that track
// connectivity. While disabled, sends queue in the outbox and background
// network work is skipped.
type SetNetworkEnabled struct{ Enabled bool }

// Foregrounded tells the core the host is active again: flush queued sends,
// refresh subscriptions, and backfill anything missed while backgrounded.
type Foregrounded struct{}

func (CreateAccount) isAction()     {}
func (SetNetworkEnabled) isAction() {}
func (Login) isAction()             {}
func (RestoreSession) isAction()    {}
func (Logout) isAction()            {}
func (PushScreen) isAction()        {}
func (PopScreen) isAction()         {}
func (SetScreenStack) isAction()    {}
func (CreateChat) isAction()        {}
func (OpenChat) isAction()          {}
func (SendMessage) isAction()       {}
func (RetryMessage) isAction()      {}
func (LoadOlderMessages) isAction() {}
func (ClearToast) isAction()        {}
func (Foregrounded) isAction()      {}
