// Package core is the application core: a single-writer actor that owns all
// UI-facing state and orchestrates the encryption engine, the message store,
// and the relay transport. Hosts drive it with actions and render from the
// revisioned updates it emits; no other goroutine mutates state.
package core

// AuthStatus is the session lifecycle position.
type AuthStatus int

const (
	AuthLoggedOut AuthStatus = iota
	AuthAuthenticating
	AuthLoggedIn
)

func (a AuthStatus) String() string {
	switch a {
	case AuthAuthenticating:
		return "authenticating"
	case AuthLoggedIn:
		return "logged_in"
	default:
		return "logged_out"
	}
}

// ScreenKind enumerates navigable screens.
type ScreenKind int

const (
	ScreenOnboarding ScreenKind = iota
	ScreenChatList
	ScreenChat
	ScreenSettings
)

// Screen is one router stack entry. ChatID is set for ScreenChat.
type Screen struct {
	Kind   ScreenKind
	ChatID string
}

// DeliveryState tracks an outgoing message through publication.
type DeliveryState int

const (
	DeliveryNone DeliveryState = iota // inbound, or historical outbound
	DeliveryPending
	DeliverySent
	DeliveryFailed
)

func (d DeliveryState) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	default:
		return "none"
	}
}

// ChatMessage is one rendered message.
type ChatMessage struct {
	ID        string
	ChatID    string
	Sender    string
	Content   string
	Timestamp int64
	Mine      bool
	Delivery  DeliveryState
}

// ChatSummary is one chat-list row.
type ChatSummary struct {
	ChatID      string // routing identifier; stable across epochs
	Name        string
	LastMessage *ChatMessage
	Unread      int
	Members     int
}

// ChatViewState is the open chat's loaded window, oldest first.
type ChatViewState struct {
	ChatID   string
	Name     string
	Members  []string
	Messages []ChatMessage
	HasMore  bool
}

// BusyState flags long-running work so the UI can block double submission.
type BusyState struct {
	Auth         bool
	CreatingChat bool
}

// Toast is a transient user-facing notice.
type Toast struct {
	Text    string
	IsError bool
}

// AppState is the complete UI-facing state. Updates replace whole fields;
// consumers never receive deltas they must merge.
type AppState struct {
	Auth        AuthStatus
	Identity    string // hex public key when logged in
	Router      []Screen
	Chats       []ChatSummary
	CurrentChat *ChatViewState
	Busy        BusyState
	Toast       *Toast
}

// clone deep-copies the state so snapshots are detached from the actor.
func (s AppState) clone() AppState {
	out := s
	out.Router = append([]Screen(nil), s.Router...)
	out.Chats = make([]ChatSummary, len(s.Chats))
	for i, c := range s.Chats {
		out.Chats[i] = c
		if c.LastMessage != nil {
			m := *c.LastMessage
			out.Chats[i].LastMessage = &m
		}
	}
	if s.CurrentChat != nil {
		cc := *s.CurrentChat
		cc.Members = append([]string(nil), s.CurrentChat.Members...)
		cc.Messages = append([]ChatMessage(nil), s.CurrentChat.Messages...)
		out.CurrentChat = &cc
	}
	if s.Toast != nil {
		tt := *s.Toast
		out.Toast = &tt
	}
	return out
}
