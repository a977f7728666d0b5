package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Event kinds used on the relay wire protocol.
const (
	KindDelete          = 5
	KindKeyPackage      = 443
	KindWelcome         = 444
	KindGroupMessage    = 445
	KindSealedEnvelope  = 1059
	KindKeyPackageRelay = 10051
)

// Well-known tag names.
const (
	TagRecipient  = "p" // recipient public key on sealed envelopes
	TagRouting    = "h" // routing identifier on group messages
	TagEventRef   = "e" // referenced event id (deletes, key package rotation)
	TagExpiration = "expiration"
	TagRelay      = "relay"
)

// Event is a relay wire event. Content semantics depend on Kind; the relay
// substrate treats it as opaque.
type Event struct {
	ID        string
	PubKey    string
	Kind      int
	CreatedAt int64
	Tags      [][]string
	Content   string
}

// NewEvent builds an event and assigns its content-derived identifier.
func NewEvent(pubkey string, kind int, tags [][]string, content string, createdAt int64) Event {
	ev := Event{
		PubKey:    pubkey,
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	}
	ev.ID = ev.ComputeID()
	return ev
}

// ComputeID derives the canonical event identifier from the event fields.
func (e Event) ComputeID() string {
	h := sha256.New()
	h.Write([]byte(e.PubKey))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(e.Kind)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(e.CreatedAt, 10)))
	h.Write([]byte{0})
	for _, tag := range e.Tags {
		h.Write([]byte(strings.Join(tag, "\x1f")))
		h.Write([]byte{0})
	}
	h.Write([]byte(e.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// TagValue returns the first value of the named tag, or "".
func (e Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// Expired reports whether the event carries an expiration tag in the past.
func (e Event) Expired(now time.Time) bool {
	v := e.TagValue(TagExpiration)
	if v == "" {
		return false
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return false
	}
	return ts < now.Unix()
}
