package relay

import "context"

// Filter selects events on subscription and fetch. Zero-value fields match
// everything. Tags maps a tag name to accepted values (OR within a tag,
// AND across fields).
type Filter struct {
	Kinds   []int
	Authors []string
	IDs     []string
	Tags    map[string][]string
	Limit   int
}

// Matches reports whether an event satisfies the filter.
func (f Filter) Matches(ev Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsStr(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.IDs) > 0 && !containsStr(f.IDs, ev.ID) {
		return false
	}
	for name, values := range f.Tags {
		if !containsStr(values, ev.TagValue(name)) {
			return false
		}
	}
	return true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Client is the publish/subscribe transport collaborator. Connection
// management, socket-level retry, and relay selection live behind this
// interface; the core only constructs filters and consumes the event stream.
type Client interface {
	// Publish sends an event to the relay set. Returns once at least one
	// relay accepted it.
	Publish(ctx context.Context, ev Event) error

	// Fetch retrieves stored events matching the filter, newest first.
	Fetch(ctx context.Context, f Filter) ([]Event, error)

	// Subscribe replaces the subscription registered under id with the given
	// filters. Matching events (including stored ones published before the
	// subscription) are delivered on Events.
	Subscribe(ctx context.Context, id string, filters []Filter) error

	// Unsubscribe removes a subscription previously registered under id.
	Unsubscribe(id string)

	// Events is the inbound delivery stream for all subscriptions.
	Events() <-chan Event

	// Close tears down all subscriptions and the event stream.
	Close()
}
