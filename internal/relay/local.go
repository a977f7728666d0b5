package relay

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Local is an in-process relay hub. It stores every published event and fans
// events out to connected clients with matching subscriptions, giving the
// same at-least-once, unordered delivery surface as a real relay pool.
// Used for offline operation and deterministic tests.
type Local struct {
	mu      sync.RWMutex
	log     []Event
	clients map[int]*LocalClient
	next    int
}

// NewLocal creates an empty local relay hub.
func NewLocal() *Local {
	return &Local{clients: make(map[int]*LocalClient)}
}

// Connect attaches a new client to the hub.
func (h *Local) Connect() *LocalClient {
	c := &LocalClient{
		hub:    h,
		events: make(chan Event, 256),
		subs:   make(map[string][]Filter),
	}
	h.mu.Lock()
	c.id = h.next
	h.next++
	h.clients[c.id] = c
	h.mu.Unlock()
	return c
}

func (h *Local) publish(ev Event) {
	h.mu.Lock()
	if ev.Kind == KindDelete {
		h.applyDelete(ev)
	}
	h.log = append(h.log, ev)
	targets := make([]*LocalClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.deliver(ev)
	}
}

// applyDelete drops referenced events from the log. Only the author of an
// event may delete it. Caller holds the write lock.
func (h *Local) applyDelete(del Event) {
	refs := make(map[string]bool)
	for _, tag := range del.Tags {
		if len(tag) >= 2 && tag[0] == TagEventRef {
			refs[tag[1]] = true
		}
	}
	if len(refs) == 0 {
		return
	}
	kept := h.log[:0]
	for _, ev := range h.log {
		if refs[ev.ID] && ev.PubKey == del.PubKey {
			continue
		}
		kept = append(kept, ev)
	}
	h.log = kept
}

func (h *Local) fetch(f Filter) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now()
	var out []Event
	for _, ev := range h.log {
		if ev.Expired(now) {
			continue
		}
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (h *Local) disconnect(id int) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// LocalClient is one connection to a Local hub.
type LocalClient struct {
	hub *Local
	id  int

	mu     sync.Mutex
	subs   map[string][]Filter
	closed bool
	events chan Event
}

var _ Client = (*LocalClient)(nil)

// Publish stores the event and delivers it to all matching subscriptions.
func (c *LocalClient) Publish(_ context.Context, ev Event) error {
	c.hub.publish(ev)
	return nil
}

// Fetch returns stored events matching the filter, newest first.
func (c *LocalClient) Fetch(_ context.Context, f Filter) ([]Event, error) {
	return c.hub.fetch(f), nil
}

// Subscribe replaces the subscription under id and replays stored matching
// events, mirroring how a relay answers a new REQ from its backlog.
func (c *LocalClient) Subscribe(_ context.Context, id string, filters []Filter) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.subs[id] = filters
	c.mu.Unlock()

	for _, f := range filters {
		for _, ev := range c.hub.fetch(f) {
			c.deliver(ev)
		}
	}
	return nil
}

// Unsubscribe removes the subscription registered under id.
func (c *LocalClient) Unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// Events is the inbound delivery stream.
func (c *LocalClient) Events() <-chan Event {
	return c.events
}

// Close detaches the client from the hub and closes the event stream.
func (c *LocalClient) Close() {
	c.hub.disconnect(c.id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.subs = map[string][]Filter{}
		close(c.events)
	}
}

func (c *LocalClient) deliver(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	matched := false
	for _, filters := range c.subs {
		for _, f := range filters {
			if f.Matches(ev) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	if !matched {
		return
	}
	select {
	case c.events <- ev:
	default:
		// Drop if the consumer is saturated (non-blocking, as a real relay
		// connection would under backpressure). The core resyncs from Fetch.
	}
}
