package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/relay"
	"github.com/suhailsaqan/pika/internal/store"
	"go.uber.org/zap"
)

const (
	mainSubID     = "main"
	kpMaxAttempts = 5
	welcomeExpiry = 30 * 24 * time.Hour
	backfillLimit = 500
)

// publishKeyPackage makes sure a current credential package for this
// identity exists on the relays, publishing one (plus the relay-list pointer
// event) if the stored one is gone. Failures retry with exponential backoff.
func (c *Core) publishKeyPackage(attempt int) {
	if !c.online() || c.state.Auth != AuthLoggedIn {
		return
	}
	storedID, err := c.db.GetState(store.StateKeyPackageEventID)
	if err != nil {
		c.logger.Error("read key package state", zap.Error(err))
		return
	}

	kpEvent, err := c.eng.CreateKeyPackage(c.cfg.KeyPackageRelays())
	if err != nil {
		c.logger.Error("create key package", zap.Error(err))
		return
	}
	relayList := c.relayListEvent()
	me := c.keys.PublicHex()

	go func() {
		// If our stored package is still on the relays there is nothing to do.
		if storedID != "" {
			existing, err := c.client.Fetch(c.ctx, relay.Filter{
				Kinds:   []int{relay.KindKeyPackage},
				Authors: []string{me},
			})
			if err == nil {
				for _, ev := range existing {
					if ev.ID == storedID {
						c.inbox.push(keyPackagePublished{eventID: storedID, attempt: attempt})
						return
					}
				}
			}
		}
		if err := c.client.Publish(c.ctx, kpEvent); err != nil {
			c.inbox.push(keyPackagePublished{attempt: attempt, err: err})
			return
		}
		if err := c.client.Publish(c.ctx, relayList); err != nil {
			c.inbox.push(keyPackagePublished{attempt: attempt, err: err})
			return
		}
		c.inbox.push(keyPackagePublished{eventID: kpEvent.ID, attempt: attempt})
	}()
}

// retireKeyPackage asks the relays to drop this identity's published
// credential package. A logged-out identity should not keep inviting
// welcomes it will never read.
func (c *Core) retireKeyPackage() {
	if !c.online() || c.db == nil {
		return
	}
	storedID, err := c.db.GetState(store.StateKeyPackageEventID)
	if err != nil || storedID == "" {
		return
	}
	del := relay.NewEvent(c.keys.PublicHex(), relay.KindDelete,
		[][]string{{relay.TagEventRef, storedID}}, "", time.Now().Unix())
	client := c.client
	go func() {
		if err := client.Publish(context.Background(), del); err != nil {
			c.logger.Warn("retire key package", zap.Error(err))
		}
	}()
}

// rotateKeyPackage replaces a credential package that a welcome just
// consumed. The consumed event is deleted best-effort and a fresh package
// is published so the identity stays invitable.
func (c *Core) rotateKeyPackage(consumedID string) {
	if consumedID == "" || !c.online() {
		return
	}
	storedID, err := c.db.GetState(store.StateKeyPackageEventID)
	if err != nil {
		c.logger.Error("read key package state", zap.Error(err))
		return
	}
	if storedID == consumedID {
		if err := c.db.SetState(store.StateKeyPackageEventID, ""); err != nil {
			c.logger.Error("clear key package id", zap.Error(err))
		}
	}
	del := relay.NewEvent(c.keys.PublicHex(), relay.KindDelete,
		[][]string{{relay.TagEventRef, consumedID}}, "", time.Now().Unix())
	go func() {
		if err := c.client.Publish(c.ctx, del); err != nil {
			c.logger.Warn("delete consumed key package", zap.Error(err))
		}
	}()
	c.publishKeyPackage(1)
}

// relayListEvent advertises where this identity's credential packages live,
// so group creators know which relays to query.
func (c *Core) relayListEvent() relay.Event {
	relays := c.cfg.KeyPackageRelays()
	content, _ := json.Marshal(relays)
	tags := make([][]string, 0, len(relays))
	for _, r := range relays {
		tags = append(tags, []string{relay.TagRelay, r})
	}
	return relay.NewEvent(c.keys.PublicHex(), relay.KindKeyPackageRelay, tags, string(content), time.Now().Unix())
}

func (c *Core) handleKeyPackagePublished(r keyPackagePublished) {
	if r.err == nil {
		if r.eventID != "" {
			if err := c.db.SetState(store.StateKeyPackageEventID, r.eventID); err != nil {
				c.logger.Error("record key package id", zap.Error(err))
			}
		}
		return
	}
	if r.attempt >= kpMaxAttempts {
		c.logger.Error("key package publication gave up",
			zap.Int("attempts", r.attempt), zap.Error(r.err))
		c.toast("could not publish your contact credentials", true)
		return
	}
	delay := c.kpRetryBase << (r.attempt - 1)
	c.logger.Warn("key package publication failed, retrying",
		zap.Int("attempt", r.attempt),
		zap.Duration("delay", delay),
		zap.Error(r.err))
	next := r.attempt + 1
	go func() {
		select {
		case <-c.ctx.Done():
		case <-time.After(delay):
			c.inbox.push(keyPackageRetry{attempt: next})
		}
	}()
}

// subscriptionFilters covers everything addressed to this identity: sealed
// envelopes for us plus group traffic for every joined routing id.
func (c *Core) subscriptionFilters() []relay.Filter {
	filters := []relay.Filter{{
		Kinds: []int{relay.KindSealedEnvelope},
		Tags:  map[string][]string{relay.TagRecipient: {c.keys.PublicHex()}},
	}}
	if len(c.routingToGroup) > 0 {
		routings := make([]string, 0, len(c.routingToGroup))
		for r := range c.routingToGroup {
			routings = append(routings, r)
		}
		filters = append(filters, relay.Filter{
			Kinds: []int{relay.KindGroupMessage},
			Tags:  map[string][]string{relay.TagRouting: routings},
		})
	}
	return filters
}

// recomputeSubscriptions replaces the main subscription with the current
// filter set. One recompute runs at a time; changes arriving mid-flight mark
// it dirty and trigger exactly one follow-up, so the final subscription
// always reflects the latest membership.
func (c *Core) recomputeSubscriptions() {
	if !c.online() || c.state.Auth != AuthLoggedIn {
		return
	}
	if c.subInFlight {
		c.subDirty = true
		return
	}
	c.subInFlight = true
	c.subToken++
	token := c.subToken
	filters := c.subscriptionFilters()
	go func() {
		err := c.client.Subscribe(c.ctx, mainSubID, filters)
		c.inbox.push(subscriptionsRecomputed{token: token, err: err})
	}()
}

func (c *Core) handleSubscriptionsRecomputed(r subscriptionsRecomputed) {
	c.subInFlight = false
	if r.err != nil {
		c.logger.Error("subscribe", zap.Error(r.err))
	}
	if r.token != c.subToken {
		// A newer recompute superseded this one.
		c.subDirty = true
	}
	if c.subDirty {
		c.subDirty = false
		c.recomputeSubscriptions()
	}
}

// backfill fetches stored history matching our filters and runs it through
// normal processing. Processing is idempotent, so overlap with live delivery
// is harmless.
func (c *Core) backfill() {
	if !c.online() || c.state.Auth != AuthLoggedIn {
		return
	}
	filters := c.subscriptionFilters()
	go func() {
		var all []relay.Event
		for _, f := range filters {
			f.Limit = backfillLimit
			events, err := c.client.Fetch(c.ctx, f)
			if err != nil {
				c.inbox.push(backfillFetched{err: err})
				return
			}
			all = append(all, events...)
		}
		c.inbox.push(backfillFetched{events: all})
	}()
}

func (c *Core) handleBackfillFetched(r backfillFetched) {
	if r.err != nil {
		c.logger.Warn("backfill fetch failed", zap.Error(r.err))
		return
	}
	// Fetch order is newest first; apply oldest first so commits land in
	// epoch order.
	for i := len(r.events) - 1; i >= 0; i-- {
		c.handleRelayEvent(r.events[i])
	}
}

func (c *Core) handleRelayEvent(ev relay.Event) {
	if c.state.Auth != AuthLoggedIn {
		return
	}
	switch ev.Kind {
	case relay.KindSealedEnvelope:
		c.handleWelcomeEvent(ev)
	case relay.KindGroupMessage:
		c.handleGroupEvent(ev)
	default:
		c.logger.Debug("ignoring event", zap.Int("kind", ev.Kind), zap.String("id", ev.ID))
	}
}

func (c *Core) handleWelcomeEvent(ev relay.Event) {
	if ev.Expired(time.Now()) {
		return
	}
	w, err := c.eng.ProcessWelcome(ev)
	if errors.Is(err, engine.ErrWelcomeAlreadyProcessed) {
		return
	}
	if err != nil {
		c.logger.Warn("welcome rejected", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	if err := c.eng.AcceptWelcome(w); err != nil {
		c.logger.Error("accept welcome", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	c.routingToGroup[w.RoutingID] = w.GroupID
	c.logger.Info("joined group", zap.String("chat", w.RoutingID), zap.String("name", w.GroupName))
	c.rotateKeyPackage(w.KeyPackageEventID)
	c.refreshChatList()
	c.recomputeSubscriptions()
	c.replayDeferred(w.RoutingID)
	c.toast("added to \""+w.GroupName+"\"", false)
}

func (c *Core) handleGroupEvent(ev relay.Event) {
	res, err := c.eng.ProcessMessage(ev)
	if err != nil {
		c.logger.Error("process group event", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	switch res.Kind {
	case engine.ResultApplication:
		if c.chatOpen(res.RoutingID) {
			c.loaded[res.RoutingID]++
			c.refreshCurrentChat()
		} else {
			c.unread[res.RoutingID]++
		}
		c.refreshChatList()
	case engine.ResultCommitApplied:
		c.refreshChatList()
		if c.chatOpen(res.RoutingID) {
			c.refreshCurrentChat()
		}
		c.replayDeferred(res.RoutingID)
	case engine.ResultCommitRolledBack:
		c.logger.Info("group rolled back",
			zap.String("chat", res.RoutingID),
			zap.Uint64("epoch", res.Rollback.TargetEpoch),
			zap.String("head", res.Rollback.NewHeadID))
		// A rollback invalidates messages decrypted on the losing branch,
		// so the pagination cursor restarts from the first page.
		if c.chatOpen(res.RoutingID) {
			c.loaded[res.RoutingID] = pageSize
		} else {
			delete(c.loaded, res.RoutingID)
		}
		delete(c.exhausted, res.RoutingID)
		c.refreshChatList()
		c.refreshCurrentChat()
		c.replayDeferred(res.RoutingID)
	case engine.ResultRetryable:
		c.deferEvent(ev)
	case engine.ResultDuplicate:
		// Common under replicated delivery; nothing to do.
	default:
		c.logger.Debug("group event not applied",
			zap.String("id", ev.ID),
			zap.String("result", res.Kind.String()),
			zap.String("reason", res.Reason))
	}
}

// deferEvent parks a retryable event until a join or commit unblocks its
// routing id.
func (c *Core) deferEvent(ev relay.Event) {
	for _, d := range c.deferred {
		if d.ID == ev.ID {
			return
		}
	}
	c.deferred = append(c.deferred, ev)
}

// replayDeferred reprocesses parked events for one routing id. Events that
// come back retryable are parked again by handleGroupEvent.
func (c *Core) replayDeferred(routingID string) {
	var ready []relay.Event
	rest := c.deferred[:0]
	for _, ev := range c.deferred {
		if ev.TagValue(relay.TagRouting) == routingID {
			ready = append(ready, ev)
		} else {
			rest = append(rest, ev)
		}
	}
	c.deferred = rest
	for _, ev := range ready {
		c.handleGroupEvent(ev)
	}
}
