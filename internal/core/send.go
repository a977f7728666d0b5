package core

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/relay"
	"go.uber.org/zap"
)

// nextTimestamp returns a strictly increasing outgoing timestamp. Wall-clock
// seconds collide when messages are sent quickly; receivers sort by
// timestamp, so ties would shuffle the sender's own order.
func (c *Core) nextTimestamp() int64 {
	now := time.Now().Unix()
	if now <= c.lastOutgoing {
		now = c.lastOutgoing + 1
	}
	c.lastOutgoing = now
	return now
}

func (c *Core) handleSendMessage(a SendMessage) {
	if c.state.Auth != AuthLoggedIn {
		return
	}
	if strings.TrimSpace(a.Content) == "" {
		return
	}
	groupID, ok := c.routingToGroup[a.ChatID]
	if !ok {
		c.toast("unknown chat", true)
		return
	}

	rumor := engine.Rumor{
		ID:        uuid.NewString(),
		Sender:    c.keys.PublicHex(),
		Content:   a.Content,
		Timestamp: c.nextTimestamp(),
	}
	wrapper, err := c.eng.CreateMessage(groupID, rumor)
	if err != nil {
		c.toast("message could not be created", true)
		c.logger.Error("create message", zap.Error(err))
		return
	}

	c.delivery[rumor.ID] = DeliveryPending
	c.pending[rumor.ID] = pendingSend{chatID: a.ChatID, wrapper: wrapper}
	if c.chatOpen(a.ChatID) {
		// Keep the loaded window anchored: a new row must not push the
		// oldest loaded message out of view.
		c.loaded[a.ChatID]++
	}
	c.refreshCurrentChat()
	c.refreshChatList()

	if c.online() {
		c.publishMessage(a.ChatID, rumor.ID, wrapper)
	} else {
		c.outbox = append(c.outbox, rumor.ID)
	}
}

func (c *Core) publishMessage(chatID, messageID string, ev relay.Event) {
	go func() {
		err := c.client.Publish(c.ctx, ev)
		c.inbox.push(publishResult{chatID: chatID, messageID: messageID, err: err})
	}()
}

func (c *Core) handlePublishResult(r publishResult) {
	if _, ok := c.pending[r.messageID]; !ok {
		return // settled by an earlier attempt
	}
	if r.err != nil {
		c.delivery[r.messageID] = DeliveryFailed
		c.logger.Warn("publish failed",
			zap.String("chat", r.chatID),
			zap.String("message", r.messageID),
			zap.Error(r.err))
	} else {
		c.delivery[r.messageID] = DeliverySent
		delete(c.pending, r.messageID)
	}
	c.refreshCurrentChat()
	c.refreshChatList()
}

func (c *Core) handleRetryMessage(a RetryMessage) {
	ps, ok := c.pending[a.MessageID]
	if !ok {
		c.toast("nothing to retry", true)
		return
	}
	c.delivery[a.MessageID] = DeliveryPending
	c.refreshCurrentChat()
	c.refreshChatList()
	if c.online() {
		// Same wrapper, same message identifier: receivers dedup on the
		// event, the view dedups on the message.
		c.publishMessage(ps.chatID, a.MessageID, ps.wrapper)
	} else {
		c.outbox = append(c.outbox, a.MessageID)
	}
}

func (c *Core) handleForegrounded() {
	if c.state.Auth != AuthLoggedIn {
		return
	}
	if !c.online() {
		return
	}
	c.flushOutbox()
	c.publishKeyPackage(1)
	c.recomputeSubscriptions()
	c.backfill()
}

func (c *Core) flushOutbox() {
	queued := c.outbox
	c.outbox = nil
	for _, id := range queued {
		ps, ok := c.pending[id]
		if !ok {
			continue
		}
		c.publishMessage(ps.chatID, id, ps.wrapper)
	}
}
