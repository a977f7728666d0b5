package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/identity"
	"github.com/suhailsaqan/pika/internal/relay"
	"go.uber.org/zap"
)

// pageSize is the chat window growth increment.
const pageSize = 30

func (c *Core) refreshRoutingMap() {
	c.routingToGroup = make(map[string]string)
	groups, err := c.eng.Groups()
	if err != nil {
		c.logger.Error("list groups", zap.Error(err))
		return
	}
	for _, g := range groups {
		c.routingToGroup[g.RoutingID] = g.ID
	}
}

func (c *Core) toChatMessage(m engine.Message, chatID string) ChatMessage {
	mine := c.keys != nil && m.Sender == c.keys.PublicHex()
	d := DeliveryNone
	if mine {
		d = DeliverySent
		if override, ok := c.delivery[m.ID]; ok {
			d = override
		}
	}
	return ChatMessage{
		ID:        m.ID,
		ChatID:    chatID,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Mine:      mine,
		Delivery:  d,
	}
}

// refreshChatList re-derives the chat list from engine storage and emits it.
func (c *Core) refreshChatList() {
	groups, err := c.eng.Groups()
	if err != nil {
		c.logger.Error("list groups", zap.Error(err))
		return
	}
	chats := make([]ChatSummary, 0, len(groups))
	for _, g := range groups {
		summary := ChatSummary{
			ChatID:  g.RoutingID,
			Name:    g.Name,
			Unread:  c.unread[g.RoutingID],
			Members: len(g.Members),
		}
		last, err := c.eng.Messages(g.ID, 0, 1)
		if err != nil {
			c.logger.Error("load last message", zap.String("chat", g.RoutingID), zap.Error(err))
		} else if len(last) > 0 {
			m := c.toChatMessage(last[0], g.RoutingID)
			summary.LastMessage = &m
		}
		chats = append(chats, summary)
	}
	sort.SliceStable(chats, func(i, j int) bool {
		ti, tj := int64(0), int64(0)
		if chats[i].LastMessage != nil {
			ti = chats[i].LastMessage.Timestamp
		}
		if chats[j].LastMessage != nil {
			tj = chats[j].LastMessage.Timestamp
		}
		if ti != tj {
			return ti > tj
		}
		if chats[i].Name != chats[j].Name {
			return chats[i].Name < chats[j].Name
		}
		return chats[i].ChatID < chats[j].ChatID
	})
	c.setChats(chats)
}

// currentChatID returns the chat on top of the router stack, or "".
func (c *Core) currentChatID() string {
	if len(c.state.Router) == 0 {
		return ""
	}
	top := c.state.Router[len(c.state.Router)-1]
	if top.Kind != ScreenChat {
		return ""
	}
	return top.ChatID
}

func (c *Core) chatOpen(chatID string) bool {
	return chatID != "" && c.currentChatID() == chatID
}

// refreshCurrentChat re-derives the open chat's window from engine storage.
func (c *Core) refreshCurrentChat() {
	chatID := c.currentChatID()
	if chatID == "" {
		if c.state.CurrentChat != nil {
			c.setCurrentChat(nil)
		}
		return
	}
	groupID, ok := c.routingToGroup[chatID]
	if !ok {
		c.setCurrentChat(nil)
		return
	}
	g, err := c.eng.Group(groupID)
	if err != nil || g == nil {
		c.logger.Error("load group", zap.String("chat", chatID), zap.Error(err))
		return
	}

	window := c.loaded[chatID]
	if window == 0 {
		window = pageSize
		c.loaded[chatID] = window
	}
	msgs, err := c.eng.Messages(groupID, 0, window)
	if err != nil {
		c.logger.Error("load messages", zap.String("chat", chatID), zap.Error(err))
		return
	}

	// Engine order is newest first; the view renders oldest first.
	view := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		view[len(msgs)-1-i] = c.toChatMessage(m, chatID)
	}
	c.setCurrentChat(&ChatViewState{
		ChatID:   chatID,
		Name:     g.Name,
		Members:  g.Members,
		Messages: view,
		HasMore:  len(msgs) == window && !c.exhausted[chatID],
	})
}

func (c *Core) handleOpenChat(a OpenChat) {
	if c.state.Auth != AuthLoggedIn {
		return
	}
	if _, ok := c.routingToGroup[a.ChatID]; !ok {
		c.toast("unknown chat", true)
		return
	}
	if c.loaded[a.ChatID] == 0 {
		c.loaded[a.ChatID] = pageSize
	}
	c.unread[a.ChatID] = 0

	if c.currentChatID() != a.ChatID {
		stack := append(append([]Screen(nil), c.state.Router...), Screen{Kind: ScreenChat, ChatID: a.ChatID})
		c.setRouter(stack)
	}
	c.refreshCurrentChat()
	c.refreshChatList()
}

func (c *Core) handlePushScreen(a PushScreen) {
	stack := append(append([]Screen(nil), c.state.Router...), a.Screen)
	c.setRouter(stack)
	if a.Screen.Kind == ScreenChat {
		c.handleOpenChatTop(a.Screen.ChatID)
	}
}

func (c *Core) handlePopScreen() {
	if len(c.state.Router) <= 1 {
		return
	}
	stack := append([]Screen(nil), c.state.Router[:len(c.state.Router)-1]...)
	c.setRouter(stack)
	c.refreshCurrentChat()
}

func (c *Core) handleSetScreenStack(a SetScreenStack) {
	if len(a.Stack) == 0 {
		return
	}
	c.setRouter(append([]Screen(nil), a.Stack...))
	if id := c.currentChatID(); id != "" {
		c.handleOpenChatTop(id)
	} else {
		c.refreshCurrentChat()
	}
}

// handleOpenChatTop applies open-chat side effects when navigation already
// placed the chat on top of the stack.
func (c *Core) handleOpenChatTop(chatID string) {
	if _, ok := c.routingToGroup[chatID]; !ok {
		return
	}
	if c.loaded[chatID] == 0 {
		c.loaded[chatID] = pageSize
	}
	c.unread[chatID] = 0
	c.refreshCurrentChat()
	c.refreshChatList()
}

func (c *Core) handleLoadOlderMessages(a LoadOlderMessages) {
	if !c.chatOpen(a.ChatID) {
		return
	}
	groupID, ok := c.routingToGroup[a.ChatID]
	if !ok {
		return
	}
	if a.BeforeMessageID != "" {
		// The anchor is a consistency check, not a cursor. A mismatch means
		// the caller's mirror drifted; re-emit the slice instead of guessing
		// at an offset.
		oldest := ""
		if c.state.CurrentChat != nil && len(c.state.CurrentChat.Messages) > 0 {
			oldest = c.state.CurrentChat.Messages[0].ID
		}
		if oldest != a.BeforeMessageID {
			c.refreshCurrentChat()
			return
		}
	}
	if c.exhausted[a.ChatID] {
		c.refreshCurrentChat()
		return
	}
	requested := c.loaded[a.ChatID] + pageSize
	msgs, err := c.eng.Messages(groupID, 0, requested)
	if err != nil {
		c.logger.Error("load older messages", zap.String("chat", a.ChatID), zap.Error(err))
		return
	}
	if len(msgs) < requested {
		// History is fully loaded; further requests are no-ops.
		c.exhausted[a.ChatID] = true
		c.loaded[a.ChatID] = len(msgs)
	} else {
		c.loaded[a.ChatID] = requested
	}
	c.refreshCurrentChat()
}

func (c *Core) handleCreateChat(a CreateChat) {
	if c.state.Auth != AuthLoggedIn {
		return
	}
	if c.state.Busy.CreatingChat {
		return
	}
	if strings.TrimSpace(a.Name) == "" {
		c.toast("chat name required", true)
		return
	}
	if len(a.Peers) == 0 {
		c.toast("at least one peer required", true)
		return
	}
	peers := make([]string, 0, len(a.Peers))
	for _, p := range a.Peers {
		canonical, err := identity.ParsePublic(p)
		if err != nil {
			c.toast(fmt.Sprintf("invalid peer key %q", p), true)
			return
		}
		peers = append(peers, canonical)
	}

	me := c.keys.PublicHex()
	others := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != me {
			others = append(others, p)
		}
	}

	if len(others) == 0 {
		// Note to self: no credentials to fetch, no welcomes to send,
		// so this works offline too.
		c.setBusy(BusyState{CreatingChat: true})
		c.handlePeerKeyPackagesFetched(peerKeyPackagesFetched{name: a.Name})
		return
	}
	if !c.online() {
		c.toast("cannot create a chat while offline", true)
		return
	}
	c.setBusy(BusyState{CreatingChat: true})
	filter := relay.Filter{Kinds: []int{relay.KindKeyPackage}, Authors: others}
	go func() {
		events, err := c.client.Fetch(c.ctx, filter)
		c.inbox.push(peerKeyPackagesFetched{name: a.Name, peers: others, events: events, err: err})
	}()
}

func (c *Core) handlePeerKeyPackagesFetched(r peerKeyPackagesFetched) {
	c.setBusy(BusyState{})
	if c.state.Auth != AuthLoggedIn {
		return
	}
	if r.err != nil {
		c.toast("fetching peer credentials failed", true)
		c.logger.Error("fetch key packages", zap.Error(r.err))
		return
	}

	// Newest-first fetch order: keep the first valid package per peer.
	byPeer := make(map[string]relay.Event)
	for _, ev := range r.events {
		if _, seen := byPeer[ev.PubKey]; seen {
			continue
		}
		if _, err := c.eng.ValidateKeyPackage(ev); err != nil {
			c.logger.Debug("skipping invalid key package", zap.String("event", ev.ID), zap.Error(err))
			continue
		}
		byPeer[ev.PubKey] = ev
	}
	kps := make([]relay.Event, 0, len(r.peers))
	for _, p := range r.peers {
		ev, ok := byPeer[p]
		if !ok {
			c.toast(fmt.Sprintf("no credential package found for %s", shortKey(p)), true)
			return
		}
		kps = append(kps, ev)
	}

	result, err := c.eng.CreateGroup(engine.GroupConfig{Name: r.name}, kps)
	if err != nil {
		c.toast("creating chat failed", true)
		c.logger.Error("create group", zap.Error(err))
		return
	}
	c.routingToGroup[result.Group.RoutingID] = result.Group.ID

	expiresAt := time.Now().Add(welcomeExpiry).Unix()
	for _, w := range result.Welcomes {
		wrapper, err := c.eng.SealWelcome(w, expiresAt)
		if err != nil {
			c.logger.Error("seal welcome", zap.String("recipient", shortKey(w.Recipient)), zap.Error(err))
			continue
		}
		go func(ev relay.Event, recipient string) {
			if err := c.client.Publish(c.ctx, ev); err != nil {
				c.logger.Error("publish welcome",
					zap.String("recipient", shortKey(recipient)), zap.Error(err))
			}
		}(wrapper, w.Recipient)
	}

	c.refreshChatList()
	c.recomputeSubscriptions()
	c.handleOpenChat(OpenChat{ChatID: result.Group.RoutingID})
}

func shortKey(pub string) string {
	if len(pub) <= 12 {
		return pub
	}
	return pub[:12] + "…"
}
