package core

import (
	"context"
	"sync"
	"time"

	"github.com/suhailsaqan/pika/internal/config"
	"github.com/suhailsaqan/pika/internal/engine"
	"github.com/suhailsaqan/pika/internal/engine/memengine"
	"github.com/suhailsaqan/pika/internal/identity"
	"github.com/suhailsaqan/pika/internal/keystore"
	"github.com/suhailsaqan/pika/internal/lock"
	"github.com/suhailsaqan/pika/internal/relay"
	"github.com/suhailsaqan/pika/internal/store"
	"go.uber.org/zap"
)

// EngineFactory builds the group-encryption engine for a logged-in identity.
type EngineFactory func(keys *identity.Keys, db *store.DB, logger *zap.Logger) engine.Engine

// Options configures a Core.
type Options struct {
	BaseDir  string
	Config   *config.Config
	Relay    relay.Client // nil runs fully offline
	Keystore keystore.Keystore
	Logger   *zap.Logger

	// NewEngine defaults to the in-process engine.
	NewEngine EngineFactory

	// KeyPackageRetryBase is the first retry delay for credential-package
	// publication; it doubles per attempt.
	KeyPackageRetryBase time.Duration
}

// pendingSend holds a created-but-unacknowledged outgoing message so a retry
// republishes the identical wrapper event.
type pendingSend struct {
	chatID  string
	wrapper relay.Event
}

type subscriber struct {
	q    *queue[Update]
	ch   chan Update
	done chan struct{}
	once sync.Once
}

// stop detaches the drain goroutine even when the consumer quit reading
// the channel. Undelivered updates are discarded; the subscription is over.
func (s *subscriber) stop() {
	s.once.Do(func() {
		s.q.close()
		close(s.done)
	})
}

// Core is the single-writer application actor. All state lives here and is
// mutated exclusively by the run goroutine; hosts interact through Submit,
// Snapshot, and Subscribe.
type Core struct {
	logger      *zap.Logger
	cfg         *config.Config
	client      relay.Client
	ks          keystore.Keystore
	baseDir     string
	newEngine   EngineFactory
	kpRetryBase time.Duration

	inbox *queue[any]

	mu      sync.RWMutex
	state   AppState
	rev     uint64
	subs    map[uint64]*subscriber
	nextSub uint64

	// Session; owned by the run goroutine.
	keys   *identity.Keys
	db     *store.DB
	eng    engine.Engine
	idLock *lock.Lock

	// Runtime bookkeeping; owned by the run goroutine.
	netDisabled    bool
	routingToGroup map[string]string
	delivery       map[string]DeliveryState // message id -> override
	pending        map[string]pendingSend
	outbox         []string // message ids queued while offline
	loaded         map[string]int
	exhausted      map[string]bool
	unread         map[string]int
	deferred       []relay.Event // retryable inbound events
	lastOutgoing   int64
	subToken       uint64
	subInFlight    bool
	subDirty       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped Core. Call Start to begin processing.
func New(opts Options) *Core {
	if opts.NewEngine == nil {
		opts.NewEngine = func(keys *identity.Keys, db *store.DB, logger *zap.Logger) engine.Engine {
			return memengine.New(keys, db, logger)
		}
	}
	if opts.KeyPackageRetryBase == 0 {
		opts.KeyPackageRetryBase = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	return &Core{
		logger:         opts.Logger,
		cfg:            opts.Config,
		client:         opts.Relay,
		ks:             opts.Keystore,
		baseDir:        opts.BaseDir,
		newEngine:      opts.NewEngine,
		kpRetryBase:    opts.KeyPackageRetryBase,
		netDisabled:    opts.Config.NetworkDisabled,
		inbox:          newQueue[any](),
		subs:           make(map[uint64]*subscriber),
		routingToGroup: make(map[string]string),
		delivery:       make(map[string]DeliveryState),
		pending:        make(map[string]pendingSend),
		loaded:         make(map[string]int),
		exhausted:      make(map[string]bool),
		unread:         make(map[string]int),
		state:          AppState{Router: []Screen{{Kind: ScreenOnboarding}}},
	}
}

// Start launches the actor and the transport pump.
func (c *Core) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()

	if c.client != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-c.ctx.Done():
					return
				case ev, ok := <-c.client.Events():
					if !ok {
						return
					}
					c.inbox.push(relayEventReceived{ev: ev})
				}
			}
		}()
	}
}

// Stop shuts the actor down and releases session resources.
func (c *Core) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.inbox.close()
	c.wg.Wait()
	c.closeSession()

	c.mu.Lock()
	for id, s := range c.subs {
		s.stop()
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

// Submit enqueues an action. Never blocks.
func (c *Core) Submit(a Action) {
	c.inbox.push(a)
}

// Snapshot returns a detached copy of the current state and its revision.
// A subscriber holding revision N applies only updates with Rev > N.
func (c *Core) Snapshot() (AppState, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.clone(), c.rev
}

// Subscribe registers an update consumer. The channel is closed by the
// returned cancel function or by Stop. Delivery never drops or reorders, so
// revisions arrive contiguous.
func (c *Core) Subscribe() (<-chan Update, func()) {
	s := &subscriber{
		q:    newQueue[Update](),
		ch:   make(chan Update, 64),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = s
	c.mu.Unlock()

	go func() {
		defer close(s.ch)
		for {
			u, ok := s.q.pop()
			if !ok {
				return
			}
			select {
			case s.ch <- u:
			case <-s.done:
				return
			}
		}
	}()

	cancel := func() {
		c.mu.Lock()
		if cur, ok := c.subs[id]; ok && cur == s {
			delete(c.subs, id)
		}
		c.mu.Unlock()
		s.stop()
	}
	return s.ch, cancel
}

func (c *Core) run() {
	for {
		item, ok := c.inbox.pop()
		if !ok {
			return
		}
		c.dispatch(item)
	}
}

func (c *Core) dispatch(item any) {
	switch v := item.(type) {
	case CreateAccount:
		c.handleCreateAccount()
	case Login:
		c.handleLogin(v)
	case RestoreSession:
		c.handleRestoreSession()
	case Logout:
		c.handleLogout()
	case PushScreen:
		c.handlePushScreen(v)
	case PopScreen:
		c.handlePopScreen()
	case SetScreenStack:
		c.handleSetScreenStack(v)
	case CreateChat:
		c.handleCreateChat(v)
	case OpenChat:
		c.handleOpenChat(v)
	case SendMessage:
		c.handleSendMessage(v)
	case RetryMessage:
		c.handleRetryMessage(v)
	case LoadOlderMessages:
		c.handleLoadOlderMessages(v)
	case ClearToast:
		c.setToast(nil)
	case SetNetworkEnabled:
		c.netDisabled = !v.Enabled
	case Foregrounded:
		c.handleForegrounded()

	case relayEventReceived:
		c.handleRelayEvent(v.ev)
	case publishResult:
		c.handlePublishResult(v)
	case keyPackagePublished:
		c.handleKeyPackagePublished(v)
	case keyPackageRetry:
		c.publishKeyPackage(v.attempt)
	case peerKeyPackagesFetched:
		c.handlePeerKeyPackagesFetched(v)
	case subscriptionsRecomputed:
		c.handleSubscriptionsRecomputed(v)
	case backfillFetched:
		c.handleBackfillFetched(v)
	default:
		c.logger.Warn("unknown mailbox item dropped")
	}
}

// online reports whether the transport should be used. netDisabled is owned
// by the run goroutine; hosts toggle it with SetNetworkEnabled.
func (c *Core) online() bool {
	return c.client != nil && !c.netDisabled
}

// emit applies a mutation and broadcasts the resulting update under the next
// revision. Run-goroutine only.
func (c *Core) emit(mut func(*AppState), mk func(r rev) Update) {
	c.mu.Lock()
	mut(&c.state)
	c.rev++
	u := mk(rev(c.rev))
	targets := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		targets = append(targets, s)
	}
	c.mu.Unlock()

	for _, s := range targets {
		s.q.push(u)
	}
}

func (c *Core) setAuth(a AuthStatus, id string) {
	c.emit(func(s *AppState) {
		s.Auth = a
		s.Identity = id
	}, func(r rev) Update {
		return AuthChanged{rev: r, Auth: a, Identity: id}
	})
}

func (c *Core) setRouter(stack []Screen) {
	c.emit(func(s *AppState) {
		s.Router = stack
	}, func(r rev) Update {
		return RouterChanged{rev: r, Stack: append([]Screen(nil), stack...)}
	})
}

func (c *Core) setChats(chats []ChatSummary) {
	c.emit(func(s *AppState) {
		s.Chats = chats
	}, func(r rev) Update {
		return ChatListChanged{rev: r, Chats: append([]ChatSummary(nil), chats...)}
	})
}

func (c *Core) setCurrentChat(cv *ChatViewState) {
	c.emit(func(s *AppState) {
		s.CurrentChat = cv
	}, func(r rev) Update {
		return CurrentChatChanged{rev: r, Chat: cv}
	})
}

func (c *Core) setBusy(b BusyState) {
	c.emit(func(s *AppState) {
		s.Busy = b
	}, func(r rev) Update {
		return BusyChanged{rev: r, Busy: b}
	})
}

func (c *Core) setToast(t *Toast) {
	c.emit(func(s *AppState) {
		s.Toast = t
	}, func(r rev) Update {
		return ToastChanged{rev: r, Toast: t}
	})
}

func (c *Core) toast(text string, isError bool) {
	c.setToast(&Toast{Text: text, IsError: isError})
}

func (c *Core) emitFullState() {
	c.emit(func(s *AppState) {}, func(r rev) Update {
		// emit holds the state lock while mk runs.
		return FullState{rev: r, State: c.state.clone()}
	})
}
