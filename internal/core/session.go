package core

import (
	"errors"
	"fmt"
	"os"

	"github.com/suhailsaqan/pika/internal/identity"
	"github.com/suhailsaqan/pika/internal/keystore"
	"github.com/suhailsaqan/pika/internal/lock"
	"github.com/suhailsaqan/pika/internal/session"
	"github.com/suhailsaqan/pika/internal/store"
	"go.uber.org/zap"
)

func (c *Core) handleCreateAccount() {
	if c.state.Auth != AuthLoggedOut {
		return
	}
	c.setBusy(BusyState{Auth: true})
	c.setAuth(AuthAuthenticating, "")

	keys, err := identity.Generate()
	if err != nil {
		c.authFailed(fmt.Errorf("create account: %w", err))
		return
	}
	if err := session.SaveIdentitySecret(c.baseDir, keys.PublicHex(), keys.SecretHex()); err != nil {
		c.authFailed(fmt.Errorf("persist identity: %w", err))
		return
	}
	c.openSession(keys)
	if c.state.Auth == AuthLoggedIn {
		// One-shot so the consumer can prompt for a secret backup.
		c.emit(func(*AppState) {}, func(r rev) Update {
			return AccountCreated{rev: r, Identity: keys.PublicHex(), SecretHex: keys.SecretHex()}
		})
	}
}

func (c *Core) handleLogin(a Login) {
	if c.state.Auth != AuthLoggedOut {
		return
	}
	keys, err := identity.Parse(a.SecretHex)
	if err != nil {
		c.toast("invalid secret key", true)
		return
	}
	c.setBusy(BusyState{Auth: true})
	c.setAuth(AuthAuthenticating, "")

	if err := session.SaveIdentitySecret(c.baseDir, keys.PublicHex(), keys.SecretHex()); err != nil {
		c.authFailed(fmt.Errorf("persist identity: %w", err))
		return
	}
	c.openSession(keys)
}

func (c *Core) handleRestoreSession() {
	if c.state.Auth != AuthLoggedOut {
		return
	}
	id := session.ActiveIdentity(c.baseDir)
	if id == "" {
		// Nothing to resume; stay on onboarding.
		return
	}
	if err := session.ValidateIdentityID(id); err != nil {
		c.logger.Warn("active identity file corrupt", zap.Error(err))
		_ = session.SetActiveIdentity(c.baseDir, "")
		return
	}
	secret, err := session.LoadIdentitySecret(c.baseDir, id)
	if err != nil {
		c.logger.Warn("stored session unusable", zap.String("identity", id), zap.Error(err))
		_ = session.SetActiveIdentity(c.baseDir, "")
		return
	}
	keys, err := identity.Parse(secret)
	if err != nil {
		c.logger.Warn("stored identity secret corrupt", zap.String("identity", id), zap.Error(err))
		_ = session.SetActiveIdentity(c.baseDir, "")
		return
	}
	c.setBusy(BusyState{Auth: true})
	c.setAuth(AuthAuthenticating, "")
	c.openSession(keys)
}

// openSession brings an identity fully online: lock, storage key, store,
// engine. Run-goroutine only.
func (c *Core) openSession(keys *identity.Keys) {
	id := keys.PublicHex()
	if err := session.EnsureIdentityDir(c.baseDir, id); err != nil {
		c.authFailed(fmt.Errorf("identity dir: %w", err))
		return
	}

	idLock, err := lock.Acquire(session.IdentityDir(c.baseDir, id))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			c.authFailed(fmt.Errorf("identity in use by PID %d", held.PID))
			return
		}
		c.authFailed(err)
		return
	}

	dbPath := session.DBPath(c.baseDir, id)
	storageKey, err := c.storageKey(id, dbPath)
	if err != nil {
		_ = idLock.Release()
		c.authFailed(err)
		return
	}

	db, err := store.Open(dbPath, storageKey)
	if err != nil {
		_ = idLock.Release()
		if errors.Is(err, store.ErrKeyMismatch) {
			c.authFailed(errors.New("storage key does not match this identity's data"))
			return
		}
		c.authFailed(fmt.Errorf("open store: %w", err))
		return
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		_ = idLock.Release()
		c.authFailed(fmt.Errorf("migrate store: %w", err))
		return
	}

	if err := session.SetActiveIdentity(c.baseDir, id); err != nil {
		c.logger.Warn("record active identity", zap.Error(err))
	}

	c.keys = keys
	c.db = db
	c.eng = c.newEngine(keys, db, c.logger)
	c.idLock = idLock
	c.lastOutgoing = 0
	c.refreshRoutingMap()

	c.logger.Info("session opened", zap.String("identity", id))
	c.setBusy(BusyState{})
	c.setAuth(AuthLoggedIn, id)
	c.setRouter([]Screen{{Kind: ScreenChatList}})
	c.refreshChatList()

	if c.online() {
		c.publishKeyPackage(1)
		c.recomputeSubscriptions()
		c.backfill()
	}
}

// storageKey loads or provisions the store key. A store that already exists
// on disk must find its key; a fresh identity gets a new one.
func (c *Core) storageKey(identityID, dbPath string) ([]byte, error) {
	if _, err := os.Stat(dbPath); err == nil {
		key, err := c.ks.LoadKey(identityID)
		if errors.Is(err, keystore.ErrKeyMissing) {
			return nil, errors.New("message store exists but its storage key is gone")
		}
		return key, err
	}
	return c.ks.EnsureKey(identityID)
}

func (c *Core) authFailed(err error) {
	c.logger.Error("authentication failed", zap.Error(err))
	c.setBusy(BusyState{})
	c.setAuth(AuthLoggedOut, "")
	c.toast(err.Error(), true)
}

func (c *Core) handleLogout() {
	if c.state.Auth != AuthLoggedIn {
		return
	}
	if c.client != nil {
		c.client.Unsubscribe(mainSubID)
	}
	c.retireKeyPackage()
	c.closeSession()
	if err := session.SetActiveIdentity(c.baseDir, ""); err != nil {
		c.logger.Warn("clear active identity", zap.Error(err))
	}

	c.routingToGroup = make(map[string]string)
	c.delivery = make(map[string]DeliveryState)
	c.pending = make(map[string]pendingSend)
	c.outbox = nil
	c.loaded = make(map[string]int)
	c.exhausted = make(map[string]bool)
	c.unread = make(map[string]int)
	c.deferred = nil

	c.emit(func(s *AppState) {
		*s = AppState{Router: []Screen{{Kind: ScreenOnboarding}}}
	}, func(r rev) Update {
		return FullState{rev: r, State: c.state.clone()}
	})
	c.logger.Info("logged out")
}

func (c *Core) closeSession() {
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Warn("close store", zap.Error(err))
		}
		c.db = nil
	}
	if err := c.idLock.Release(); err != nil {
		c.logger.Warn("release identity lock", zap.Error(err))
	}
	c.idLock = nil
	c.keys = nil
	c.eng = nil
}
