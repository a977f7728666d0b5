// Package daemon composes the application core and its collaborators into a
// runnable process.
package daemon

import (
	"context"
	"path/filepath"

	"github.com/suhailsaqan/pika/internal/config"
	"github.com/suhailsaqan/pika/internal/core"
	"github.com/suhailsaqan/pika/internal/keystore"
	"github.com/suhailsaqan/pika/internal/logging"
	"github.com/suhailsaqan/pika/internal/relay"
	"github.com/suhailsaqan/pika/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved runtime configuration passed to the fx module.
type Params struct {
	BaseDir string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideRelay,
			provideKeystore,
			provideCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	return config.Load(filepath.Join(p.BaseDir, "config.toml"))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.BaseDir))
}

// provideRelay returns the transport client. The in-process hub keeps the
// daemon self-contained; a networked relay client slots in behind the same
// interface.
func provideRelay(cfg *config.Config) relay.Client {
	if cfg.NetworkDisabled {
		return nil
	}
	return relay.NewLocal().Connect()
}

func provideKeystore(p Params) keystore.Keystore {
	return keystore.NewFile(session.KeystoreDir(p.BaseDir))
}

func provideCore(p Params, cfg *config.Config, client relay.Client, ks keystore.Keystore, logger *zap.Logger) *core.Core {
	return core.New(core.Options{
		BaseDir:  p.BaseDir,
		Config:   cfg,
		Relay:    client,
		Keystore: ks,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, c *core.Core, logger *zap.Logger) {
	var cancelUpdates func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			c.Start(context.Background())

			updates, cancel := c.Subscribe()
			cancelUpdates = cancel
			go func() {
				for u := range updates {
					logger.Debug("state update", zap.Uint64("rev", u.Rev()))
				}
			}()

			c.Submit(core.RestoreSession{})
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancelUpdates != nil {
				cancelUpdates()
			}
			c.Stop()
			logger.Info("daemon stopped")
			return nil
		},
	})
}
