// Package app wires the session manager and its collaborators from a
// Config for the sunga CLI.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aussiebroadwan/sunga/internal/metrics"
	"github.com/aussiebroadwan/sunga/internal/proxy"
	"github.com/aussiebroadwan/sunga/pkg/authsdk"
	"github.com/aussiebroadwan/sunga/pkg/credstore"
	"github.com/aussiebroadwan/sunga/pkg/credstore/sqlite"
	"github.com/aussiebroadwan/sunga/pkg/cryptox"
	"github.com/aussiebroadwan/sunga/pkg/httpx"
	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application holds a hydrated Manager and everything it depends on.
type Application struct {
	cfg    Config
	logger *slog.Logger

	store      credstore.Store
	closeStore func() error

	registry *prometheus.Registry
	metrics  *metrics.Collector

	Manager *authsdk.Manager
}

// New opens the credential store and restores the persisted session. A
// session that cannot be read is logged and treated as signed out. Log
// output goes to logOutput, stderr when nil.
func New(ctx context.Context, cfg Config, logOutput io.Writer) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "sunga",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
			Output:  logOutput,
		}),
		registry: prometheus.NewRegistry(),
	}

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}

	app.registry.MustRegister(collectors.NewGoCollector())
	app.metrics = metrics.NewCollector(app.registry)

	client := authsdk.NewSDKClient(cfg.APIURL, app.logger)
	client.HTTPClient.Timeout = cfg.HTTPTimeout

	app.Manager = authsdk.NewManager(client, authsdk.Config{
		Store:                          app.store,
		Logger:                         app.logger,
		Metrics:                        app.metrics,
		ExpiryLeeway:                   cfg.ExpiryLeeway,
		KeepOnboardingOnSessionInvalid: !cfg.ResetOnboarding,
	})

	if err := app.Manager.Hydrate(ctx); err != nil {
		app.logger.Warn("stored session unreadable, starting signed out", "error", err)
	}

	return app, nil
}

// initStore opens the configured credential store. A sqlite store is
// sealed when a passphrase is configured.
func (app *Application) initStore(ctx context.Context) error {
	switch app.cfg.Store {
	case StoreMemory:
		app.store = credstore.NewMemory()
		app.closeStore = func() error { return nil }
		return nil
	case StoreSQLite:
	default:
		return fmt.Errorf("unknown store %q", app.cfg.Store)
	}

	db, err := sqlite.NewStore(sqlite.FileDSN(app.cfg.DatabaseFile))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply credential store migrations: %w", err)
	}

	app.store = db
	app.closeStore = db.Close

	if app.cfg.StorePassphrase == "" {
		app.logger.Warn("no store passphrase set, credentials are stored unsealed",
			"file", app.cfg.DatabaseFile,
		)
		return nil
	}

	salt, err := db.Salt(ctx)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to read store salt: %w", err)
	}

	sealer, err := cryptox.NewSealer(app.cfg.StorePassphrase, salt)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to derive sealing key: %w", err)
	}

	app.store = credstore.NewSealed(db, sealer)
	return nil
}

// Logger returns the application logger.
func (app *Application) Logger() *slog.Logger { return app.logger }

// Proxy builds the local proxy for this application's session.
func (app *Application) Proxy() *proxy.Proxy {
	return proxy.New(proxy.Config{
		Manager: app.Manager,
		Logger:  app.logger,
		Version: BuildVersion,
		Limit: httpx.RateLimitConfig{
			RequestsPerWindow: app.cfg.ProxyRate,
			Window:            time.Second,
			Burst:             app.cfg.ProxyBurst,
		},
		Metrics:  app.metrics,
		Gatherer: app.registry,
	})
}

// Close releases the credential store.
func (app *Application) Close() error {
	if app.closeStore == nil {
		return nil
	}
	if err := app.closeStore(); err != nil {
		app.logger.Error("error closing credential store", "error", err)
		return err
	}
	return nil
}
