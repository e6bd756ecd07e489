package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/db"
	"github.com/kimhsiao/fieldsync/internal/logging"
	syncpkg "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/connectivity"
	"github.com/kimhsiao/fieldsync/internal/sync/notify"
	"github.com/kimhsiao/fieldsync/internal/sync/remote"
)

// app holds the components every command works with.
type app struct {
	cfg     *config.Config
	db      *db.DB
	repo    *db.Repository
	store   remote.Store
	monitor *connectivity.Monitor
	engine  *syncpkg.Engine

	closers []func()
}

// openApp loads configuration, opens local storage and the remote store and
// wires the engine. The caller must Close the result.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := logging.Setup(cfg.Log.Level, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.db = database
	a.repo = db.NewRepository(database.DB)
	a.closers = append(a.closers, func() {
		a.repo.Close()
		database.Close()
	})

	store, err := openRemote(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	pinger, _ := store.(remote.Pinger)
	a.monitor = connectivity.New(pinger, cfg.Remote.PingInterval, true)

	engine, err := syncpkg.NewEngine(cfg, store, a.repo, syncpkg.WithConnectivity(a.monitor))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	return a, nil
}

// openRemote connects to Postgres, or falls back to an in-memory remote store
// when no DSN is configured.
func openRemote(ctx context.Context, cfg *config.Config) (remote.Store, error) {
	if cfg.Remote.DSN == "" {
		logging.Warn("No remote.dsn configured, using an in-memory remote store", nil)
		var opts []remote.MemoryOption
		for _, r := range cfg.Resources {
			if len(r.UniqueFields) > 0 {
				opts = append(opts, remote.WithUniqueFields(r.Name, r.UniqueFields...))
			}
		}
		return remote.NewMemoryStore(opts...), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := remote.NewPostgresStore(connectCtx, cfg.Remote.DSN, cfg.Remote.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote store: %w", err)
	}
	return store, nil
}

// notifier joins the cross-process change channel in the data directory.
func (a *app) notifier() (*notify.Watcher, error) {
	w, err := notify.NewWatcher(a.cfg.DataDir, a.cfg.InstanceID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { w.Close() })
	return w, nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	if ps, ok := a.store.(*remote.PostgresStore); ok {
		ps.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
