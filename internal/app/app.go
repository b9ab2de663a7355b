// Package app assembles the engine from configuration. Both binaries build
// the same graph so the CLI and the agent always agree on storage, vault
// and remote settings.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/internal/connectivity"
	"github.com/Guizzs26/go-offline-sync/internal/events"
	"github.com/Guizzs26/go-offline-sync/internal/remote"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/store"
	"github.com/Guizzs26/go-offline-sync/internal/vault"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
)

const (
	RemotePostgres = "postgres"
	RemoteMongo    = "mongo"

	ModeProbe  = "probe"
	ModeNotify = "notify"
)

type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Bus          *events.Bus
	Store        store.Store
	StoreBackend string
	Vault        vault.Strategy
	Remote       remote.Collaborator
	Monitor      *connectivity.Monitor
	Scheduler    *service.TimerScheduler
	Sync         *service.SyncService
}

// New wires every component. The remote is dialed lazily, on the first
// sync, so a missing network never prevents queueing.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	v, err := vault.Select(vault.Options{
		Strategy:   cfg.VaultStrategy,
		Service:    cfg.VaultService,
		Salt:       cfg.VaultSalt,
		Iterations: cfg.VaultIterations,
	}, logger)
	if err != nil {
		return nil, err
	}

	st, backend, err := store.Open(ctx, store.Options{
		Backend:    cfg.StoreBackend,
		SQLitePath: cfg.SQLitePath,
		DataDir:    cfg.DataDir,
		RedisURL:   cfg.RedisURL,
		KeyPrefix:  cfg.QueueKey,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	st = store.WithPayloadEraser(st, v, logger)

	dial, err := Dialer(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	collaborator := remote.NewLazy(dial)
	bus := events.NewBus(logger)
	monitor := connectivity.NewMonitor(false, bus, cfg.ReconnectDebounce, logger)
	scheduler := service.NewTimerScheduler()

	svc := service.NewSyncService(st, v, collaborator, monitor, bus, logger, service.Options{
		Policy: infra.RetryPolicy{
			Base:        cfg.BackoffBase,
			Cap:         cfg.BackoffCap,
			MaxAttempts: cfg.MaxAttempts,
		},
		MaxItemBytes: cfg.MaxItemBytes,
		Scheduler:    scheduler,
	})

	logger.Info("Offline sync engine ready",
		"store", backend,
		"vault", v.Name(),
		"remote", cfg.RemoteBackend,
		"connectivity", cfg.ConnectivityMode,
	)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Bus:          bus,
		Store:        st,
		StoreBackend: backend,
		Vault:        v,
		Remote:       collaborator,
		Monitor:      monitor,
		Scheduler:    scheduler,
		Sync:         svc,
	}, nil
}

// Dialer returns the connector for the configured remote backend
func Dialer(cfg *config.Config, logger *slog.Logger) (remote.Dialer, error) {
	switch cfg.RemoteBackend {
	case RemotePostgres:
		return func(ctx context.Context) (remote.Collaborator, error) {
			pg, err := remote.NewPostgresCollaborator(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return nil, err
			}
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close(ctx)
				return nil, err
			}
			return pg, nil
		}, nil
	case RemoteMongo, "mongodb":
		return func(ctx context.Context) (remote.Collaborator, error) {
			return remote.NewMongoCollaborator(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}
}

// Source returns the configured connectivity source
func (a *App) Source() (connectivity.Source, error) {
	switch a.Config.ConnectivityMode {
	case ModeProbe, "":
		return connectivity.NewProber(a.Config.ReachabilityURL, a.Config.ProbeInterval, a.Config.ProbeTimeout, a.Logger), nil
	case ModeNotify:
		return connectivity.NewStateFileWatcher(a.Config.StateFile, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown connectivity mode %q", a.Config.ConnectivityMode)
	}
}

// Refresh takes one connectivity reading without starting a watch loop
func (a *App) Refresh(ctx context.Context) error {
	src, err := a.Source()
	if err != nil {
		return err
	}
	switch s := src.(type) {
	case *connectivity.Prober:
		a.Monitor.Set(s.Check(ctx))
	case *connectivity.StateFileWatcher:
		if online, ok := s.Read(); ok {
			a.Monitor.Set(online)
		}
	}
	return nil
}

// Close releases every resource in reverse construction order
func (a *App) Close(ctx context.Context) error {
	a.Monitor.Stop()
	a.Scheduler.Stop()
	a.Sync.Close()
	return errors.Join(a.Remote.Close(ctx), a.Store.Close())
}
