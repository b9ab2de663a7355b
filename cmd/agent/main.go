package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Guizzs26/go-offline-sync/internal/app"
	"github.com/Guizzs26/go-offline-sync/internal/broker"
	"github.com/Guizzs26/go-offline-sync/internal/config"
	"github.com/Guizzs26/go-offline-sync/pkg/infra"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("CRITICAL: failed to start sync engine", "error", err)
		os.Exit(1)
	}

	source, err := engine.Source()
	if err != nil {
		logger.Error("CRITICAL: invalid connectivity configuration", "error", err)
		engine.Close(context.Background())
		os.Exit(1)
	}

	logger.Info("🚀 Offline sync agent started", "pid", os.Getpid(), "sync_interval", cfg.SyncInterval)

	go startObservabilityServer(cfg.MetricsPort, engine, logger)

	var wg sync.WaitGroup

	if cfg.RabbitMQURL != "" {
		bridge := broker.NewBridge(broker.DefaultBufferSize, logger)
		unsubscribe := bridge.Attach(engine.Bus)
		defer unsubscribe()

		wg.Add(2)
		go func() {
			defer wg.Done()
			bridge.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			maintainBrokerLink(ctx, cfg.RabbitMQURL, bridge, logger)
		}()
	} else {
		metrics.BridgeHealthy.Set(0)
		logger.Info("RABBITMQ_URL not set, event bridge disabled")
	}

	triggers := make(chan struct{}, 1)
	trigger := func() {
		select {
		case triggers <- struct{}{}:
		default:
		}
	}
	engine.Monitor.OnReconnect(trigger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := source.Run(ctx, engine.Monitor); err != nil {
			logger.Error("Connectivity source stopped", "error", err)
		}
	}()

	manual := make(chan os.Signal, 1)
	if len(triggerSignals) > 0 {
		signal.Notify(manual, triggerSignals...)
		defer signal.Stop(manual)
	}

	ticker := time.NewTicker(cfg.SyncInterval)
	defer ticker.Stop()

	// Drain whatever was queued before the last shutdown
	trigger()

	for {
		select {
		case <-ctx.Done():
			logger.Info("👋 Shutting down agent...")
			wg.Wait()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := engine.Close(shutdownCtx); err != nil {
				logger.Error("Failed to close engine cleanly", "error", err)
			}
			cancel()
			logger.Info("✅ Shutdown complete")
			return

		case <-ticker.C:
			trigger()

		case sig := <-manual:
			logger.Info("Manual sync requested", "signal", sig.String())
			trigger()

		case <-triggers:
			report, err := engine.Sync.SyncAll(ctx)
			if err != nil {
				logger.Error("Sync pass failed", "error", err)
				continue
			}
			if report.Attempted > 0 || report.Coalesced {
				logger.Debug("Sync pass finished",
					"synced", report.Synced,
					"retried", report.Retried,
					"failed", report.Failed,
					"conflicts", report.Conflicts,
					"coalesced", report.Coalesced,
				)
			}
		}
	}
}

// maintainBrokerLink keeps a healthy RabbitMQ client behind the bridge,
// reconnecting with jittered backoff whenever the link drops
func maintainBrokerLink(ctx context.Context, url string, bridge *broker.Bridge, logger *slog.Logger) {
	backoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	var client *broker.RabbitMQClient

	defer func() {
		bridge.SetPublisher(nil)
		if client != nil {
			client.Close()
		}
	}()

	for {
		if client == nil || !client.IsHealthy() {
			if client != nil {
				bridge.SetPublisher(nil)
				client.Close()
				client = nil
			}

			metrics.BridgeReconnections.Inc()
			newClient, err := broker.NewRabbitMQClient(url, logger)
			if err != nil {
				wait := backoff.Next()
				logger.Error("RabbitMQ link failure, retrying", "wait", wait, "error", err)

				select {
				case <-time.After(wait):
					continue
				case <-ctx.Done():
					return
				}
			}

			logger.Info("RabbitMQ link established 🚀")
			client = newClient
			backoff.Reset()
			bridge.SetPublisher(client)
		}

		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}
}

func startObservabilityServer(port string, engine *app.App, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if _, err := engine.Sync.Stats(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("QUEUE STORE UNAVAILABLE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		if engine.Monitor.IsOnline() {
			w.Write([]byte("AGENT ALIVE (online)"))
			return
		}
		w.Write([]byte("AGENT ALIVE (offline)"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
