package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/bus/natsbridge"
	"github.com/snehjoshi/queuegate/internal/bus/webhook"
	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/gate"
	"github.com/snehjoshi/queuegate/internal/ids"
	"github.com/snehjoshi/queuegate/internal/metrics"
	"github.com/snehjoshi/queuegate/internal/tokenstore"
	transphttp "github.com/snehjoshi/queuegate/internal/transport/http"
	"github.com/snehjoshi/queuegate/pkg/client"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the admission state machine behind an HTTP and WebSocket API",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := loadConfig((*config.Config).Validate, os.Stdout)
	if err != nil {
		return err
	}

	// ── 2. Instance identity ─────────────────────────────────────────────────
	instance, err := ids.Instance(filepath.Dir(cfg.Storage.BoltPath), "")
	if err != nil {
		return fmt.Errorf("init instance id: %w", err)
	}
	slog.Info("queuegate agent starting",
		"instance", instance,
		"host", cfg.Agent.Host,
		"port", cfg.Agent.Port,
		"backend", cfg.Backend.URL,
		"mode", cfg.Admission.Mode,
		"storage", cfg.Storage.Backend,
	)

	// ── 3. Metrics, registry, token store, backend client ────────────────────
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}
	events, err := config.NewRegistry(cfg.Events)
	if err != nil {
		return fmt.Errorf("init event registry: %w", err)
	}
	store, err := tokenstore.Open(cfg)
	if err != nil {
		return fmt.Errorf("init token store: %w", err)
	}
	defer store.Close()

	backend := client.New(cfg.Backend.URL,
		client.WithAPIKey(cfg.Backend.APIKey),
		client.WithTimeout(cfg.Backend.TimeoutDuration()),
		client.WithUserAgent("queuegate-agent/"+version),
	)
	slog.Debug("admission client ready", "base_url", backend.BaseURL())

	// ── 4. Bus, optional NATS bridge and webhook ─────────────────────────────
	b := bus.New()
	defer b.Close()
	if cfg.NATS.URL != "" {
		br, err := natsbridge.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, b)
		if err != nil {
			return err
		}
		defer br.Close()
	}
	if cfg.Webhook.URL != "" {
		fw := webhook.Attach(cfg.Webhook.URL, b, webhook.Options{Secret: cfg.Webhook.Secret})
		defer fw.Close()
	}

	// ── 5. State machine ─────────────────────────────────────────────────────
	m := gate.New(cfg, events, backend, store,
		gate.WithBus(b),
		gate.WithMetrics(reg),
		gate.WithNavigator(gate.NavigatorFunc(func(url string) {
			slog.Info("hard navigation requested", "url", url)
		})),
	)
	defer m.Close()

	// ── 6. HTTP / WebSocket transport ────────────────────────────────────────
	srv := transphttp.New(m, cfg, reg)
	addr := fmt.Sprintf("%s:%d", cfg.Agent.Host, cfg.Agent.Port)
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("queuegate agent ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	if reg != nil {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, reg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	return waitAndShutdown(serveErr, srv.Shutdown)
}

// waitAndShutdown blocks until SIGINT/SIGTERM or a serve error, then gives
// in-flight requests five seconds to finish.
func waitAndShutdown(serveErr <-chan error, shutdown func(context.Context) error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	slog.Info("queuegate stopped")
	return nil
}
