package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/metrics"
	"github.com/snehjoshi/queuegate/internal/sandbox"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Serve a local stand-in for the backend queueing API",
	RunE:  runSandbox,
}

func runSandbox(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig((*config.Config).ValidateSandbox, os.Stdout)
	if err != nil {
		return err
	}

	opts := []sandbox.Option{sandbox.WithCustomerID(cfg.Integration.CustomerID)}
	if cfg.Metrics.Enabled {
		opts = append(opts, sandbox.WithMetrics(metrics.New()))
	}
	if cfg.Auth.Enabled {
		opts = append(opts, sandbox.WithAPIKey(cfg.Auth.APIKey))
	}
	sb, err := sandbox.New(cfg.Sandbox, opts...)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Sandbox.Host, cfg.Sandbox.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      sb.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("queuegate sandbox ready", "addr", addr, "events", len(cfg.Sandbox.Events))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()
	return waitAndShutdown(serveErr, srv.Shutdown)
}
