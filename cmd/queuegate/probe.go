package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/queuegate/internal/bus"
	"github.com/snehjoshi/queuegate/internal/config"
	"github.com/snehjoshi/queuegate/internal/gate"
	"github.com/snehjoshi/queuegate/internal/tokenstore"
	"github.com/snehjoshi/queuegate/internal/types"
	"github.com/snehjoshi/queuegate/pkg/client"
)

var (
	probeURLs    []string
	probePolls   int
	probePersist bool
	probeBackend string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Drive navigations through a state machine and print every notification",
	Long: `Probe runs one admission state machine against the configured backend,
navigates to each --url in order and prints every bus notification as a JSON
line. While queued it polls the position endpoint up to --polls times.

Exits non-zero when the final state is error.`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringArrayVar(&probeURLs, "url", nil, "page URL or path to navigate to (repeatable)")
	probeCmd.Flags().IntVar(&probePolls, "polls", 0, "position polls to run per navigation while queued")
	probeCmd.Flags().BoolVar(&probePersist, "persist", false, "use the configured token storage instead of memory")
	probeCmd.Flags().StringVar(&probeBackend, "backend", "", "override backend.url")
	_ = probeCmd.MarkFlagRequired("url")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig((*config.Config).Validate, os.Stderr)
	if err != nil {
		return err
	}
	if probeBackend != "" {
		cfg.Backend.URL = probeBackend
	}
	if !probePersist {
		cfg.Storage.Backend = config.StorageMemory
	}

	final, err := probe(cmd.Context(), cfg, probeURLs, probePolls, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if final.Status == types.StatusError {
		return fmt.Errorf("probe ended in error: %s", final.Error.Error())
	}
	return nil
}

// probe navigates to urls in order, polling up to polls times after each
// while queued, and returns the final state.
func probe(ctx context.Context, cfg *config.Config, urls []string, polls int, out io.Writer) (types.State, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	events, err := config.NewRegistry(cfg.Events)
	if err != nil {
		return types.State{}, err
	}
	store, err := tokenstore.Open(cfg)
	if err != nil {
		return types.State{}, err
	}
	defer store.Close()

	b := bus.New()
	defer b.Close()

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	b.Subscribe(func(n bus.Notification) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(n)
	})

	backend := client.New(cfg.Backend.URL,
		client.WithAPIKey(cfg.Backend.APIKey),
		client.WithTimeout(cfg.Backend.TimeoutDuration()),
		client.WithUserAgent("queuegate-probe/"+version),
	)
	// Polling is driven here, not by the timer.
	cfg.Admission.Mode = config.ModeValidate
	m := gate.New(cfg, events, backend, store, gate.WithBus(b))
	defer m.Close()

	for _, u := range urls {
		if err := m.Navigate(ctx, u); err != nil {
			return m.Snapshot(), fmt.Errorf("navigate %s: %w", u, err)
		}
		for i := 0; i < polls && m.Snapshot().Status == types.StatusQueued; i++ {
			if err := m.Poll(ctx); err != nil && !errors.Is(err, gate.ErrNotQueued) {
				return m.Snapshot(), fmt.Errorf("poll: %w", err)
			}
		}
	}
	return m.Snapshot(), nil
}
