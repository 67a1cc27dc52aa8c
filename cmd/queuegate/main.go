// Command queuegate runs the queue admission agent, the local sandbox
// backend, or a one-shot probe against a backend.
//
// Usage:
//
//	queuegate agent   [--config config.yaml]
//	queuegate sandbox [--config config.yaml]
//	queuegate probe   [--config config.yaml] --url /flash-sale [--url ...] [--polls 5]
//	queuegate version
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/queuegate/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "queuegate",
	Short:         "Client-side admission control for a Queue-it waiting room",
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "queuegate %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	rootCmd.AddCommand(agentCmd, sandboxCmd, probeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "queuegate: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the file named by --config and installs
// the JSON logger writing to logOut.
func loadConfig(validate func(*config.Config) error, logOut io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	setupLogger(logOut, cfg.Development.Debug)
	return cfg, nil
}

func setupLogger(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
}
