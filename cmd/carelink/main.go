package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"carelink.app/internal/client"
	"carelink.app/internal/config"
	"carelink.app/internal/obs"
	"carelink.app/internal/replication"
)

var version = "0.1.0"

// app holds what every subcommand shares once the root pre-run has loaded
// configuration.
type app struct {
	cfg    *config.Config
	client *client.Client
	json   bool
}

func main() {
	a := &app{}
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "carelink",
		Short:         "Offline-first referral tracking from the command line",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(configPath)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.client == nil {
				return nil
			}
			return a.client.Close()
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CARELINK_CONFIG"), "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&a.json, "json", false, "Print results as JSON")

	rootCmd.AddCommand(seedCmd(a))
	rootCmd.AddCommand(clearCmd(a))
	rootCmd.AddCommand(boardCmd(a))
	rootCmd.AddCommand(referralCmd(a))
	rootCmd.AddCommand(patientCmd(a))
	rootCmd.AddCommand(syncCmd(a))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) init(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	obs.SetLevel(cfg.LogLevel)
	// Logs go to stderr so that command output stays parseable.
	obs.Logger().SetOutput(os.Stderr)

	backend, err := client.OpenBackend(cfg.Store)
	if err != nil {
		return err
	}
	opts := client.Options{BatchSize: cfg.Sync.BatchSize, PollInterval: cfg.Sync.PollInterval}
	if cfg.Sync.Endpoint != "" {
		var copts []replication.ClientOption
		if cfg.Sync.Token != "" {
			copts = append(copts, replication.WithBearerToken(cfg.Sync.Token))
		}
		remote, err := replication.NewClient(cfg.Sync.Endpoint, copts...)
		if err != nil {
			return fmt.Errorf("sync endpoint: %w", err)
		}
		opts.Remote = remote
	}
	a.cfg = cfg
	a.client = client.New(backend, opts)
	return nil
}

// print writes v as indented JSON when --json is set, otherwise calls text.
func (a *app) print(cmd *cobra.Command, v any, text func()) error {
	if a.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
