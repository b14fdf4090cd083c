// Command trakbridgectl is the TrakBridge operator CLI: version display,
// one-shot config validation, and a one-shot reconcile-and-exit for
// scripting against a repository without running the long-lived server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trakbridge/trakbridge/internal/config"
	"github.com/trakbridge/trakbridge/internal/eventbus"
	"github.com/trakbridge/trakbridge/internal/orchestrator"
	"github.com/trakbridge/trakbridge/internal/plugin"
	_ "github.com/trakbridge/trakbridge/internal/plugin/deepstate"
	_ "github.com/trakbridge/trakbridge/internal/plugin/garmin"
	_ "github.com/trakbridge/trakbridge/internal/plugin/traccar"
	"github.com/trakbridge/trakbridge/internal/queue"
	"github.com/trakbridge/trakbridge/internal/repository"
	"github.com/trakbridge/trakbridge/internal/repository/memory"
	"github.com/trakbridge/trakbridge/internal/repository/postgres"
	"github.com/trakbridge/trakbridge/internal/version"

	"github.com/jackc/pgx/v5/pgxpool"
)

var configFile string

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print trakbridgectl build version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			if asJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Println(info.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print version metadata as JSON")
	return cmd
}

func newValidateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the TrakBridge config file, printing the effective values",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, _ := zap.NewDevelopment()
			defer logger.Sync()

			cfg, err := config.Load(configFile, logger)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}
			fmt.Printf("config OK: %s\n", configFile)
			fmt.Printf("  queue.max_size=%d queue.batch_size=%d queue.overflow_strategy=%s\n",
				cfg.Queue.MaxSize, cfg.Queue.BatchSize, cfg.Queue.OverflowStrategy)
			fmt.Printf("  transmission.batch_timeout_ms=%d\n", cfg.Transmission.BatchTimeoutMS)
			fmt.Printf("  eviction.horizon_hours=%d\n", cfg.Eviction.HorizonHours)
			fmt.Printf("  http.listen_addr=%s\n", cfg.HTTP.ListenAddr)
			return nil
		},
	}
}

func newReconcileOnceCommand() *cobra.Command {
	var databaseURL string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile-once",
		Short: "Run a single reconciliation pass against the repository, then exit",
		Long: "Starts the core pipeline (plugin registry, queue manager, orchestrator), " +
			"runs exactly one reconciliation pass against the configured repository, " +
			"then shuts down cleanly. " +
			"Intended for CI smoke tests and operator scripting, not production operation.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, _ := zap.NewDevelopment()
			defer logger.Sync()

			cfg, err := config.Load(configFile, logger)
			if err != nil {
				return fmt.Errorf("config invalid: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if databaseURL == "" {
				databaseURL = cfg.Database.URL
			}

			var store repository.Store
			if databaseURL == "" {
				logger.Warn("no database.url configured; reconciling against an empty in-memory repository")
				store = memory.New()
			} else {
				poolCfg, err := pgxpool.ParseConfig(databaseURL)
				if err != nil {
					return fmt.Errorf("bad database url: %w", err)
				}
				pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
				if err != nil {
					return fmt.Errorf("postgres connection failed: %w", err)
				}
				defer pool.Close()
				store = postgres.New(pool)
			}

			streams, err := store.ListStreams(ctx)
			if err != nil {
				return fmt.Errorf("list streams: %w", err)
			}
			servers, err := store.ListServers(ctx)
			if err != nil {
				return fmt.Errorf("list servers: %w", err)
			}

			queues := queue.NewManager(cfg.ToQueueConfig())
			orch := orchestrator.New(ctx, plugin.Default(), queues, cfg.ToQueueConfig(), eventbus.New(nil, logger), logger)

			orch.Reconcile(orchestrator.DesiredState{Streams: streams, Servers: servers})
			orch.Shutdown()

			fmt.Printf("reconcile-once: %d stream(s), %d server(s) reconciled\n", len(streams), len(servers))
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (defaults to config file's database.url)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout for the reconcile-once pass")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:  "trakbridgectl [command]",
		Long: "Operator CLI for the TrakBridge GPS-to-CoT bridge.",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "/etc/trakbridge/config.yaml", "path to config.yaml")

	root.AddCommand(newVersionCommand())
	root.AddCommand(newValidateConfigCommand())
	root.AddCommand(newReconcileOnceCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
