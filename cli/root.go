// Package cli provides the command-line interface for the graph
// mutation engine's worker process. It orchestrates configuration
// loading, wiring the queue/store/reconciler/audit/monitor
// collaborators together, running the single-consumer processing loop,
// and graceful shutdown — the same lifecycle shape as the teacher's
// server command, generalized from an HTTP+RabbitMQ+CouchDB stack down
// to this engine's queue-and-filesystem one.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/thecodizt/graphmutate/audit"
	"github.com/thecodizt/graphmutate/config"
	"github.com/thecodizt/graphmutate/logging"
	"github.com/thecodizt/graphmutate/monitor"
	"github.com/thecodizt/graphmutate/queue"
	"github.com/thecodizt/graphmutate/reconcile"
	"github.com/thecodizt/graphmutate/store"
	"github.com/thecodizt/graphmutate/version"
	"github.com/thecodizt/graphmutate/worker"
)

// cfgFile holds the path to an optional configuration file specified
// via the --config flag.
//
// Configuration File Search Order (when cfgFile is empty):
//  1. $HOME/.graphenginectl.yaml
//  2. ./.graphenginectl.yaml
//
// Configuration Precedence (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (GRAPHMUTATE_ prefix)
//  3. Configuration file values
//  4. Defaults (config.Load)
var cfgFile string

// RootCmd is the graphenginectl entry point.
var RootCmd = &cobra.Command{
	Use:   "graphenginectl",
	Short: "runs and inspects the versioned graph mutation engine's worker",
	Long: `graphenginectl drives the versioned graph mutation engine: a
single-consumer worker that applies queued create/update/delete
mutations to a paired schema/state graph per named version, persisting
live files and timestamped archive snapshots to disk.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.graphenginectl.yaml)")
	RootCmd.PersistentFlags().String("redis-url", "", "redis connection URL for the mutation queue")
	RootCmd.PersistentFlags().String("store-root", "", "filesystem root for per-version graph storage")
	RootCmd.PersistentFlags().String("audit-db-path", "", "bbolt database path for the audit log")
	RootCmd.PersistentFlags().Bool("debug", false, "enable debug-level logging")

	viper.BindPFlag("redis_url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("store_root", RootCmd.PersistentFlags().Lookup("store-root"))
	viper.BindPFlag("audit_db_path", RootCmd.PersistentFlags().Lookup("audit-db-path"))
	viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueLengthCmd)
	queueCmd.AddCommand(queueTruncateCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".graphenginectl")
	}

	viper.SetEnvPrefix("GRAPHMUTATE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig merges config.Load()'s environment-derived defaults with
// any values viper picked up from flags or a config file, flags and
// env winning over the file, the file winning over the built-in
// defaults.
func loadConfig() *config.Config {
	cfg := config.Load()
	if v := viper.GetString("redis_url"); v != "" {
		cfg.RedisURL = v
	}
	if v := viper.GetString("store_root"); v != "" {
		cfg.StoreRoot = v
	}
	if v := viper.GetString("audit_db_path"); v != "" {
		cfg.AuditDBPath = v
	}
	if viper.IsSet("debug") {
		cfg.DebugLogging = viper.GetBool("debug")
	}
	return cfg
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the single-consumer mutation worker until interrupted",
	Run:   runServe,
}

// runServe wires the engine's collaborators together and runs the
// worker loop until SIGINT/SIGTERM, following the teacher's graceful
// shutdown pattern: start the long-running loop in a goroutine, block
// on a signal channel, then cancel a context and give it a bounded
// window to wind down.
func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if err := config.ValidateConfig(cfg); err != nil {
		logging.Logger.WithError(err).Fatal("invalid configuration")
	}
	if cfg.DebugLogging {
		logging.Logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := queue.New(ctx, queue.Config{RedisURL: cfg.RedisURL, KeyPrefix: cfg.QueueKeyPrefix})
	if err != nil {
		logging.Logger.WithError(err).Fatal("failed to connect to queue backend")
	}
	defer q.Close()

	s := store.New(cfg.StoreRoot)

	var auditLog audit.Log = audit.NullLog{}
	if cfg.AuditDBPath != "" {
		boltLog, err := audit.OpenBoltLog(cfg.AuditDBPath)
		if err != nil {
			logging.Logger.WithError(err).Fatal("failed to open audit log")
		}
		defer boltLog.Close()
		auditLog = boltLog
	}

	r := reconcile.New(reconcile.Options{
		EdgeRetryAttempts: cfg.EdgeRetryCount,
		EdgeRetryBackoff:  cfg.EdgeRetryDelay,
	})
	m := monitor.New()

	w := worker.New(q, s, r, m, auditLog, worker.Config{
		TakeTimeout:     cfg.TakeTimeout,
		PoisonThreshold: cfg.PoisonThreshold,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		logging.Logger.Info("shutdown signal received, stopping worker")
		cancel()
		select {
		case <-errCh:
		case <-time.After(10 * time.Second):
			logging.Logger.Warn("worker did not stop within the shutdown window")
		}
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logging.Logger.WithError(err).Fatal("worker loop exited with an error")
		}
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build and dependency information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("graphenginectl %s (go %s)\n", info.MainVersion, info.GoVersion)
		for _, dep := range info.Dependencies {
			fmt.Printf("  %s %s\n", dep.Path, dep.Version)
		}
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "inspect or manage the mutation queue",
}

var queueLengthCmd = &cobra.Command{
	Use:   "length",
	Short: "print the number of pending items, by version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()
		q, err := queue.New(ctx, queue.Config{RedisURL: cfg.RedisURL, KeyPrefix: cfg.QueueKeyPrefix})
		if err != nil {
			logging.Logger.WithError(err).Fatal("failed to connect to queue backend")
		}
		defer q.Close()

		counts, err := q.LengthByVersion(ctx)
		if err != nil {
			logging.Logger.WithError(err).Fatal("failed to read queue length")
		}
		for v, n := range counts {
			label := v
			if label == "" {
				label = "(malformed)"
			}
			fmt.Printf("%s: %d\n", label, n)
		}
	},
}

var queueTruncateCmd = &cobra.Command{
	Use:   "truncate [version]",
	Short: "drop pending items for a version, or all versions if omitted",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := context.Background()
		q, err := queue.New(ctx, queue.Config{RedisURL: cfg.RedisURL, KeyPrefix: cfg.QueueKeyPrefix})
		if err != nil {
			logging.Logger.WithError(err).Fatal("failed to connect to queue backend")
		}
		defer q.Close()

		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		removed, err := q.Truncate(ctx, target)
		if err != nil {
			logging.Logger.WithError(err).Fatal("failed to truncate queue")
		}
		fmt.Printf("removed %d item(s)\n", removed)
	},
}
