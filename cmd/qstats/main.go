// Package main provides the qstats CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/qstats/pkg/audit"
	"github.com/orneryd/qstats/pkg/cache"
	"github.com/orneryd/qstats/pkg/config"
	"github.com/orneryd/qstats/pkg/engine"
	"github.com/orneryd/qstats/pkg/fingerprint"
	"github.com/orneryd/qstats/pkg/logging"
	"github.com/orneryd/qstats/pkg/minidump"
	"github.com/orneryd/qstats/pkg/pool"
	"github.com/orneryd/qstats/pkg/server"
	"github.com/orneryd/qstats/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "qstats",
		Short: "qstats - query fingerprint statistics and statement deadlines",
		Long: `qstats collects per-fingerprint execution statistics for SQL statements
and enforces per-statement deadlines.

Features:
  • Literal-insensitive query fingerprints
  • Optional per-client breakdown from /* "client_id": "..." */ comments
  • Bounded lock-light stats table with reset and dump
  • Statement timers with safe reuse across statements
  • Snapshot history in BadgerDB and Prometheus metrics`,
		SilenceUsage: true,
	}

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qstats v%s (%s)\n", version, commit)
		},
	})

	// Serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the introspection server",
		Long:  "Start the HTTP introspection API and the snapshot loop",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "qstats.yaml", "Config file (missing file uses defaults and QSTATS_* variables)")
	serveCmd.Flags().Int("http-port", 0, "HTTP API port (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Snapshot data directory (overrides config)")
	serveCmd.Flags().String("replay", "", "Statement log to run through the served engine after startup")
	serveCmd.Flags().Int("replay-workers", 4, "Concurrent sessions for --replay")
	rootCmd.AddCommand(serveCmd)

	// Init command
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	// Fingerprint command
	fpCmd := &cobra.Command{
		Use:   "fingerprint [query]",
		Short: "Print the fingerprint, client tag and key hash of a query",
		Args:  cobra.ExactArgs(1),
		RunE:  runFingerprint,
	}
	fpCmd.Flags().Int("level", int(cache.LevelFingerprint), "Stats level used to build the key (1 or 2)")
	fpCmd.Flags().Int("max-length", fingerprint.DefaultMaxLength, "Maximum fingerprint length")
	rootCmd.AddCommand(fpCmd)

	// Replay command
	replayCmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Replay a statement log and print the stats table",
		Long: `Read one statement per line and run each through an in-process engine.

Lines starting with -- are comments. A "-- sleep=<duration>" comment makes
the next statement take that long, so --timeout can abort it.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runReplay,
	}
	replayCmd.Flags().Int("workers", 4, "Concurrent sessions")
	replayCmd.Flags().Int("level", int(cache.LevelFingerprint), "Stats level (1 or 2)")
	replayCmd.Flags().Int("max-entries", cache.DefaultMaxEntries, "Maximum tracked keys")
	replayCmd.Flags().Duration("timeout", 0, "Per-statement timeout (0 disables)")
	replayCmd.Flags().Bool("json", false, "Print rows as JSON")
	rootCmd.AddCommand(replayCmd)

	// Audit command
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent admin actions from the audit log",
		RunE:  runAudit,
	}
	auditCmd.Flags().String("config", "qstats.yaml", "Config file")
	auditCmd.Flags().Duration("since", 24*time.Hour, "How far back to look (0 for everything)")
	auditCmd.Flags().Int("limit", 50, "Maximum events to print")
	auditCmd.Flags().Bool("failures", false, "Only show failed or denied actions")
	rootCmd.AddCommand(auditCmd)

	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	httpPort, _ := cmd.Flags().GetInt("http-port")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	replayPath, _ := cmd.Flags().GetString("replay")
	replayWorkers, _ := cmd.Flags().GetInt("replay-workers")

	cfg, err := config.LoadFromEnvOrFile(configPath)
	if err != nil {
		return err
	}
	if httpPort > 0 {
		cfg.Server.Port = httpPort
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer logging.Close()

	minidump.Configure(cfg.Dump.Dir)
	pool.Configure(cfg.PoolOptions())
	cfg.Memory.ApplyRuntimeMemory()
	if err := cfg.ApplyTracking(); err != nil {
		return err
	}

	log.Info().Str("version", version).Str("commit", commit).Msg("starting qstats")
	log.Debug().Msg(cfg.String())

	eng := engine.Init(cfg.EngineConfig())
	defer engine.Shutdown()

	var store *storage.Store
	if cfg.Storage.Enabled {
		store, err = storage.Open(storage.StoreOptions{
			DataDir:    cfg.Storage.DataDir,
			InMemory:   cfg.Storage.InMemory,
			SyncWrites: cfg.Storage.SyncWrites,
			Logger:     logging.NewBadgerLogger(log.Logger),
		})
		if err != nil {
			return fmt.Errorf("opening snapshot storage: %w", err)
		}
		defer store.Close()
		log.Info().Str("data_dir", cfg.Storage.DataDir).Dur("interval", cfg.Storage.SnapshotInterval).Msg("snapshot storage ready")
	}

	auditLogger, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLogger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Enabled {
		srvCfg := server.DefaultConfig()
		srvCfg.Address = cfg.Server.Address
		srvCfg.Port = cfg.Server.Port
		srvCfg.AdminTokenHash = cfg.Server.AdminTokenHash
		srvCfg.ReadTimeout = cfg.Server.ReadTimeout
		srvCfg.WriteTimeout = cfg.Server.WriteTimeout

		var snapshots server.SnapshotStore
		if store != nil {
			snapshots = store
		}
		httpServer, err := server.New(eng, snapshots, srvCfg)
		if err != nil {
			return fmt.Errorf("creating server: %w", err)
		}
		httpServer.SetAuditLogger(auditLogger)
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("starting server: %w", err)
		}
		log.Info().Msgf("query statistics at http://%s/query_statistics", cfg.Server.Addr())

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				return fmt.Errorf("stopping server: %w", err)
			}
			return nil
		})
	}

	if store != nil {
		g.Go(func() error {
			return snapshotLoop(gctx, eng.Cache(), store, cfg.Storage.SnapshotInterval, cfg.Storage.Retention)
		})
	}

	if replayPath != "" {
		g.Go(func() error {
			serveReplay(gctx, eng, replayPath, replayWorkers)
			return nil
		})
	}

	<-gctx.Done()
	log.Info().Msg("shutting down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("stopped gracefully")
	return nil
}

// serveReplay feeds a statement log into the served engine. Failures are
// logged; the server keeps running.
func serveReplay(ctx context.Context, eng *engine.Engine, path string, workers int) {
	f, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("opening replay log")
		return
	}
	defer f.Close()

	start := time.Now()
	timeouts, err := replayInto(ctx, eng, f, workers, 0)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("file", path).Msg("replay failed")
		return
	}
	log.Info().
		Str("file", path).
		Int("timeouts", timeouts).
		Int("keys", eng.Cache().Len()).
		Dur("elapsed", time.Since(start)).
		Msg("replay finished")
}

// snapshotLoop persists the stats table every interval and once more on
// shutdown.
func snapshotLoop(ctx context.Context, c *cache.Cache, store *storage.Store, interval, retention time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// final snapshot must not inherit the cancelled context
			saveSnapshot(context.Background(), c, store, retention)
			return nil
		case <-ticker.C:
			saveSnapshot(ctx, c, store, retention)
		}
	}
}

func saveSnapshot(ctx context.Context, c *cache.Cache, store *storage.Store, retention time.Duration) {
	rows, err := c.Rows()
	if err != nil {
		// a concurrent dump holds the gate; try again next tick
		log.Warn().Err(err).Msg("skipping snapshot")
		return
	}

	now := time.Now()
	info, err := store.SaveSnapshot(ctx, now, rows)
	if err != nil {
		log.Error().Err(err).Msg("saving snapshot")
		return
	}
	log.Debug().Int("rows", info.Rows).Uint64("executions", info.Executions).Msg("snapshot saved")

	if retention > 0 {
		removed, err := store.Prune(now.Add(-retention))
		if err != nil {
			log.Error().Err(err).Msg("pruning snapshots")
			return
		}
		if removed > 0 {
			log.Info().Int("removed", removed).Msg("pruned old snapshots")
			if err := store.RunGC(); err != nil {
				log.Warn().Err(err).Msg("value log gc")
			}
		}
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	path := "qstats.yaml"
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if err := config.Default().WriteFile(path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ Wrote default configuration to %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  1. Start the server:  qstats serve --config %s\n", path)
	fmt.Fprintln(out, "  2. Read the stats:    curl http://127.0.0.1:7480/query_statistics")
	return nil
}

func runFingerprint(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetInt("level")
	maxLen, _ := cmd.Flags().GetInt("max-length")

	l := cache.Level(level)
	if l != cache.LevelFingerprint && l != cache.LevelClient {
		return fmt.Errorf("level must be %d or %d", cache.LevelFingerprint, cache.LevelClient)
	}

	fp, tag := fingerprint.Canonicalize([]byte(args[0]), maxLen)
	key := fp
	if l == cache.LevelClient && len(tag) > 0 {
		key = append(append(key, fingerprint.KeyDelimiter), tag...)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "kind:        %s\n", fingerprint.Classify(args[0]))
	fmt.Fprintf(out, "fingerprint: %s\n", fp)
	fmt.Fprintf(out, "client_id:   %s\n", tag)
	fmt.Fprintf(out, "hash:        %d\n", xxhash.Sum64(key))
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")
	failures, _ := cmd.Flags().GetBool("failures")

	cfg, err := config.LoadFromEnvOrFile(configPath)
	if err != nil {
		return err
	}

	q := audit.Query{Limit: limit}
	if since > 0 {
		q.StartTime = time.Now().Add(-since)
	}
	if failures {
		success := false
		q.Success = &success
	}

	res, err := audit.NewReader(cfg.Audit.LogPath).Query(q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range res.Events {
		status := "ok"
		if !e.Success {
			status = "denied"
			if e.Reason != "" {
				status = e.Reason
			}
		}
		fmt.Fprintf(out, "%s  %-14s %-16s %s\n", e.Timestamp.Local().Format(time.DateTime), e.Type, e.IPAddress, status)
	}
	if res.HasMore {
		fmt.Fprintf(out, "(%d older events not shown)\n", res.TotalCount-len(res.Events))
	}
	return nil
}
