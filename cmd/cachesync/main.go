package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cachesync/cachesync/internal/alert"
	"github.com/cachesync/cachesync/internal/cdc"
	"github.com/cachesync/cachesync/internal/config"
	"github.com/cachesync/cachesync/internal/metadata"
	"github.com/cachesync/cachesync/internal/metadata/pgcatalog"
	"github.com/cachesync/cachesync/internal/metrics"
	"github.com/cachesync/cachesync/internal/resolver"
	"github.com/cachesync/cachesync/internal/sink"
	"github.com/cachesync/cachesync/internal/storage"
)

const version = "v0.1.0"

var (
	cfgFile      string
	journalFrom  uint64
	journalLimit int
)

var rootCmd = &cobra.Command{
	Use:   "cachesync",
	Short: "cachesync - CDC driven cache eviction for PostgreSQL",
	Long:  `Streams row changes from PostgreSQL logical replication and evicts the cached entities they affect`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "cachesync.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(targetsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(dropSlotCmd)

	journalCmd.Flags().Uint64Var(&journalFrom, "from", 0, "first sequence number to print")
	journalCmd.Flags().IntVar(&journalLimit, "limit", 50, "maximum entries to print (0 for all)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cachesync %s\n", version)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start streaming changes and evicting entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger := newLogger(cfg.Log)
		defer logger.Sync()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logger.Info("starting cachesync",
			zap.String("version", version),
			zap.String("host", cfg.Database.Host),
			zap.Int("port", cfg.Database.Port),
			zap.String("database", cfg.Database.Database))

		registry, err := loadRegistry(ctx, cfg, logger)
		if err != nil {
			return err
		}

		var m *metrics.Metrics
		if cfg.Metrics.Enabled {
			m = metrics.NewMetrics(prometheus.DefaultRegisterer)
			go serveMetrics(cfg.Metrics.Addr, logger)
		}
		m.SetTargets(registry.Len())

		journal, err := storage.New(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer journal.Close()

		downstream, closeSinks, err := buildSinks(ctx, cfg, journal, logger)
		if err != nil {
			return err
		}
		defer closeSinks()

		res := resolver.New(registry, downstream, resolverOptions(cfg.Resolver, m, logger)...)

		manager := cdc.NewManager(replicationConfig(cfg), logger.Named("cdc"))
		manager.AddListener(res)
		manager.SetCheckpointer(journal)
		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook)
		manager.SetAlertManager(alerts)

		if err := manager.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize CDC manager: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start CDC manager: %w", err)
		}

		logger.Info("cachesync is running",
			zap.String("slot", cfg.Replication.SlotName),
			zap.Int("targets", registry.Len()),
			zap.Strings("sinks", cfg.Sink.Kinds))
		notify(alerts, logger, "cachesync started",
			fmt.Sprintf("Streaming slot %s from LSN %s with %d targets", cfg.Replication.SlotName, manager.GetLSN(), registry.Len()),
			"good")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", zap.Stringer("signal", sig))
		case <-manager.Done():
			runErr = manager.Err()
			logger.Error("replication stopped", zap.Error(runErr))
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := manager.Stop(shutdownCtx); err != nil {
			logger.Warn("failed to stop CDC manager", zap.Error(err))
		}

		logger.Info("cachesync stopped", zap.Stringer("lsn", manager.GetLSN()))
		if runErr == nil {
			notify(alerts, logger, "cachesync stopped",
				fmt.Sprintf("Slot %s stopped at LSN %s", cfg.Replication.SlotName, manager.GetLSN()),
				"warning")
		}
		return runErr
	},
}

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Print the eviction targets registered for each table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		registry, err := loadRegistry(cmd.Context(), cfg, zap.NewNop())
		if err != nil {
			return err
		}

		fmt.Printf("Scope: %s\n\n", cfg.Resolver.Scope)
		for _, table := range registry.Tables() {
			schema, name, _ := strings.Cut(table, ".")
			fmt.Printf("%s\n", table)
			for _, t := range registry.Targets(schema, name) {
				fmt.Printf("  - %s %s\n", t.EntityType, describeKey(t))
			}
		}
		fmt.Printf("\n%d targets on %d tables\n", registry.Len(), len(registry.Tables()))
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate entity key metadata against the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		registry, err := loadRegistry(cmd.Context(), cfg, zap.NewNop())
		if err != nil {
			return err
		}

		fmt.Printf("OK: %d targets on %d tables\n", registry.Len(), len(registry.Tables()))
		return nil
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print recorded eviction batches and the replication checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		journal, err := storage.New(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer journal.Close()

		return printJournal(cmd.OutOrStdout(), journal, journalFrom, journalLimit)
	},
}

var dropSlotCmd = &cobra.Command{
	Use:   "drop-slot",
	Short: "Drop the replication slot so the server can release retained WAL",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx := cmd.Context()
		client := cdc.NewReplicationClient(replicationConfig(cfg), nil, nil)
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close(ctx)

		if err := client.DropSlot(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Dropped replication slot %s\n", cfg.Replication.SlotName)
		return nil
	},
}

func printJournal(w io.Writer, journal *storage.Journal, from uint64, limit int) error {
	checkpoint, err := journal.Checkpoint()
	if err != nil {
		return err
	}
	last, err := journal.LastSequence()
	if err != nil {
		return err
	}
	entries, err := journal.Entries(from, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Checkpoint LSN: %s\n", pglogrepl.LSN(checkpoint))
	fmt.Fprintf(w, "Last sequence: %d\n\n", last)
	for _, e := range entries {
		refs := make([]string, len(e.Refs))
		for i, r := range e.Refs {
			refs[i] = r.EntityType + "#" + r.ID
		}
		fmt.Fprintf(w, "%d %s %s\n", e.Sequence, e.Timestamp.Format(time.RFC3339), strings.Join(refs, " "))
	}
	return nil
}

func replicationConfig(cfg *config.Config) *cdc.ReplicationConfig {
	return &cdc.ReplicationConfig{
		Host:              cfg.Database.Host,
		Port:              cfg.Database.Port,
		Database:          cfg.Database.Database,
		User:              cfg.Database.User,
		Password:          cfg.Database.Password,
		SlotName:          cfg.Replication.SlotName,
		PublicationName:   cfg.Replication.PublicationName,
		CreatePublication: cfg.Replication.CreatePublication,
		Tables:            cfg.PublicationTables(),
		Messages:          cfg.Replication.Messages,
		StandbyTimeout:    cfg.Replication.StandbyTimeout,
	}
}

func notify(alerts *alert.Manager, logger *zap.Logger, title, message, severity string) {
	if err := alerts.SendSystemAlert(title, message, severity); err != nil {
		logger.Warn("failed to send alert", zap.String("title", title), zap.Error(err))
	}
}

// loadRegistry resolves configured entities against the live catalog.
func loadRegistry(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*resolver.Registry, error) {
	catalog, err := pgcatalog.New(ctx, cfg.Database.ConnectionString(), logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer catalog.Close()

	provider := metadata.NewMapped(cfg.MetadataEntities(), catalog)
	registry, err := resolver.BuildRegistry(ctx, provider, metadata.Scope(cfg.Resolver.Scope), logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}
	return registry, nil
}

func resolverOptions(rc config.ResolverConfig, m *metrics.Metrics, logger *zap.Logger) []resolver.Option {
	opts := []resolver.Option{
		resolver.WithLogger(logger.Named("resolver")),
		resolver.WithMetrics(m),
	}
	if rc.Dedup {
		opts = append(opts, resolver.WithDedup())
	}
	if rc.AfterImage {
		opts = append(opts, resolver.WithAfterImage())
	}
	if rc.Parallelism > 1 {
		opts = append(opts, resolver.WithParallelism(rc.Parallelism, rc.ParallelThreshold))
	}
	return opts
}

// buildSinks constructs the configured sinks in order. The returned func
// releases any connections they hold.
func buildSinks(ctx context.Context, cfg *config.Config, journal *storage.Journal, logger *zap.Logger) (resolver.Sink, func(), error) {
	var sinks sink.Multi
	var closers []func() error

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close sink", zap.Error(err))
			}
		}
	}

	for _, kind := range cfg.Sink.Kinds {
		switch kind {
		case config.SinkRedis:
			rc := cfg.Sink.Redis
			client, err := sink.DialRedis(ctx, sink.RedisConfig{
				Addr:     rc.Addr,
				Password: rc.Password,
				DB:       rc.DB,
			})
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			closers = append(closers, client.Close)
			sinks = append(sinks, sink.NewRedis(client, rc.Prefix, rc.BatchSize, logger.Named("redis")))
		case config.SinkJournal:
			sinks = append(sinks, sink.NewJournal(journal, cfg.Storage.Retention, logger.Named("journal")))
		case config.SinkLog:
			sinks = append(sinks, sink.NewLog(logger.Named("sink")))
		default:
			closeAll()
			return nil, nil, fmt.Errorf("unknown sink kind: %s", kind)
		}
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return sinks, closeAll, nil
}

func describeKey(t resolver.Target) string {
	fields := t.Key.Fields()
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = fmt.Sprintf("%s@%d", f.Name, f.Position)
	}

	desc := "(" + strings.Join(parts, ", ") + ")"
	if t.Collection {
		desc += " collection"
	}
	if t.Indexed {
		desc += " indexed"
	}
	return desc
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("starting metrics server", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

func newLogger(lc config.LogConfig) *zap.Logger {
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	var zc zap.Config
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
