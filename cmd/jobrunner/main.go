// Command jobrunner is the durable job-queue worker binary.
//
// Subcommands:
//
//	worker    poll the store, execute jobs, retry with exponential backoff
//	migrate   apply pending PostgreSQL migrations and exit
//	enqueue   insert one job
//	stats     print job counts per status
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers before
	// the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/scarson/jobrunner/internal/api"
	"github.com/scarson/jobrunner/internal/config"
	"github.com/scarson/jobrunner/internal/handlers"
	"github.com/scarson/jobrunner/internal/jobs"
	"github.com/scarson/jobrunner/internal/store"
	"github.com/scarson/jobrunner/internal/store/mongostore"
	"github.com/scarson/jobrunner/internal/worker"
	"github.com/scarson/jobrunner/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "jobrunner",
		Short: "Durable job-queue worker",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		enqueueCmd(),
		statsCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the poll loop until SIGINT or SIGTERM",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg))

	policy, err := cfg.Backoff()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool := worker.New(st, worker.Config{
		WorkerID:           workerID(cfg),
		PollInterval:       cfg.PollInterval(),
		LeaseDuration:      cfg.LeaseDuration,
		StaleCheckInterval: cfg.StaleCheckInterval,
		DefaultMaxRetries:  cfg.DefaultMaxRetries,
		Backoff:            policy,
		Metrics:            worker.NewMetrics(reg),
	})
	for _, q := range cfg.Queues() {
		pool.Register(q, handlers.Command)
	}

	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.OpsListenAddr != "" {
		srv = &http.Server{ //nolint:exhaustruct // WriteTimeout covered by short handlers
			Addr:              cfg.OpsListenAddr,
			Handler:           api.NewRouter(st, reg),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			slog.Info("ops server started", "addr", cfg.OpsListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()
	}

	slog.Info("worker started",
		"worker_id", pool.WorkerID(),
		"queues", cfg.Queues(),
		"poll_ms", cfg.WorkerPollMS,
		"backoff_base", cfg.BackoffBase,
		"default_max_retries", cfg.DefaultMaxRetries,
		"lease", cfg.LeaseDuration,
	)

	poolDone := make(chan struct{})
	go func() {
		pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
		close(poolDone)
	}()

	var runErr error
	select {
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("ops server: %w", err)
		}
		stop()
	case <-ctx.Done():
	}
	<-poolDone

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
		)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = fmt.Errorf("ops server shutdown: %w", err)
		}
	}
	slog.Info("worker stopped")
	return runErr
}

func workerID(cfg *config.Config) string {
	if cfg.WorkerID != "" {
		return cfg.WorkerID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg))

	if cfg.UsesMongo() {
		slog.Info("MongoDB store needs no migrations; indexes are created when the worker starts")
		return nil
	}

	slog.Info("running migrations")
	version, err := migrations.Up(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── enqueue ───────────────────────────────────────────────────────────────────

func enqueueCmd() *cobra.Command {
	var (
		queue      string
		payload    string
		maxRetries int
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert one pending job",
		Example: `  jobrunner enqueue --payload '{"command":"echo","args":["hi"]}'
  jobrunner enqueue --queue reports --max-retries 5 --delay 10m --payload '{"command":"./report.sh"}'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg))

			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer closeStore()

			job := jobs.New(queue, json.RawMessage(payload), time.Now().Add(delay))
			if cmd.Flags().Changed("max-retries") {
				job.MaxRetries = &maxRetries
			}
			if err := st.Insert(cmd.Context(), job); err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", jobs.DefaultQueue, "queue name")
	cmd.Flags().StringVar(&payload, "payload", "{}", "job payload as JSON")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry ceiling for this job (default: DEFAULT_MAX_RETRIES)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before the job becomes eligible")
	return cmd
}

// ── stats ─────────────────────────────────────────────────────────────────────

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg))

			st, closeStore, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer closeStore()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return err
			}
			var extra []string
			for s := range stats {
				if !s.Valid() {
					extra = append(extra, string(s))
				}
			}
			sort.Strings(extra)
			for _, s := range jobs.Statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", s, stats[s])
			}
			for _, s := range extra {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", s, stats[jobs.Status(s)])
			}
			return nil
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// openStore connects to the configured backend and returns it with a close func.
func openStore(ctx context.Context, cfg *config.Config) (jobs.Store, func(), error) {
	if cfg.UsesMongo() {
		var s *mongostore.Store
		err := withStartupRetry(ctx, "mongodb", func() error {
			client, err := mongostore.Connect(ctx, cfg.MongoDBURI)
			if err != nil {
				return err
			}
			s = mongostore.New(client, cfg.MongoDBDatabase)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Client().Disconnect(context.Background())
			return nil, nil, err
		}
		return s, func() { _ = s.Client().Disconnect(context.Background()) }, nil
	}

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.New(db), db.Close, nil
}

// newPool creates and validates a pgxpool. Sets a per-statement timeout so a
// runaway query cannot hold a connection indefinitely.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)
	poolCfg.MaxConns = cfg.DBMaxConns

	var db *pgxpool.Pool
	err = withStartupRetry(ctx, "postgres", func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		db = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// withStartupRetry retries connect up to 10 times with linear backoff to ride
// out a store that is still starting (e.g. Docker Compose startup races).
func withStartupRetry(ctx context.Context, name string, connect func() error) error {
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = connect(); err == nil {
			return nil
		}
		slog.Warn("store not ready, retrying",
			"store", name,
			"attempt", attempt,
			"error", err,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s unavailable after retries: %w", name, err)
}

// newLogger creates a slog.Logger based on the configured log level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
