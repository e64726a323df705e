package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"harvestd/config"
	"harvestd/dashboard"
	"harvestd/fetch"
	"harvestd/logging"
	"harvestd/models"
	"harvestd/proxypool"
	"harvestd/queue"
	"harvestd/scheduler"
	"harvestd/scraper"
	"harvestd/services"
	"harvestd/storage"
	"harvestd/telemetry"
	"harvestd/tracking"
	"harvestd/workers"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg       *config.Config
	store     storage.DomainStore
	ops       *storage.SQLiteStore
	tasks     queue.Queue
	proxies   *proxypool.Pool
	checker   *proxypool.Checker
	health    *workers.ProxyHealthWorker
	tracker   *scraper.Tracker
	tracking  *tracking.Queue
	scheduler *scheduler.Scheduler
	pool      *workers.Pool
	closers   []func()
}

func main() {
	var cfg *config.Config
	var logCloser io.Closer

	root := &cobra.Command{
		Use:           "harvestd",
		Short:         "Scheduled listing harvester with proxy pool, staging and auction tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logCloser, err = logging.Setup(cfg.LogLevel, cfg.LogDir)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				_ = logCloser.Close()
			}
		},
	}

	root.AddCommand(
		serveCmd(&cfg),
		runSourceCmd(&cfg),
		trackCmd(&cfg),
		retryCmd(&cfg),
		proxyCmd(&cfg),
		dashCmd(&cfg),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("harvestd failed")
		os.Exit(1)
	}
}

func serveCmd(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, worker pool, proxy health worker and ops server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.scheduler.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer a.scheduler.Stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.pool.Run(ctx) })
			g.Go(func() error {
				a.health.Run(ctx)
				return nil
			})
			g.Go(func() error {
				return telemetry.NewServer(a.cfg.OpsAddr, a.scheduler).ListenAndServe(ctx)
			})

			log.Info().Msg("Daemon running. Press Ctrl+C to stop.")
			err = g.Wait()
			log.Info().Msg("Shutting down")
			return err
		},
	}
}

func runSourceCmd(cfg **config.Config) *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "run-source <key>",
		Short: "Run one source now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return sendCommand(*cfg, models.CmdRunSource, models.CommandParams{SourceKey: args[0]})
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			runID, err := a.scheduler.RunSource(ctx, args[0])
			if err != nil {
				return err
			}
			a.drain(ctx)

			run, err := a.store.GetRun(ctx, runID)
			if err != nil || run == nil {
				return fmt.Errorf("load run %d: %w", runID, err)
			}
			fmt.Printf("run %d: %s (pages %d/%d, found %d, staged %d, merged %d)\n",
				run.ID, run.Status, run.PagesDone, run.PagesPlanned, run.ItemsFound, run.ItemsStaged, run.ItemsMerged)
			if run.ErrorSummary != nil {
				fmt.Printf("  %s: %s\n", derefOutcome(run.ErrorKind), *run.ErrorSummary)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "queue the run on the running daemon instead of running it here")
	return cmd
}

func trackCmd(cfg **config.Config) *cobra.Command {
	var sourceKey string
	cmd := &cobra.Command{
		Use:   "track <url>",
		Short: "Add a URL to the tracking queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			t, err := a.tracking.CreateJob(ctx, args[0], sourceKey)
			if err != nil {
				return err
			}
			fmt.Printf("tracking %d: %s (%s)\n", t.ID, t.TargetURL, t.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceKey, "source", "", "source key whose settings apply to the URL")
	return cmd
}

func retryCmd(cfg **config.Config) *cobra.Command {
	var resetAttempts, daemon bool
	cmd := &cobra.Command{
		Use:   "retry <tracking-id>",
		Short: "Re-check a tracking row now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid tracking id %q", args[0])
			}
			if daemon {
				return sendCommand(*cfg, models.CmdRetryTracking, models.CommandParams{TrackingID: id, ResetAttempts: resetAttempts})
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.tracking.Retry(ctx, id, resetAttempts); err != nil {
				return err
			}
			a.drain(ctx)

			t, err := a.store.GetTracking(ctx, id)
			if err != nil || t == nil {
				return fmt.Errorf("load tracking %d: %w", id, err)
			}
			fmt.Printf("tracking %d: %s (attempts %d)\n", t.ID, t.Status, t.Attempts)
			if t.LastError != nil {
				fmt.Printf("  %s\n", *t.LastError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetAttempts, "reset-attempts", false, "reset the attempt counter before retrying")
	cmd.Flags().BoolVar(&daemon, "daemon", false, "ask the running daemon to retry instead of checking here")
	return cmd
}

func proxyCmd(cfg **config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Manage the proxy pool",
	}

	var label, username, password string
	var weight, maxConcurrency int
	add := &cobra.Command{
		Use:   "add <scheme://host:port>",
		Short: "Add a proxy endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			px, err := parseEndpoint(args[0])
			if err != nil {
				return err
			}
			px.Label = label
			px.Username = username
			px.Weight = weight
			px.MaxConcurrency = maxConcurrency
			px.Enabled = true

			ctx := cmd.Context()
			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			id, err := a.proxies.Add(ctx, px, password)
			if err != nil {
				return err
			}
			fmt.Printf("proxy %d added\n", id)
			return nil
		},
	}
	add.Flags().StringVar(&label, "label", "", "display label")
	add.Flags().StringVar(&username, "username", "", "proxy username")
	add.Flags().StringVar(&password, "password", "", "proxy password, stored encrypted")
	add.Flags().IntVar(&weight, "weight", 1, "selection weight")
	add.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "advisory concurrency limit")

	var banMinutes int
	ban := &cobra.Command{
		Use:   "ban <id>",
		Short: "Ban a proxy for a duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid proxy id %q", args[0])
			}
			return sendCommand(*cfg, models.CmdBanProxy, models.CommandParams{ProxyID: id, BanMinutes: banMinutes})
		},
	}
	ban.Flags().IntVar(&banMinutes, "minutes", 60, "ban duration in minutes")

	unban := &cobra.Command{
		Use:   "unban <id>",
		Short: "Lift a proxy ban and cooldown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid proxy id %q", args[0])
			}
			return sendCommand(*cfg, models.CmdUnbanProxy, models.CommandParams{ProxyID: id})
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Check every enabled proxy's egress now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, *cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ok, failed, err := a.checker.CheckAll(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d ok, %d failed\n", ok, failed)
			return nil
		},
	}

	keygen := &cobra.Command{
		Use:   "keygen <id>",
		Short: "Print a new credential key entry for PROXY_SECRET_KEYS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := proxypool.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("%s:%s\n", args[0], key)
			return nil
		},
	}

	cmd.AddCommand(add, ban, unban, check, keygen)
	return cmd
}

func dashCmd(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Open the terminal dashboard for a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			if c.DatabaseURL == "" {
				return fmt.Errorf("dash needs DATABASE_URL to read the daemon's state")
			}
			pg, err := storage.NewPostgresStore(cmd.Context(), c.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to postgres: %w", err)
			}
			defer pg.Close()
			ops, err := storage.NewSQLiteStore(c.OpsDBPath)
			if err != nil {
				return fmt.Errorf("open ops database: %w", err)
			}
			defer ops.Close()

			_, err = tea.NewProgram(dashboard.New(pg, ops), tea.WithAltScreen()).Run()
			return err
		},
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.store = pg
		log.Info().Msg("Connected to Postgres")
	} else {
		a.store = storage.NewMemoryStore()
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}

	ops, err := storage.NewSQLiteStore(cfg.OpsDBPath)
	if err != nil {
		return nil, fmt.Errorf("open ops database: %w", err)
	}
	a.ops = ops
	a.closers = append(a.closers, func() { _ = ops.Close() })

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.tasks = queue.NewRedisQueue(client, "harvestd", 0)
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using Redis task queue")
	} else {
		a.tasks = queue.NewMemoryQueue()
	}

	if err := seedSources(ctx, a.store, cfg.SourcesDir); err != nil {
		return nil, err
	}

	var cipher *proxypool.Cipher
	if cfg.Proxy.SecretKeys != "" {
		cipher, err = proxypool.NewCipher(cfg.Proxy.SecretKeys, cfg.Proxy.SecretPrimary)
		if err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("PROXY_SECRET_KEYS not set, proxy credentials cannot be stored or used")
	}
	a.proxies = proxypool.New(a.store, cipher)
	a.checker = proxypool.NewChecker(a.proxies, cfg.Proxy.IPLookupURL, cfg.Proxy.CheckTimeout)
	a.health = workers.NewProxyHealthWorker(a.checker, cfg.Proxy.CheckInterval)

	httpFetcher := fetch.NewHTTPFetcher(cfg.Workers.UserAgent)
	a.closers = append(a.closers, httpFetcher.CloseIdleConnections)
	renderer := fetch.NewRenderFetcher(cfg.Workers.UserAgent)
	a.closers = append(a.closers, renderer.Close)

	runLogger := workers.NewRunLogger(ops)
	staging := services.NewStagingService(a.store)

	a.tracking = tracking.New(a.store, a.tasks, a.proxies, staging, httpFetcher,
		tracking.WithLogger(runLogger), tracking.WithRenderer(renderer))
	a.scheduler = scheduler.New(scheduler.Config{
		SourceCron:    cfg.Scheduler.SourceCron,
		TrackingCron:  cfg.Scheduler.TrackingCron,
		TrackingBatch: cfg.Scheduler.TrackingBatch,
		DispatchLease: cfg.Scheduler.DispatchLease,
	}, a.store, a.tasks, a.tracking)
	a.scheduler.SetOps(ops)
	a.scheduler.SetProxyControls(a.proxies, a.health)

	opts := []scraper.TrackerOption{
		scraper.WithRenderer(renderer),
		scraper.WithRunLogger(runLogger),
		scraper.WithFinishHook(a.scheduler.RunFinished),
		scraper.WithFetchCache(cfg.Workers.CacheEntries, cfg.Workers.CacheTTL),
	}
	if cfg.S3.Enabled() {
		uploader, err := storage.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		opts = append(opts, scraper.WithArtifacts(uploader))
		log.Info().Str("bucket", cfg.S3.Bucket).Msg("Debug artifacts go to S3")
	}
	a.tracker = scraper.NewTracker(a.store, a.proxies, staging, httpFetcher, opts...)
	a.pool = workers.NewPool(a.tasks, a.tracker, a.tracking, cfg.Workers.Concurrency)

	ok = true
	return a, nil
}

// drain handles queued tasks in this process until the queue is empty.
func (a *app) drain(ctx context.Context) {
	for {
		task, err := a.tasks.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Dequeue failed")
			return
		}
		if task == nil {
			return
		}
		a.pool.Handle(ctx, task)
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// seedSources writes the YAML source definitions into the store. Only
// configuration columns are touched; runtime state survives restarts.
func seedSources(ctx context.Context, store storage.DomainStore, dir string) error {
	sources, err := config.LoadSources(dir)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	for _, src := range sources {
		if _, err := store.UpsertSourceConfig(ctx, src); err != nil {
			return fmt.Errorf("seed source %s: %w", src.Key, err)
		}
	}
	log.Info().Int("count", len(sources)).Str("dir", dir).Msg("Loaded source configs")
	return nil
}

// sendCommand queues an operator command for the running daemon.
func sendCommand(cfg *config.Config, cmd models.CommandType, params models.CommandParams) error {
	ops, err := storage.NewSQLiteStore(cfg.OpsDBPath)
	if err != nil {
		return fmt.Errorf("open ops database: %w", err)
	}
	defer ops.Close()

	id, err := ops.EnqueueCommand(cmd, params)
	if err != nil {
		return err
	}
	fmt.Printf("command %d (%s) queued\n", id, cmd)
	return nil
}

func parseEndpoint(raw string) (*models.ProxyEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("proxy %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("proxy %q: want scheme://host:port", raw)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return nil, fmt.Errorf("proxy %q: port is required", raw)
	}
	return &models.ProxyEndpoint{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

func derefOutcome(o *models.Outcome) string {
	if o == nil {
		return "error"
	}
	return string(*o)
}
