package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"bypassd/internal/api"
	"bypassd/internal/auth"
	"bypassd/internal/clock"
	"bypassd/internal/config"
	"bypassd/internal/db"
	"bypassd/internal/directory"
	"bypassd/internal/jobs"
	"bypassd/internal/metrics"
	"bypassd/internal/model"
	"bypassd/internal/notify"
	"bypassd/internal/policy"
	"bypassd/internal/pubsub"
	"bypassd/internal/scheduler"
	"bypassd/internal/schema"
	"bypassd/internal/service"
	"bypassd/internal/store"
	"bypassd/internal/ws"
)

func main() {
	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config (default $BYPASSD_CONFIG)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch cmd {
	case "serve":
	case "migrate":
		if err := runMigrate(cfg, fs.Arg(0)); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		return
	default:
		log.Fatalf("Unknown command: %s (use 'serve' or 'migrate')", cmd)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func newLogger(c config.Log) (*zap.Logger, error) {
	if c.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// backends are the stores chosen by configuration
type backends struct {
	store  store.WorkflowStore
	dir    directory.Directory
	rdb    *redis.Client
	health []func(ctx context.Context) error
	close  []func()
}

func (b *backends) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
}

func (b *backends) Health(ctx context.Context) error {
	var errs []error
	for _, check := range b.health {
		errs = append(errs, check(ctx))
	}
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backends, error) {
	b := &backends{}
	if cfg.Database.URL != "" {
		pool, err := db.NewPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		b.close = append(b.close, pool.Close)
		b.health = append(b.health, pool.Ping)
		b.store = db.NewWorkflowStore(pool)
		b.dir = db.NewDirectory(pool)
	} else {
		logger.Warn("No database configured, workflows are kept in memory")
		b.store = store.NewMemory()
		b.dir = directory.NewStatic(cfg.Identity.Staff...)
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			b.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.rdb = rdb
		b.close = append(b.close, func() { rdb.Close() })
		b.health = append(b.health, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	return b, nil
}

func newSink(cfg config.Config, logger *zap.Logger) notify.Sink {
	router := notify.NewRouter()
	for _, ch := range []model.Channel{model.ChannelEmail, model.ChannelSMS, model.ChannelPush, model.ChannelChat} {
		router.Handle(ch, notify.NewLogSink(ch, logger))
	}
	if cfg.Notification.Webhook.URL != "" {
		router.Handle(model.ChannelWebhook,
			notify.NewWebhookSink(cfg.Notification.Webhook.URL, cfg.Notification.Webhook.Secret, cfg.Notification.SendTimeout))
	} else {
		router.Handle(model.ChannelWebhook, notify.NewLogSink(model.ChannelWebhook, logger))
	}
	return router
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	pol, err := cfg.BuildPolicy()
	if err != nil {
		return fmt.Errorf("failed to build policy: %w", err)
	}
	zones, err := cfg.Zones()
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	clk := clock.Real{}
	m := metrics.New()
	finder := directory.NewFinder(directory.NewCached(b.dir, 1024, cfg.Identity.CacheTTL),
		pol.Hierarchy(), cfg.Identity.AdminFallbackRole)

	var coord *service.Coordinator
	hub := ws.NewHub(logger, func() *policy.Hierarchy { return coord.Policy().Hierarchy() })

	var bus service.EventBus
	if b.rdb != nil {
		rb := pubsub.New(b.rdb, logger)
		rb.SetWSHub(hub)
		hub.SetStreamsProvider(rb.Streams())
		bus = rb
	} else {
		bus = pubsub.NewLocal(hub, logger)
	}

	coord = service.NewCoordinator(b.store, pol, finder, bus, clk, logger, cfg.CoordinatorOptions())
	coord.SetZones(zones)
	coord.SetMetrics(m)

	dispatcher := notify.NewDispatcher(newSink(cfg, logger), cfg.DispatcherConfig(), clk, logger, m)
	coord.SetOutbox(dispatcher)
	recovery := service.NewRecovery(b.store, dispatcher, clk, cfg.RetryPolicy(), logger)
	sched := scheduler.New(coord, b.store, clk, cfg.SchedulerConfig(), logger)

	hub.SetCommandHandler(ws.NewCommandHandler(coord, logger))

	validator, err := schema.NewRequestValidator(schema.NewCompilerWithCache(64), nil)
	if err != nil {
		return fmt.Errorf("failed to compile request schema: %w", err)
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.Routes(api.Dependencies{
			Coord:     coord,
			Validator: validator,
			Hub:       hub,
			Auth:      auth.NewJWTConfig(cfg.Auth.JWTSecret, cfg.Auth.AllowDevHeaders),
			Metrics:   m,
			Log:       logger,
			Health:    b.Health,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return dispatcher.Run(ctx, coord) })

	if b.rdb != nil {
		client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.Redis.Addr})
		defer client.Close()
		coord.SetTimer(jobs.NewTimer(client))

		handlers := jobs.NewHandlers(coord, sched, recovery, cfg.RetentionPeriod(), logger)
		jobServer := jobs.NewJobServer(cfg.Redis.Addr, handlers, jobs.Periodic{
			TickInterval:    cfg.Scheduler.PollInterval,
			RecoverInterval: cfg.Notification.RecoverInterval,
			SweepInterval:   cfg.Retention.SweepInterval,
		}, logger)
		g.Go(func() error { return jobServer.Run(ctx) })
	} else {
		g.Go(func() error { return sched.Run(ctx) })
		g.Go(func() error { return recovery.Run(ctx, cfg.Notification.RecoverInterval) })
		g.Go(func() error { return sweepLoop(ctx, coord, cfg, logger) })
	}

	g.Go(func() error {
		logger.Info("Starting server", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// sweepLoop runs retention in process when no job server is available
func sweepLoop(ctx context.Context, coord *service.Coordinator, cfg config.Config, logger *zap.Logger) error {
	ticker := time.NewTicker(cfg.Retention.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := coord.SweepRetention(ctx, cfg.RetentionPeriod())
			if err != nil {
				logger.Warn("Retention sweep failed", zap.Error(err))
				continue
			}
			logger.Info("Retention sweep", zap.Int("deleted", n))
		}
	}
}
