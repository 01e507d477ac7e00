package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/cuemby/clanmanager/pkg/api"
	"github.com/cuemby/clanmanager/pkg/config"
	"github.com/cuemby/clanmanager/pkg/dedupe"
	"github.com/cuemby/clanmanager/pkg/events"
	"github.com/cuemby/clanmanager/pkg/executor"
	"github.com/cuemby/clanmanager/pkg/health"
	"github.com/cuemby/clanmanager/pkg/lock"
	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/manager"
	"github.com/cuemby/clanmanager/pkg/metrics"
	"github.com/cuemby/clanmanager/pkg/normalizer"
	"github.com/cuemby/clanmanager/pkg/platform/gateway"
	"github.com/cuemby/clanmanager/pkg/platform/rest"
	"github.com/cuemby/clanmanager/pkg/reconciler"
	"github.com/cuemby/clanmanager/pkg/reverify"
	"github.com/cuemby/clanmanager/pkg/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the synchronization engine and admin API",
	Long: `Run the synchronization engine.

serve connects to the platform gateway, applies membership events to every
managed clan, runs the periodic full pull and the reverification sweep, and
exposes the admin API, Prometheus metrics, and gRPC health.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
		cfg.API.Addr = addr
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	repo, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer repo.Close()
	metrics.UpdateComponent("store", true, cfg.Storage.Driver)

	// Platform
	platformClient, err := rest.NewClient(rest.Config{
		BaseURL:           cfg.Platform.APIURL,
		Token:             cfg.Platform.Token,
		Timeout:           cfg.Platform.Timeout,
		RequestsPerSecond: cfg.Platform.RequestsPerSecond,
		Burst:             cfg.Platform.Burst,
	})
	if err != nil {
		return err
	}
	gw := gateway.New(gateway.Config{
		URL:   cfg.Platform.GatewayURL,
		Token: cfg.Platform.Token,
	})

	filter, closeFilter, err := newDedupe(ctx, cfg.Dedupe)
	if err != nil {
		return err
	}
	defer closeFilter()

	// Engine
	locks := lock.NewManager(cfg.Reconcile.LockTimeout)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	exec := executor.New(repo, platformClient, cfg.RetryPolicy())
	engine := reconciler.NewEngine(reconciler.Config{
		QueueSize:   cfg.Reconcile.QueueSize,
		PassTimeout: cfg.Reconcile.PassTimeout,
	}, repo, platformClient, exec, locks, broker)

	sched := scheduler.NewScheduler()
	mgr := manager.NewManager(manager.Config{
		ReconcileInterval: cfg.Reconcile.Interval,
		SettleDelay:       cfg.Reconcile.SettleDelay,
		PassTimeout:       cfg.Reconcile.PassTimeout,
	}, repo, engine, sched, locks, broker)
	if cfg.API.Token != "" {
		mgr.Tokens().AddStatic("config", cfg.API.Token)
	}

	if err := mgr.Load(ctx); err != nil {
		return err
	}

	// Background jobs
	if cfg.Reverify.Schedule != "" {
		sweeper := reverify.NewSweeper(repo, exec, locks, broker)
		if err := sched.ScheduleRecurring("reverify", cfg.Reverify.Schedule, sweeper.Sweep); err != nil {
			return fmt.Errorf("reverify schedule: %w", err)
		}
	}
	if err := sched.ScheduleEvery("tokens/cleanup", time.Hour, func(context.Context) error {
		mgr.Tokens().CleanupExpiredTokens()
		return nil
	}); err != nil {
		return err
	}

	sched.Start()
	metrics.UpdateComponent("scheduler", true, fmt.Sprintf("%d jobs", len(sched.Jobs())))

	// Health
	monitor := health.NewMonitor(health.DefaultConfig())
	monitor.Add("store", health.NewPingChecker(repo.Ping))
	monitor.Add("platform", health.NewPlatformChecker(cfg.Platform.APIURL, cfg.Platform.Token).WithStatusRange(200, 499))
	if addr, err := gatewayAddress(cfg.Platform.GatewayURL); err == nil {
		monitor.Add("gateway_endpoint", health.NewTCPChecker(addr))
	}
	if r, ok := filter.(*dedupe.Redis); ok {
		monitor.Add("dedupe", health.NewPingChecker(r.Ping))
	}
	monitor.Start()

	collector := metrics.NewCollector(repo, cfg.API.CollectInterval)
	collector.Start()

	// Event pipeline
	norm := normalizer.New(mgr.Registry(), filter)
	go func() {
		if err := gw.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("Gateway stopped")
		}
	}()
	go norm.Run(ctx, gw, engine)

	// APIs
	errCh := make(chan error, 2)
	apiServer := api.NewServer(mgr)
	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	var grpcServer *api.GRPCServer
	if cfg.API.GRPCAddr != "" {
		grpcServer = api.NewGRPCServer()
		go func() {
			if err := grpcServer.Start(cfg.API.GRPCAddr); err != nil {
				errCh <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	logger.Info().
		Str("version", Version).
		Str("api", cfg.API.Addr).
		Str("grpc", cfg.API.GRPCAddr).
		Int("clans", mgr.Registry().Len()).
		Msg("clanmanager running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		logger.Info().Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Server failed")
	}

	// Shutdown: stop intake first, then drain in-flight passes
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("API shutdown")
	}
	if grpcServer != nil {
		grpcServer.Stop()
	}

	sched.Stop()
	mgr.Shutdown()
	monitor.Stop()
	collector.Stop()

	logger.Info().Msg("Shutdown complete")
	return runErr
}

// newDedupe builds the event replay filter. Redis is used when configured so
// several replicas share one window.
func newDedupe(ctx context.Context, cfg config.DedupeConfig) (dedupe.Filter, func(), error) {
	if cfg.RedisAddr == "" {
		return dedupe.NewMemory(cfg.TTL), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	r := dedupe.NewRedis(client, "", cfg.TTL)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Ping(pingCtx); err != nil {
		// Seen fails open, so keep running and let health report it
		logger := log.WithComponent("serve")
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis dedupe unavailable")
	}

	return r, func() { _ = r.Close() }, nil
}

func init() {
	serveCmd.Flags().String("api-addr", "", "Override the admin API listen address")
}
