// Package main is the entry point for the authgate service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"

	"github.com/carlossalguero/authgate/internal/auth/account"
	"github.com/carlossalguero/authgate/internal/auth/credentials"
	"github.com/carlossalguero/authgate/internal/auth/oauth"
	"github.com/carlossalguero/authgate/internal/auth/oauthstate"
	"github.com/carlossalguero/authgate/internal/auth/repository"
	"github.com/carlossalguero/authgate/internal/auth/server"
	"github.com/carlossalguero/authgate/internal/auth/service"
	"github.com/carlossalguero/authgate/internal/auth/token"
	"github.com/carlossalguero/authgate/internal/config"
	"github.com/carlossalguero/authgate/internal/gateway/middleware"
	"github.com/carlossalguero/authgate/internal/scheduler"
	"github.com/carlossalguero/authgate/internal/shared/cache"
	"github.com/carlossalguero/authgate/internal/shared/events"
	"github.com/carlossalguero/authgate/internal/shared/health"
	"github.com/carlossalguero/authgate/internal/shared/logger"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
	tlsconfig "github.com/carlossalguero/authgate/internal/shared/tls"
	"github.com/carlossalguero/authgate/internal/shared/tracing"
)

const maxHeapBytes = 512 << 20

// buildVersion is set with -ldflags "-X main.buildVersion=...".
var buildVersion = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authgate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, overrides, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	logger.Init(cfg.Log)
	log := logger.Default()
	log.Info("starting authgate", "version", version(), "environment", cfg.Environment)
	if len(overrides) > 0 {
		log.Info("provider overrides loaded from consul", "providers", overrides)
	}

	cfg.Tracing.ServiceVersion = version()
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	m := metrics.New(cfg.Metrics)
	checker := health.NewChecker(
		health.WithVersion(version()),
		health.WithTimeout(5*time.Second),
	)
	checker.Register("memory", health.MemoryCheck(maxHeapBytes))

	// Account store
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.close()
	checker.Register("database", health.PingCheck(store.ping))

	// OAuth state store
	states, closeStates, err := openStates(ctx, cfg, checker)
	if err != nil {
		return err
	}
	defer closeStates()

	// Event publishing
	var publisher events.Publisher
	if cfg.NATS.Enabled {
		client, err := events.New(cfg.NATS.Config, log)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer client.Close()
		publisher = client
		checker.Register("nats", health.OptionalPingCheck(client.Ping))
	}

	issuer, err := token.NewIssuer(cfg.Token)
	if err != nil {
		return fmt.Errorf("initializing token issuer: %w", err)
	}
	log.Info("token issuer ready",
		"algorithm", cfg.Token.Algorithm,
		"access_ttl", issuer.AccessTTL().String(),
		"refresh_ttl", issuer.RefreshTTL().String(),
	)

	creds := credentials.New(store.accounts, 0)
	if err := bootstrapAdmin(ctx, creds, cfg.Bootstrap, log); err != nil {
		return err
	}

	registry, err := oauth.NewRegistry(cfg.OAuth.Providers(), &http.Client{Timeout: cfg.OAuth.ExchangeTimeout})
	if err != nil {
		return fmt.Errorf("initializing identity providers: %w", err)
	}
	log.Info("identity providers configured", "providers", registry.Names())

	svc := service.New(service.Config{
		Accounts:        store.accounts,
		Credentials:     creds,
		Tokens:          issuer,
		Providers:       registry,
		States:          states,
		Events:          publisher,
		Metrics:         m,
		Logger:          log,
		ExchangeTimeout: cfg.OAuth.ExchangeTimeout,
		StateTTL:        cfg.OAuth.StateTTL,
		Breakers:        cfg.Breaker,
	})
	checker.Register("providers", health.ProvidersCheck(svc.ProviderStates))

	var limiter *middleware.RateLimiter
	if cfg.HTTP.RateLimit.Enabled {
		proxies, err := middleware.ParseTrustedProxies(cfg.HTTP.RateLimit.TrustedProxies)
		if err != nil {
			return fmt.Errorf("parsing trusted proxies: %w", err)
		}
		limiter = middleware.NewRateLimiter(cfg.HTTP.RateLimit.RequestsPerSecond, cfg.HTTP.RateLimit.Burst, m,
			middleware.WithTrustedProxies(proxies))
	}

	handler, err := server.NewHTTPHandler(server.HTTPConfig{
		Cookies:    cfg.HTTP.Cookies,
		RefreshTTL: issuer.RefreshTTL(),
		StateTTL:   cfg.OAuth.StateTTL,
	}, svc, middleware.NewGate(issuer, store.accounts, log), limiter, m, log)
	if err != nil {
		return fmt.Errorf("initializing HTTP handler: %w", err)
	}

	var grpcOpts []grpc.ServerOption
	if cfg.TLS.Enabled() {
		tlsCfg, err := tlsconfig.GRPCServerConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("configuring gRPC TLS: %w", err)
		}
		grpcOpts = append(grpcOpts, grpc.Creds(grpccreds.NewTLS(tlsCfg)))
	}
	cfg.GRPC.Reflection = cfg.GRPC.Reflection || !cfg.IsProduction()
	grpcServer, grpcHealth := server.NewGRPCServer(cfg.GRPC, log, m, grpcOpts...)

	// Background jobs
	sched := scheduler.New(log, scheduler.WithJobTimeout(cfg.Scheduler.JobTimeout))
	if err := sched.AddJob(scheduler.JobHealthSync, cfg.Scheduler.HealthSync, scheduler.SyncHealth(
		func(ctx context.Context) health.Status { return server.SyncHealth(ctx, checker, grpcHealth) },
	)); err != nil {
		return err
	}
	if mem, ok := states.(*oauthstate.Memory); ok {
		if err := sched.AddJob(scheduler.JobStateSweep, cfg.Scheduler.StateSweep, scheduler.SweepStates(mem, m)); err != nil {
			return err
		}
	}
	if limiter != nil {
		if err := sched.AddJob(scheduler.JobLimiterPrune, cfg.Scheduler.LimiterPrune,
			scheduler.PruneLimiter(limiter, cfg.HTTP.RateLimit.IdleTTL)); err != nil {
			return err
		}
	}
	if store.stats != nil {
		if err := sched.AddJob(scheduler.JobPoolStats, cfg.Scheduler.PoolStats,
			scheduler.RecordPoolStats(cfg.Database.Driver, store.stats, m)); err != nil {
			return err
		}
	}
	if err := sched.RunNow(scheduler.JobHealthSync); err != nil {
		log.Warn("starting with unhealthy dependencies", "error", err)
	}
	sched.Start()
	defer sched.Stop()
	for _, job := range sched.Jobs() {
		next, _ := sched.NextRun(job.Name)
		log.Info("job scheduled", "job", job.Name, "schedule", job.Schedule, "next_run", next)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	if cfg.TLS.Enabled() {
		if httpServer.TLSConfig, err = tlsconfig.ServerConfig(cfg.TLS); err != nil {
			return fmt.Errorf("configuring HTTP TLS: %w", err)
		}
	}
	opsServer := &http.Server{
		Addr:              cfg.Ops.Addr(),
		Handler:           server.OpsHandler(checker, m),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveHTTP(httpServer, "http", log) })
	g.Go(func() error { return serveHTTP(opsServer, "ops", log) })
	g.Go(func() error { return serveGRPC(grpcServer, cfg.GRPC, log) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		grpcHealth.Shutdown()
		stopGRPC(shutdownCtx, grpcServer)

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ops shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("servers stopped")
	return nil
}

// loadConfig reads file and environment settings, then Consul overrides when
// an agent address is configured. It returns the providers Consul changed.
func loadConfig(ctx context.Context) (*config.Config, []string, error) {
	cfg, err := config.Load(os.Getenv("AUTHGATE_CONFIG"))
	if err != nil {
		return nil, nil, err
	}

	var applied []string
	if cfg.Consul.Address != "" {
		kv, err := config.NewConsulKV(cfg.Consul)
		if err != nil {
			return nil, nil, err
		}
		if applied, err = cfg.ApplyConsul(ctx, kv); err != nil {
			return nil, nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, applied, nil
}

type accountStore struct {
	accounts account.Store
	ping     func(context.Context) error
	stats    scheduler.ConnStatter
	close    func()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*accountStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		mem := repository.NewMemory()
		return &accountStore{accounts: mem, ping: mem.Ping, close: func() {}}, nil

	case config.DriverSQLite:
		db, err := repository.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return &accountStore{
			accounts: db,
			ping:     db.Ping,
			stats:    db,
			close:    func() { _ = db.Close() },
		}, nil

	case config.DriverPostgres:
		pool, err := initPostgres(ctx, cfg)
		if err != nil {
			return nil, err
		}
		repo := repository.NewPostgres(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &accountStore{accounts: repo, ping: repo.Ping, stats: repo, close: pool.Close}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func initPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func openStates(ctx context.Context, cfg *config.Config, checker *health.Checker) (oauthstate.Store, func(), error) {
	if cfg.States.Backend != config.StatesRedis {
		return oauthstate.NewMemory(), func() {}, nil
	}

	client, err := cache.New(cfg.Redis)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("pinging redis: %w", err)
	}
	checker.Register("redis", health.PingCheck(client.Ping))
	return oauthstate.NewRedis(client), func() { _ = client.Close() }, nil
}

func bootstrapAdmin(ctx context.Context, creds *credentials.Service, cfg config.BootstrapConfig, log *logger.Logger) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	acct, created, err := creds.EnsureAccount(ctx, cfg.AdminEmail, cfg.AdminPassword, account.RoleAdmin)
	if err != nil {
		return fmt.Errorf("bootstrapping admin account: %w", err)
	}
	if created {
		log.Info("admin account created", "account_id", acct.ID.String())
	} else if !acct.IsAdmin() {
		log.Warn("bootstrap email belongs to a non-admin account", "account_id", acct.ID.String())
	}
	return nil
}

func serveHTTP(srv *http.Server, name string, log *logger.Logger) error {
	log.Info("starting server", "server", name, "address", srv.Addr, "tls", srv.TLSConfig != nil)

	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func serveGRPC(srv *grpc.Server, cfg server.GRPCConfig, log *logger.Logger) error {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for gRPC: %w", err)
	}
	log.Info("starting server", "server", "grpc", "address", addr)
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

// stopGRPC drains in-flight calls, forcing a stop when ctx expires first.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}

func version() string {
	if v := os.Getenv("VERSION"); v != "" {
		return v
	}
	return buildVersion
}
