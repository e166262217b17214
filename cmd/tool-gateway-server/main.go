package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/evrydayimruslin/ultralight-sub003/internal/auth"
	"github.com/evrydayimruslin/ultralight-sub003/internal/blob"
	"github.com/evrydayimruslin/ultralight-sub003/internal/capability"
	"github.com/evrydayimruslin/ultralight-sub003/internal/config"
	"github.com/evrydayimruslin/ultralight-sub003/internal/discovery"
	"github.com/evrydayimruslin/ultralight-sub003/internal/documents"
	"github.com/evrydayimruslin/ultralight-sub003/internal/gateway"
	"github.com/evrydayimruslin/ultralight-sub003/internal/grants"
	"github.com/evrydayimruslin/ultralight-sub003/internal/jobs"
	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
	"github.com/evrydayimruslin/ultralight-sub003/internal/memory"
	"github.com/evrydayimruslin/ultralight-sub003/internal/platform"
	"github.com/evrydayimruslin/ultralight-sub003/internal/ratelimit"
	"github.com/evrydayimruslin/ultralight-sub003/internal/schema"
	"github.com/evrydayimruslin/ultralight-sub003/internal/secrets"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sharing"
	"github.com/evrydayimruslin/ultralight-sub003/internal/sink"
	"github.com/evrydayimruslin/ultralight-sub003/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const healthService = "ultralight.gateway.v1.Gateway"

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv("GATEWAY_CONFIG"), "path to the YAML config file")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Logger
	logger := mustBuildLogger(cfg.Logging.Level)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool gateway",
		zap.String("version", version),
		zap.String("http_addr", cfg.Server.HTTPAddr),
		zap.Bool("postgres", cfg.Database.PostgresDSN != ""),
		zap.Bool("clickhouse", cfg.ClickHouse.DSN != ""),
	)

	registry, err := capability.Load()
	if err != nil {
		logger.Fatal("failed to load capability catalog", zap.Error(err))
	}

	metrics := gateway.NewMetrics()

	// Background side effects
	queue := sink.NewQueue(sink.Config{
		Size:    cfg.Sink.QueueSize,
		Workers: cfg.Sink.Workers,
		OnDrop:  metrics.SinkDropped,
		Logger:  logger,
	})
	defer queue.Close()

	// Storage: ClickHouse or LogWriter/MemoryEvents fallback
	var (
		writer   storage.EventWriter
		callLogs storage.CallLogReader
	)
	if cfg.ClickHouse.DSN != "" {
		conn, err := storage.OpenClickHouse(cfg.ClickHouse.DSN)
		if err != nil {
			logger.Fatal("failed to connect to clickhouse", zap.Error(err))
		}
		defer func() { _ = conn.Close() }()
		if err := schema.MigrateClickHouse(context.Background(), conn); err != nil {
			logger.Fatal("failed to migrate clickhouse", zap.Error(err))
		}
		chWriter := storage.NewClickHouseWriter(conn, logger)
		writer = chWriter
		callLogs = storage.NewClickHouseReader(conn)
		logger.Info("clickhouse writer connected")
	} else {
		// Without ClickHouse, view_call_logs reads the last few thousand
		// calls from memory and everything is also logged.
		mem := storage.NewMemoryEvents(5000)
		writer = teeWriter{mem, storage.NewLogWriter(logger)}
		callLogs = mem
		logger.Info("no clickhouse dsn set, using in-memory call log")
	}
	defer writer.Close()

	sealer, err := buildSealer(cfg.Secrets.AgeIdentity, logger)
	if err != nil {
		logger.Fatal("failed to build secret sealer", zap.Error(err))
	}

	var embedder discovery.Embedder
	if cfg.Discovery.EmbeddingURL != "" {
		embedder = discovery.NewHTTPEmbedder(cfg.Discovery.EmbeddingURL, cfg.Discovery.EmbeddingModel, cfg.Discovery.EmbeddingKey)
	}

	var st *stores
	if cfg.Database.PostgresDSN != "" {
		db, err := openPostgres(cfg.Database)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		if err := schema.Migrate(context.Background(), db); err != nil {
			logger.Fatal("failed to migrate postgres", zap.Error(err))
		}
		st = postgresStores(db, cfg, embedder, logger)
		logger.Info("postgres stores connected")
	} else {
		st = memoryStores(cfg)
		logger.Warn("no postgres dsn set, all state is kept in memory")
	}

	secretSvc := secrets.NewService(st.secrets, sealer, logger)

	engine := discovery.NewEngine(discovery.Config{
		Source:      st.source,
		Embedder:    embedder,
		Connections: secretSvc,
		Events:      writer,
		Sink:        queue,
		Logger:      logger,
		Seed:        cfg.Discovery.Seed,
	})

	library := &platform.Library{Store: st.resources, Discovery: engine, Documents: st.documents}
	life := lifecycle.NewService(lifecycle.Config{
		Store:     st.resources,
		Balance:   st.balance,
		Index:     st.index,
		Artifacts: platform.ArtifactReloader{Store: st.resources, Blobs: st.blobs, Documents: st.documents},
		Library:   library,
		Sink:      queue,
		Logger:    logger,
	})

	grantSvc := grants.NewService(grants.Config{
		Store:      st.grants,
		Resources:  platform.ResourceDirectory{Store: st.resources},
		Identities: st.identities,
		CacheTTL:   cfg.Auth.GrantCacheTTL,
		Logger:     logger,
	})

	shareSvc := sharing.NewService(sharing.Config{
		Store:      st.sharing,
		Documents:  st.documents,
		Identities: st.identities,
		BaseURL:    cfg.Server.PublicURL,
		Logger:     logger,
	})

	platCfg := platform.Config{
		Registry:   registry,
		Lifecycle:  life,
		Grants:     grantSvc,
		Discovery:  engine,
		Sharing:    shareSvc,
		Documents:  st.documents,
		Memory:     st.memory,
		Secrets:    secretSvc,
		Blobs:      st.blobs,
		Community:  st.community,
		Identities: st.identities,
		Bundler:    platform.SourceScanner{},
		Embedder:   embedder,
		CallLogs:   callLogs,
		Sink:       queue,
		Logger:     logger,
	}
	if cfg.Sandbox.URL != "" {
		platCfg.Sandbox = platform.NewHTTPSandbox(cfg.Sandbox.URL, cfg.Sandbox.Token)
	}
	plat, err := platform.New(platCfg)
	if err != nil {
		logger.Fatal("failed to build platform", zap.Error(err))
	}

	gw, err := gateway.New(gateway.Config{
		Registry:         registry,
		Platform:         plat,
		Auth:             st.auth,
		Pending:          grantSvc,
		Limiter:          st.limiter,
		Quota:            ratelimit.NewQuota(st.quota, cfg.TierQuotas()),
		Events:           writer,
		Sharing:          shareSvc,
		Library:          library,
		Metrics:          metrics,
		AuthDiscoveryURL: cfg.Auth.DiscoveryURL,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		ServerVersion:    version,
		Logger:           logger,
	})
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}

	// Scheduled jobs
	scheduler := jobs.NewScheduler(logger)
	maintenance := ratelimit.NewMaintenanceJob(st.limiter, cfg.Limits.MaintenanceSchedule)
	maintenance.Pruned = func(n int64) {
		logger.Debug("pruned rate limit windows", zap.Int64("rows", n))
	}
	mustRegister(scheduler, maintenance, logger)
	if st.db != nil {
		mustRegister(scheduler, discovery.NewPopularityJob(st.db, cfg.Discovery.PopularitySchedule), logger)
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	// gRPC health service for load balancer checks
	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.Server.HealthAddr != "" {
		grpcServer = grpc.NewServer(
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle: 5 * time.Minute,
				Time:              30 * time.Second,
				Timeout:           5 * time.Second,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		healthServer = health.NewServer()
		healthpb.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
		reflection.Register(grpcServer)

		lis, err := net.Listen("tcp", cfg.Server.HealthAddr)
		if err != nil {
			logger.Fatal("failed to listen", zap.String("addr", cfg.Server.HealthAddr), zap.Error(err))
		}
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("grpc health server failed", zap.Error(err))
			}
		}()
		logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

		if healthServer != nil {
			healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
		}
		scheduler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
	}()

	logger.Info("tool gateway listening", zap.String("addr", cfg.Server.HTTPAddr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
	<-done
}

// stores is the persistence layer, either all Postgres or all in memory.
type stores struct {
	db         *sql.DB
	auth       auth.Authenticator
	identities auth.UserStore
	limiter    ratelimit.Limiter
	quota      ratelimit.QuotaStore
	resources  lifecycle.Store
	balance    lifecycle.BalanceChecker
	source     discovery.Source
	index      lifecycle.DiscoveryIndex
	grants     grants.Store
	sharing    sharing.Store
	documents  documents.Store
	memory     memory.Store
	secrets    secrets.Store
	blobs      blob.Store
	community  platform.CommunityStore
}

func postgresStores(db *sql.DB, cfg *config.Config, embedder discovery.Embedder, logger *zap.Logger) *stores {
	users := auth.NewSQLUserStore(db)
	chain := &auth.ChainAuthenticator{
		APIKeys: auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.APIKeyCacheTTL,
			Logger:   logger,
		}),
	}
	if cfg.Auth.JWTSecret != "" {
		chain.JWT = auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), users)
	}
	return &stores{
		db:         db,
		auth:       chain,
		identities: users,
		limiter:    ratelimit.NewPostgresLimiter(db, cfg.RatePolicies()),
		quota:      ratelimit.NewSQLQuotaStore(db),
		resources:  lifecycle.NewSQLStore(db),
		balance:    platform.NewBalanceGate(db, cfg.Economics.MinBalanceCents),
		source:     discovery.NewPostgresSource(db),
		index:      discovery.NewIndex(db, embedder, logger),
		grants:     grants.NewSQLStore(db),
		sharing:    sharing.NewSQLStore(db),
		documents:  documents.NewSQLStore(db),
		memory:     memory.NewSQLStore(db),
		secrets:    secrets.NewSQLStore(db),
		blobs:      blob.NewSQLStore(db),
		community:  platform.NewSQLCommunityStore(db),
	}
}

func memoryStores(cfg *config.Config) *stores {
	users := auth.NewMemoryUserStore()
	chain := &auth.ChainAuthenticator{APIKeys: auth.NewStaticAuthenticator()}
	if cfg.Auth.JWTSecret != "" {
		chain.JWT = auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), users)
	}
	source := discovery.NewMemorySource()
	return &stores{
		auth:       chain,
		identities: users,
		limiter:    ratelimit.NewMemoryLimiter(cfg.RatePolicies()),
		quota:      ratelimit.NewMemoryQuotaStore(),
		resources:  lifecycle.NewMemoryStore(),
		source:     source,
		index:      source,
		grants:     grants.NewMemoryStore(),
		sharing:    sharing.NewMemoryStore(),
		documents:  documents.NewMemoryStore(),
		memory:     memory.NewMemoryStore(),
		secrets:    secrets.NewMemoryStore(),
		blobs:      blob.NewMemoryStore(),
		community:  platform.NewMemoryCommunityStore(source),
	}
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func buildSealer(identity string, logger *zap.Logger) (*secrets.Sealer, error) {
	if identity != "" {
		return secrets.NewSealer(identity)
	}
	logger.Warn("no age identity configured, secrets will not survive a restart")
	return secrets.NewEphemeralSealer()
}

func mustRegister(s *jobs.Scheduler, j jobs.Job, logger *zap.Logger) {
	if err := s.Register(j); err != nil {
		logger.Fatal("failed to register job", zap.String("job", j.Name()), zap.Error(err))
	}
}

// teeWriter fans events out to several writers.
type teeWriter []storage.EventWriter

func (t teeWriter) Write(e *storage.AuditEvent) {
	for _, w := range t {
		w.Write(e)
	}
}

func (t teeWriter) WriteRanking(e *storage.RankingEvent) {
	for _, w := range t {
		w.WriteRanking(e)
	}
}

func (t teeWriter) Close() {
	for _, w := range t {
		w.Close()
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
