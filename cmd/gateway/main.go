package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VaultSovereign/vmq-oracle/pkg/audit"
	"github.com/VaultSovereign/vmq-oracle/pkg/auth"
	"github.com/VaultSovereign/vmq-oracle/pkg/cache"
	"github.com/VaultSovereign/vmq-oracle/pkg/catalog"
	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/dispatch"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/eventbus"
	"github.com/VaultSovereign/vmq-oracle/pkg/handlers"
	"github.com/VaultSovereign/vmq-oracle/pkg/hardening"
	"github.com/VaultSovereign/vmq-oracle/pkg/invoke"
	"github.com/VaultSovereign/vmq-oracle/pkg/logging"
	"github.com/VaultSovereign/vmq-oracle/pkg/metrics"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/persona"
	"github.com/VaultSovereign/vmq-oracle/pkg/policy"
	"github.com/VaultSovereign/vmq-oracle/pkg/ratelimit"
	"github.com/VaultSovereign/vmq-oracle/pkg/store"
	"github.com/VaultSovereign/vmq-oracle/pkg/stream"
	"github.com/VaultSovereign/vmq-oracle/pkg/telemetry"
)

type gatewayDBCloser interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

type outcomePublisher interface {
	dispatch.Observer
	Close() error
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string, logger zerolog.Logger) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayOpenBusFunc func(cfg eventbus.KafkaConfig, logger zerolog.Logger) (outcomePublisher, error)
type gatewayListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = func(format string, args ...any) { log.Fatal().Msgf(format, args...) }
	initTelemetryG = func(ctx context.Context, service string, logger zerolog.Logger) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service, os.Getenv), logger)
	}
	openDBFnG    = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG = store.NewRedis
	openBusFnG   = func(cfg eventbus.KafkaConfig, logger zerolog.Logger) (outcomePublisher, error) {
		return eventbus.NewKafkaPublisher(cfg, logger)
	}
	listenFnG = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, openBusFnG, listenFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	openBus gatewayOpenBusFunc,
	listen gatewayListenFunc,
) error {
	ctx := context.Background()
	cfg := loadConfig()
	logger := logging.New(cfg.LogLevel, "gateway")

	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           cfg.Environment,
		StrictProdSecurity:    config.Env("STRICT_PROD_SECURITY", "true"),
		UsesDatabase:          cfg.usesDatabase(),
		DatabaseRequireTLS:    config.Env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             cfg.RedisAddr,
		RedisRequireTLS:       config.Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      config.Env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: config.Env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    cfg.CORSAllowedOrigins,
		AuthMode:              cfg.AuthMode,
		Upstreams: []hardening.EnvRequirement{
			{Name: "POLICY_URL", Value: cfg.PolicyURL},
			{Name: "DOCSTORE_URL", Value: cfg.Docs.URL},
			{Name: "LAMBDA_ENDPOINT", Value: cfg.LambdaEndpoint},
		},
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, "gateway", logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	tables, err := config.LoadTables(cfg.TablesFile)
	if err != nil {
		return err
	}
	if cfg.DefaultPersona != "" {
		tables.DefaultPersona = cfg.DefaultPersona
	}

	var db gatewayDBCloser
	if cfg.usesDatabase() {
		db, err = openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.usesRedis() {
		redisClient, err = openRedis(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory cache/limits")
			redisClient = nil
		}
		if redisClient != nil {
			defer redisClient.Close()
		}
	}

	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: cfg.UpstreamTimeout})
	deps := docstore.Deps{HTTPClient: httpClient, Redis: redisClient, Logger: logger}
	if db != nil {
		deps.DB = db
	}
	if cfg.Docs.SharedCache {
		deps.Cache = store.NewCache(ctx, redisClient, "vmq:docs:", logger)
	}
	docs, err := docstore.Open(cfg.Docs, deps)
	if err != nil {
		return err
	}

	catalogs := catalog.NewStore(docs, cache.New[models.Catalog](cfg.CacheTTL, nil), logger)
	personas := persona.NewStore(docs, persona.NewGroupMap(tables.GroupPersonas, tables.DefaultPersona), cache.New[models.Persona](cfg.CacheTTL, nil), logger)

	gate := &policy.Gate{Fallback: policy.NewGreenList(tables.GreenList), Logger: logger}
	if cfg.PolicyURL != "" {
		gate.Remote = policy.RemoteEvaluator{
			Client:  httpClient,
			BaseURL: cfg.PolicyURL,
			Headers: authHeaderMap(cfg.PolicyAuthHeader, cfg.PolicyAuthToken),
			Timeout: cfg.PolicyTimeout,
		}
	} else {
		logger.Info().Msg("POLICY_URL unset, authorizing from the green list only")
	}

	registry := invoke.NewRegistry()
	handlers.Register(registry, handlers.Options{ExportBucket: cfg.ExportBucket})
	router := invoke.Router{
		Local: registry,
		Remote: invoke.HTTPInvoker{
			Client:         httpClient,
			Headers:        authHeaderMap(cfg.HandlerAuthHeader, cfg.HandlerAuthToken),
			LambdaEndpoint: cfg.LambdaEndpoint,
			Retries:        cfg.HandlerRetries,
			RetryDelay:     100 * time.Millisecond,
		},
	}

	reg := metrics.NewRegistry()
	hub := stream.NewHub()
	observers := []dispatch.Observer{reg, hub}
	var auditWriter *audit.Writer
	if cfg.AuditEnabled {
		auditWriter = &audit.Writer{DB: db, HashSalt: []byte(cfg.AuditSalt), Redact: cfg.AuditRedact, Logger: logger}
		auditQueue := dispatch.NewBackground("audit", auditWriter, cfg.ObserverQueueSize, logger)
		defer auditQueue.Close()
		observers = append(observers, auditQueue)
	}
	if len(cfg.KafkaBrokers) > 0 {
		bus, err := openBus(eventbus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = bus.Close() }()
		busQueue := dispatch.NewBackground("kafka", bus, cfg.ObserverQueueSize, logger)
		defer busQueue.Close()
		observers = append(observers, busQueue)
	}

	s := &Server{
		Dispatcher: &dispatch.Dispatcher{
			Gate:           gate,
			Catalog:        catalogs,
			Personas:       personas,
			Invoker:        router,
			Metrics:        reg,
			Observers:      observers,
			Logger:         logger,
			HandlerTimeout: cfg.HandlerTimeout,
		},
		Catalog:             catalogs,
		Personas:            personas,
		Tables:              tables,
		Metrics:             reg,
		Events:              hub,
		Logger:              logger,
		DefaultUserID:       cfg.DefaultUserID,
		DefaultGroup:        cfg.DefaultGroup,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RateLimitPerMinute:  cfg.RateLimitPerMinute,
		AuthMode:            cfg.AuthMode,
		AuthSecret:          cfg.AuthSecret,
		AuthOptions: []auth.MiddlewareOption{
			auth.WithJWKS(cfg.AuthJWKSURL),
			auth.WithIssuer(cfg.AuthIssuer),
			auth.WithAudience(cfg.AuthAudience),
			auth.WithTimeout(cfg.AuthTimeout),
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		WSAllowedOrigins:   cfg.WSAllowedOrigins,
	}
	if auditWriter != nil {
		s.Audit = auditWriter
	}
	if cfg.RateLimitEnabled {
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, time.Minute, logger)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(time.Minute)
		}
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	logger.Info().Str("addr", cfg.Addr).Str("docstore", cfg.Docs.Backend).Bool("remote_policy", gate.Remote != nil).Msg("gateway listening")
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
