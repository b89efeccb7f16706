// Command policy is a local policy service speaking the OPA data API
// subset the gateway queries: POST /v1/data/vmq/{rule} with
// {"input": ...} answered by {"result": ...}.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VaultSovereign/vmq-oracle/pkg/cache"
	"github.com/VaultSovereign/vmq-oracle/pkg/catalog"
	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/hardening"
	"github.com/VaultSovereign/vmq-oracle/pkg/httpx"
	"github.com/VaultSovereign/vmq-oracle/pkg/logging"
	"github.com/VaultSovereign/vmq-oracle/pkg/metrics"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/policy"
	"github.com/VaultSovereign/vmq-oracle/pkg/store"
	"github.com/VaultSovereign/vmq-oracle/pkg/telemetry"
)

type initTelemetryFunc func(ctx context.Context, service string, logger zerolog.Logger) (func(context.Context) error, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = func(format string, args ...any) { log.Fatal().Msgf(format, args...) }
	initTelemetryFn = func(ctx context.Context, service string, logger zerolog.Logger) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service, os.Getenv), logger)
	}
	openRedisFnP = store.NewRedis
	listenFnP    = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runPolicy(initTelemetryFn, openRedisFnP, listenFnP); err != nil {
		logFatalf("policy: %v", err)
	}
}

type Server struct {
	Rules               *Rules
	Metrics             *metrics.Registry
	Logger              zerolog.Logger
	PolicyAuthHeader    string
	PolicyAuthToken     string
	MaxRequestBodyBytes int64
}

func runPolicy(initTelemetry initTelemetryFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	logger := logging.New(config.Env("LOG_LEVEL", "info"), "policy")
	runtimeEnv := config.Env("ENVIRONMENT", config.Env("APP_ENV", ""))
	s := &Server{
		Metrics:             metrics.NewRegistry(),
		Logger:              logger,
		PolicyAuthHeader:    config.Env("POLICY_AUTH_HEADER", ""),
		PolicyAuthToken:     config.Env("POLICY_AUTH_TOKEN", ""),
		MaxRequestBodyBytes: int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	authMode := "off"
	if s.PolicyAuthHeader != "" && s.PolicyAuthToken != "" {
		authMode = "internal-token"
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "policy",
		Environment:        runtimeEnv,
		StrictProdSecurity: config.Env("STRICT_PROD_SECURITY", "true"),
		RedisAddr:          config.Env("REDIS_ADDR", ""),
		RedisRequireTLS:    config.Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   config.Env("REDIS_TLS_INSECURE", ""),
		AuthMode:           authMode,
		CORSAllowedOrigins: config.Env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "POLICY_AUTH_HEADER", Value: s.PolicyAuthHeader},
			{Name: "POLICY_AUTH_TOKEN", Value: s.PolicyAuthToken},
		},
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, "policy", logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	tables, err := config.LoadTables(config.Env("POLICY_TABLES_FILE", ""))
	if err != nil {
		return err
	}
	docsCfg := docstore.Config{
		Backend: config.Env("DOCSTORE_BACKEND", docstore.BackendFile),
		Bucket:  config.Env("DOCSTORE_BUCKET", docstore.DefaultBucket),
		Root:    config.Env("DOCSTORE_ROOT", "config/documents"),
		URL:     config.Env("DOCSTORE_URL", ""),
		Retries: config.EnvInt("DOCSTORE_RETRIES", 1),
	}
	var redisClient *redis.Client
	if docsCfg.Backend == docstore.BackendRedis {
		if redisClient, err = openRedis(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
	}
	docs, err := docstore.Open(docsCfg, docstore.Deps{
		HTTPClient: telemetry.InstrumentClient(&http.Client{Timeout: 5 * time.Second}),
		Redis:      redisClient,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	s.Rules = &Rules{
		Tables:  tables,
		Green:   policy.NewGreenList(tables.GreenList),
		Catalog: catalog.NewStore(docs, cache.New[models.Catalog](config.EnvSeconds("CACHE_TTL_SEC", 300), nil), logger),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	addr := config.Env("ADDR", ":8082")
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: config.EnvSeconds("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       config.EnvSeconds("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      config.EnvSeconds("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       config.EnvSeconds("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	logger.Info().Str("addr", addr).Msg("policy service listening")
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(config.Env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("policy"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "policy"})
	})
	r.Group(func(r chi.Router) {
		r.Use(s.internalTokenOnly)
		r.Get("/metrics", s.Metrics.Handler())
		r.Post("/v1/data/vmq/{rule}", s.query)
	})
	return r
}

type queryRequest struct {
	Input *models.AuthorizationRequest `json:"input"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &req) {
		return
	}
	if req.Input == nil {
		httpx.Error(w, http.StatusBadRequest, "input is required")
		return
	}
	rule := chi.URLParam(r, "rule")
	v := s.Rules.Evaluate(r.Context(), *req.Input)
	var result interface{}
	switch rule {
	case policy.RuleAllow:
		result = v.Allow
	case policy.RuleApprovalRequired:
		result = v.ApprovalRequired
	case policy.RuleDenyReason:
		if v.DenyReason != "" {
			result = v.DenyReason
		}
	default:
		httpx.Error(w, http.StatusNotFound, fmt.Sprintf("unknown rule %q", rule))
		return
	}
	if rule == policy.RuleAllow {
		s.Metrics.IncDecision(v.Outcome().String())
	}
	s.Logger.Debug().
		Str("request_id", req.Input.Context.RequestID).
		Str("action", req.Input.Action).
		Str("group", req.Input.User.Group).
		Str("rule", rule).
		Interface("result", result).
		Msg("policy query")
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

// internalTokenOnly is a no-op until POLICY_AUTH_HEADER and
// POLICY_AUTH_TOKEN are both set.
func (s *Server) internalTokenOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.PolicyAuthHeader == "" || s.PolicyAuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get(s.PolicyAuthHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.PolicyAuthToken)) != 1 {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}
