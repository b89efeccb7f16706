// Command stubhandler serves the built-in action handlers over HTTP, both
// at /v1/handlers/{name} and at the Lambda invoke path so the gateway can
// reach them through LAMBDA_ENDPOINT.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/handlers"
	"github.com/VaultSovereign/vmq-oracle/pkg/httpx"
	"github.com/VaultSovereign/vmq-oracle/pkg/invoke"
	"github.com/VaultSovereign/vmq-oracle/pkg/logging"
	"github.com/VaultSovereign/vmq-oracle/pkg/metrics"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/telemetry"
)

type initTelemetryFunc func(ctx context.Context, service string, logger zerolog.Logger) (func(context.Context) error, error)
type listenFunc func(server *http.Server) error

var (
	logFatalf      = func(format string, args ...any) { log.Fatal().Msgf(format, args...) }
	initTelemetryS = func(ctx context.Context, service string, logger zerolog.Logger) (func(context.Context) error, error) {
		return telemetry.Init(ctx, telemetry.ConfigFromEnv(service, os.Getenv), logger)
	}
	listenFnS = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runStubHandler(initTelemetryS, listenFnS); err != nil {
		logFatalf("stubhandler: %v", err)
	}
}

type handlerServer struct {
	Registry       *invoke.Registry
	Metrics        *metrics.Registry
	Logger         zerolog.Logger
	FunctionPrefix string
	MaxBodyBytes   int64
}

func runStubHandler(initTelemetry initTelemetryFunc, listen listenFunc) error {
	logger := logging.New(config.Env("LOG_LEVEL", "info"), "stubhandler")
	shutdown, err := initTelemetry(context.Background(), "stubhandler", logger)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	reg := invoke.NewRegistry()
	handlers.Register(reg, handlers.Options{ExportBucket: config.Env("EXPORT_BUCKET", "")})
	s := &handlerServer{
		Registry:       reg,
		Metrics:        metrics.NewRegistry(),
		Logger:         logger,
		FunctionPrefix: config.Env("FUNCTION_PREFIX", "vmq-"),
		MaxBodyBytes:   int64(config.EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	addr := config.Env("ADDR", ":8090")
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: config.EnvSeconds("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
	}
	logger.Info().Str("addr", addr).Strs("handlers", reg.Names()).Msg("stubhandler listening")
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *handlerServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("stubhandler"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "stubhandler"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/v1/handlers", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"handlers": s.Registry.Names()})
	})
	r.Post("/v1/handlers/{name}", func(w http.ResponseWriter, r *http.Request) {
		s.invoke(w, r, chi.URLParam(r, "name"))
	})
	r.Post("/2015-03-31/functions/{function}/invocations", func(w http.ResponseWriter, r *http.Request) {
		s.invoke(w, r, strings.TrimPrefix(chi.URLParam(r, "function"), s.FunctionPrefix))
	})
	return r
}

// invoke answers like a Lambda function: HTTP 200 with the envelope, or
// HTTP 200 with an errorMessage body when the handler itself failed.
func (s *handlerServer) invoke(w http.ResponseWriter, r *http.Request, name string) {
	if _, ok := s.Registry.Lookup(name); !ok {
		httpx.Error(w, http.StatusNotFound, fmt.Sprintf("no handler named %q", name))
		return
	}
	var inv models.Invocation
	if !httpx.DecodeJSON(w, r, s.MaxBodyBytes, &inv) {
		return
	}
	resp, err := s.Registry.Invoke(r.Context(), name, inv)
	if err != nil {
		s.Logger.Warn().Err(err).Str("handler", name).Str("request_id", inv.Context.RequestID).Msg("handler failed")
		w.Header().Set("X-Amz-Function-Error", "Unhandled")
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"errorMessage": err.Error(), "errorType": "HandlerError"})
		return
	}
	s.Logger.Info().Str("handler", name).Str("request_id", inv.Context.RequestID).Int("status", resp.StatusCode).Msg("handled")
	httpx.WriteJSON(w, http.StatusOK, resp)
}
