package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/VaultSovereign/vmq-oracle/pkg/eventbus"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

func noTelemetry(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func noDB(context.Context) (gatewayDBCloser, error) {
	return nil, errors.New("db should not be opened")
}

func noRedis(context.Context) (*redis.Client, error) {
	return nil, errors.New("redis unavailable")
}

func noBus(eventbus.KafkaConfig, zerolog.Logger) (outcomePublisher, error) {
	return nil, errors.New("bus should not be opened")
}

type fakeRow struct{ err error }

func (r fakeRow) Scan(...any) error { return r.err }

type fakeDB struct {
	mu     sync.Mutex
	execs  []string
	closed bool
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	d.execs = append(d.execs, sql)
	d.mu.Unlock()
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{err: pgx.ErrNoRows}
}

func (d *fakeDB) Close() { d.closed = true }

type fakeBus struct {
	mu     sync.Mutex
	got    []models.Outcome
	closed bool
}

func (b *fakeBus) Observe(_ context.Context, out models.Outcome) {
	b.mu.Lock()
	b.got = append(b.got, out)
	b.mu.Unlock()
}

func (b *fakeBus) Close() error {
	b.closed = true
	return nil
}

const summarizeBody = `{"actionId":"summarize-docs","params":{"documentUris":["s3://doc1"]},"user":{"id":"ana","group":"VaultMesh-Engineering"}}`

func baseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DOCSTORE_ROOT", writeDocs(t))
	t.Setenv("DOCSTORE_BACKEND", "file")
	t.Setenv("ENVIRONMENT", "test")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	t.Setenv("AUDIT_ENABLED", "false")
	t.Setenv("POLICY_URL", "")
	t.Setenv("AUTH_MODE", "off")
	t.Setenv("LOG_LEVEL", "error")
}

// serveOnce answers one request through the built handler instead of
// binding a port.
func serveOnce(method, path, body string, code *int) gatewayListenFunc {
	return func(server *http.Server) error {
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		*code = rec.Code
		return http.ErrServerClosed
	}
}

func TestRunGatewayServesInvoke(t *testing.T) {
	baseEnv(t)
	var code int
	if err := runGateway(noTelemetry, noDB, noRedis, noBus, serveOnce(http.MethodPost, "/v1/actions/invoke", summarizeBody, &code)); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRunGatewayWiresAuditAndBus(t *testing.T) {
	baseEnv(t)
	t.Setenv("AUDIT_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "localhost:9092")
	db := &fakeDB{}
	bus := &fakeBus{}
	var code int
	err := runGateway(
		noTelemetry,
		func(context.Context) (gatewayDBCloser, error) { return db, nil },
		noRedis,
		func(cfg eventbus.KafkaConfig, _ zerolog.Logger) (outcomePublisher, error) {
			if cfg.Topic == "" || len(cfg.Brokers) != 1 {
				t.Errorf("unexpected kafka config %+v", cfg)
			}
			return bus, nil
		},
		serveOnce(http.MethodPost, "/v1/actions/invoke", summarizeBody, &code),
	)
	if err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "action_audit") {
		t.Fatalf("expected one audit insert, got %v", db.execs)
	}
	if len(bus.got) != 1 || bus.got[0].ActionID != "summarize-docs" {
		t.Fatalf("expected one bus event, got %+v", bus.got)
	}
	if !db.closed || !bus.closed {
		t.Fatal("expected db and bus to be closed on exit")
	}
}

func TestRunGatewayRedisFallback(t *testing.T) {
	baseEnv(t)
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	var code int
	if err := runGateway(noTelemetry, noDB, noRedis, noBus, serveOnce(http.MethodPost, "/v1/actions/invoke", summarizeBody, &code)); err != nil {
		t.Fatalf("runGateway: %v", err)
	}
	if code != http.StatusOK {
		t.Fatalf("expected in-memory limiter to admit the call, got %d", code)
	}
}

func TestRunGatewayErrors(t *testing.T) {
	listenNever := func(*http.Server) error {
		t.Fatal("listen should not be reached")
		return nil
	}

	t.Run("telemetry", func(t *testing.T) {
		baseEnv(t)
		failing := func(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
			return nil, errors.New("exporter down")
		}
		if err := runGateway(failing, noDB, noRedis, noBus, listenNever); err == nil || !strings.Contains(err.Error(), "otel") {
			t.Fatalf("expected otel error, got %v", err)
		}
	})

	t.Run("tables file", func(t *testing.T) {
		baseEnv(t)
		t.Setenv("POLICY_TABLES_FILE", "/nonexistent/policy.yaml")
		if err := runGateway(noTelemetry, noDB, noRedis, noBus, listenNever); err == nil {
			t.Fatal("expected tables error")
		}
	})

	t.Run("database", func(t *testing.T) {
		baseEnv(t)
		t.Setenv("AUDIT_ENABLED", "true")
		if err := runGateway(noTelemetry, noDB, noRedis, noBus, listenNever); err == nil || !strings.Contains(err.Error(), "db:") {
			t.Fatalf("expected db error, got %v", err)
		}
	})

	t.Run("kafka", func(t *testing.T) {
		baseEnv(t)
		t.Setenv("KAFKA_BROKERS", "localhost:9092")
		if err := runGateway(noTelemetry, noDB, noRedis, noBus, listenNever); err == nil || !strings.Contains(err.Error(), "kafka") {
			t.Fatalf("expected kafka error, got %v", err)
		}
	})

	t.Run("redis docstore", func(t *testing.T) {
		baseEnv(t)
		t.Setenv("DOCSTORE_BACKEND", "redis")
		if err := runGateway(noTelemetry, noDB, noRedis, noBus, listenNever); err == nil {
			t.Fatal("expected docstore error without redis")
		}
	})

	t.Run("production hardening", func(t *testing.T) {
		baseEnv(t)
		t.Setenv("ENVIRONMENT", "production")
		if err := runGateway(noTelemetry, noDB, noRedis, noBus, listenNever); err == nil || !strings.Contains(err.Error(), "AUTH_MODE") {
			t.Fatalf("expected auth hardening error, got %v", err)
		}
	})

	t.Run("listen", func(t *testing.T) {
		baseEnv(t)
		err := runGateway(noTelemetry, noDB, noRedis, noBus, func(*http.Server) error { return errors.New("address in use") })
		if err == nil || err.Error() != "address in use" {
			t.Fatalf("expected listen error, got %v", err)
		}
	})
}

func TestMainCallsLogFatalf(t *testing.T) {
	origFatal, origTelemetry := logFatalf, initTelemetryG
	defer func() { logFatalf, initTelemetryG = origFatal, origTelemetry }()
	baseEnv(t)

	called := false
	logFatalf = func(string, ...any) { called = true }
	initTelemetryG = func(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
		return nil, errors.New("boom")
	}
	main()
	if !called {
		t.Fatal("expected logFatalf on startup failure")
	}
}
