package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/handlers"
	"github.com/VaultSovereign/vmq-oracle/pkg/invoke"
	"github.com/VaultSovereign/vmq-oracle/pkg/metrics"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

func newTestServer() *handlerServer {
	reg := invoke.NewRegistry()
	handlers.Register(reg, handlers.Options{})
	reg.Register("explode", func(context.Context, models.Invocation) envelope.Response {
		panic("kaboom")
	})
	return &handlerServer{Registry: reg, Metrics: metrics.NewRegistry(), Logger: zerolog.Nop(), FunctionPrefix: "vmq-", MaxBodyBytes: 1 << 20}
}

func TestHandlersList(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer().Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/handlers", nil))
	var out struct{ Handlers []string }
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if len(out.Handlers) != 7 || out.Handlers[0] != "compliance-pack" {
		t.Fatalf("unexpected handlers %v", out.Handlers)
	}
}

// The gateway's HTTP invoker must decode what this server returns, through
// both the plain URL and the Lambda-style path.
func TestGatewayInvokerRoundTrip(t *testing.T) {
	srv := httptest.NewServer(newTestServer().Routes())
	defer srv.Close()
	inv := models.Invocation{
		Action:  "summarize-docs",
		Context: models.RequestContext{RequestID: "rq-1"},
		Params:  map[string]interface{}{"documentUris": []string{"s3://doc1"}},
	}
	h := invoke.HTTPInvoker{Client: srv.Client(), LambdaEndpoint: srv.URL}

	for _, target := range []string{
		srv.URL + "/v1/handlers/summarize-docs",
		"arn:aws:lambda:eu-west-1:123456789012:function:vmq-summarize-docs",
	} {
		resp, err := h.Invoke(context.Background(), target, inv)
		if err != nil {
			t.Fatalf("%s: %v", target, err)
		}
		body, ok := resp.Structured().Body.(envelope.StructuredBody)
		if !ok || !strings.Contains(body["summaryMarkdown"].(string), "s3://doc1") {
			t.Fatalf("%s: unexpected body %#v", target, resp.Body)
		}
	}

	resp, err := h.Invoke(context.Background(), srv.URL+"/v1/handlers/validate-schema", models.Invocation{Params: map[string]interface{}{}})
	if err != nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected a 400 envelope, got %+v %v", resp, err)
	}
}

func TestHandlerFailureUsesFunctionErrorShape(t *testing.T) {
	srv := httptest.NewServer(newTestServer().Routes())
	defer srv.Close()
	h := invoke.HTTPInvoker{Client: srv.Client()}
	_, err := h.Invoke(context.Background(), srv.URL+"/v1/handlers/explode", models.Invocation{})
	if err == nil || !strings.Contains(err.Error(), "HandlerError") || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected function error, got %v", err)
	}
}

func TestUnknownHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestServer().Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/handlers/nope", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRunStubHandler(t *testing.T) {
	t.Setenv("ENVIRONMENT", "test")
	noTelemetry := func(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	var code int
	err := runStubHandler(noTelemetry, func(server *http.Server) error {
		rec := httptest.NewRecorder()
		server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		code = rec.Code
		return http.ErrServerClosed
	})
	if err != nil || code != http.StatusOK {
		t.Fatalf("unexpected run result %v %d", err, code)
	}

	failing := func(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
		return nil, errors.New("exporter down")
	}
	if err := runStubHandler(failing, nil); err == nil {
		t.Fatal("expected telemetry error")
	}
}
