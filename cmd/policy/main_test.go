package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/metrics"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/policy"
)

type tierMap map[string]models.SafetyTier

func (m tierMap) FindAction(_ context.Context, id string) (models.Action, bool) {
	tier, ok := m[id]
	return models.Action{ID: id, SafetyTier: tier}, ok
}

func newTestServer() *Server {
	tables := config.DefaultTables()
	return &Server{
		Rules: &Rules{
			Tables: tables,
			Green:  policy.NewGreenList(tables.GreenList),
			Catalog: tierMap{
				"summarize-docs":    models.TierGreen,
				"create-jira-draft": models.TierYellow,
				"compliance-pack":   models.TierRed,
				"validate-schema":   models.TierGreen,
			},
		},
		Metrics:             metrics.NewRegistry(),
		Logger:              zerolog.Nop(),
		MaxRequestBodyBytes: 1 << 20,
	}
}

func request(action, group string) models.AuthorizationRequest {
	return models.AuthorizationRequest{
		Action:  action,
		User:    models.User{ID: "ana", Group: group},
		Context: models.RequestContext{RequestID: "rq-1"},
		Params:  map[string]interface{}{},
	}
}

func TestRulesTiers(t *testing.T) {
	rules := newTestServer().Rules
	ctx := context.Background()
	if v := rules.Evaluate(ctx, request("summarize-docs", "engineering")); !v.Allow {
		t.Fatalf("expected allow for aliased group, got %+v", v)
	}
	if v := rules.Evaluate(ctx, request("create-jira-draft", "VaultMesh-Delivery")); v.Allow || !v.ApprovalRequired {
		t.Fatalf("expected approval for yellow tier, got %+v", v)
	}
	if v := rules.Evaluate(ctx, request("compliance-pack", "VaultMesh-Compliance")); v.Outcome() != policy.Denied || !strings.Contains(v.DenyReason, "RED") {
		t.Fatalf("expected red tier deny, got %+v", v)
	}
	v := rules.Evaluate(ctx, request("validate-schema", "VaultMesh-Delivery"))
	if v.Outcome() != policy.Denied || v.DenyReason != "action validate-schema is not enabled for group VaultMesh-Delivery" {
		t.Fatalf("unexpected deny %+v", v)
	}
	if v := rules.Evaluate(ctx, request("unknown", "VaultMesh-Engineering")); v.Outcome() != policy.Denied {
		t.Fatalf("unknown action must be denied, got %+v", v)
	}
}

// The gateway's remote evaluator is the real client of this service.
func TestRemoteEvaluatorAgainstService(t *testing.T) {
	s := newTestServer()
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()
	eval := policy.RemoteEvaluator{Client: srv.Client(), BaseURL: srv.URL + "/v1/data/vmq", Timeout: time.Second}
	ctx := context.Background()

	cases := []struct {
		action, group string
		want          policy.Outcome
		reason        string
	}{
		{"summarize-docs", "VaultMesh-Engineering", policy.Allowed, ""},
		{"create-jira-draft", "VaultMesh-Engineering", policy.ApprovalRequired, ""},
		{"validate-schema", "VaultMesh-Delivery", policy.Denied, "action validate-schema is not enabled for group VaultMesh-Delivery"},
	}
	for _, tc := range cases {
		d, err := eval.Evaluate(ctx, request(tc.action, tc.group))
		if err != nil {
			t.Fatalf("%s: %v", tc.action, err)
		}
		if d.Outcome != tc.want || d.Reason != tc.reason {
			t.Fatalf("%s/%s: got %+v", tc.action, tc.group, d)
		}
	}
	snap := s.Metrics.Snapshot()
	if snap.Decisions["ALLOW"] != 1 || snap.Decisions["APPROVAL_REQUIRED"] != 1 || snap.Decisions["DENY"] != 1 {
		t.Fatalf("unexpected decision counts %v", snap.Decisions)
	}
}

func TestQueryErrors(t *testing.T) {
	h := newTestServer().Routes()
	for _, tc := range []struct {
		path, body string
		want       int
	}{
		{"/v1/data/vmq/allow", `{}`, http.StatusBadRequest},
		{"/v1/data/vmq/allow", `not json`, http.StatusBadRequest},
		{"/v1/data/vmq/bogus", `{"input":{"action":"x"}}`, http.StatusNotFound},
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.path, tc.body, tc.want, rec.Code)
		}
	}
}

func TestInternalToken(t *testing.T) {
	s := newTestServer()
	s.PolicyAuthHeader = "X-Policy-Token"
	s.PolicyAuthToken = "tok"
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	eval := policy.RemoteEvaluator{Client: srv.Client(), BaseURL: srv.URL + "/v1/data/vmq", Timeout: time.Second}
	if _, err := eval.Evaluate(context.Background(), request("summarize-docs", "VaultMesh-Engineering")); err == nil {
		t.Fatal("expected unauthorized query to fail")
	}
	eval.Headers = map[string]string{"X-Policy-Token": "tok"}
	d, err := eval.Evaluate(context.Background(), request("summarize-docs", "VaultMesh-Engineering"))
	if err != nil || d.Outcome != policy.Allowed {
		t.Fatalf("expected allow with token, got %+v %v", d, err)
	}
}

func TestRunPolicy(t *testing.T) {
	noTelemetry := func(context.Context, string, zerolog.Logger) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	noRedis := func(context.Context) (*redis.Client, error) { return nil, errors.New("redis down") }

	t.Run("serves", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "test")
		t.Setenv("DOCSTORE_BACKEND", "file")
		t.Setenv("DOCSTORE_ROOT", t.TempDir())
		var code int
		err := runPolicy(noTelemetry, noRedis, func(server *http.Server) error {
			rec := httptest.NewRecorder()
			body := `{"input":{"action":"summarize-docs","user":{"id":"a","group":"VaultMesh-Engineering"}}}`
			server.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/data/vmq/allow", strings.NewReader(body)))
			code = rec.Code
			return nil
		})
		if err != nil || code != http.StatusOK {
			t.Fatalf("unexpected run result %v %d", err, code)
		}
	})

	t.Run("redis backend unavailable", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "test")
		t.Setenv("DOCSTORE_BACKEND", "redis")
		if err := runPolicy(noTelemetry, noRedis, nil); err == nil || !strings.Contains(err.Error(), "redis") {
			t.Fatalf("expected redis error, got %v", err)
		}
	})

	t.Run("production requires token", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("POLICY_AUTH_HEADER", "")
		t.Setenv("POLICY_AUTH_TOKEN", "")
		if err := runPolicy(noTelemetry, noRedis, nil); err == nil {
			t.Fatal("expected hardening error")
		}
	})
}
