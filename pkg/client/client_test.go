package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
)

func newGateway(t *testing.T) (*httptest.Server, *map[string]interface{}) {
	t.Helper()
	var lastInvoke map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/actions/invoke", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"missing bearer token"}`))
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&lastInvoke)
		switch lastInvoke["actionId"] {
		case "summarize-docs":
			_ = json.NewEncoder(w).Encode(envelope.Serialized(http.StatusOK, map[string]string{"summaryMarkdown": "# ok"}))
		case "throttled":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
		default:
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(envelope.Error(http.StatusForbidden, "denied by policy"))
		}
	})
	mux.HandleFunc("/v1/actions/catalog", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"7","catalog":[{"id":"summarize-docs","enabled":true}]}`))
	})
	mux.HandleFunc("/v1/actions/handoffs", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"handoffs":[{"id":"summarize-docs","handoffText":"Summarize","targetRef":"local:summarize-docs","safetyTier":"GREEN"}]}`))
	})
	mux.HandleFunc("/v1/personas/resolve", func(w http.ResponseWriter, r *http.Request) {
		groups := r.URL.Query()["group"]
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"personaId": "delivery-manager",
			"groups":    groups,
			"system":    map[string]interface{}{"tone": "concise", "preferred_sources": []string{}, "answer_guidance": "", "glossary_aliases": map[string]interface{}{}},
		})
	})
	mux.HandleFunc("/v1/audit/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audit/rq-1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"request_id":"rq-1","action":"summarize-docs","decision":"ALLOW","status_code":200,"params":{"a":1},"latency_ms":2.5,"created_at":"2026-01-02T03:04:05Z"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &lastInvoke
}

func TestInvokeReturnsEnvelopeForAnyStatus(t *testing.T) {
	srv, last := newGateway(t)
	c := New(srv.URL+"/", time.Second)
	c.AuthToken = "tok"
	ctx := context.Background()

	resp, err := c.Invoke(ctx, InvokeRequest{ActionID: "summarize-docs", UserID: "ana", Groups: []string{"engineering"}, RequestID: "rq-9"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	body, ok := resp.Body.(envelope.StructuredBody)
	if resp.StatusCode != http.StatusOK || !ok || body["summaryMarkdown"] != "# ok" {
		t.Fatalf("unexpected envelope %+v", resp)
	}
	sent := *last
	if sent["params"] == nil || sent["context"].(map[string]interface{})["requestId"] != "rq-9" {
		t.Fatalf("unexpected request body %v", sent)
	}

	resp, err = c.Invoke(ctx, InvokeRequest{ActionID: "compliance-pack"})
	if err != nil || resp.StatusCode != http.StatusForbidden || resp.ErrorMessage() != "denied by policy" {
		t.Fatalf("expected 403 envelope, got %+v %v", resp, err)
	}
}

func TestInvokeNonEnvelopeIsAPIError(t *testing.T) {
	srv, _ := newGateway(t)
	c := New(srv.URL, time.Second)
	_, err := c.Invoke(context.Background(), InvokeRequest{ActionID: "summarize-docs"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "missing bearer token" {
		t.Fatalf("expected 401 api error, got %v", err)
	}
	c.AuthToken = "tok"
	_, err = c.Invoke(context.Background(), InvokeRequest{ActionID: "throttled"})
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 api error, got %v", err)
	}
}

func TestReadEndpoints(t *testing.T) {
	srv, _ := newGateway(t)
	c := New(srv.URL, time.Second)
	ctx := context.Background()

	cat, err := c.Catalog(ctx)
	if err != nil || cat.Version != "7" || len(cat.Actions) != 1 {
		t.Fatalf("unexpected catalog %+v %v", cat, err)
	}
	handoffs, err := c.Handoffs(ctx)
	if err != nil || len(handoffs) != 1 || handoffs[0].TargetRef != "local:summarize-docs" {
		t.Fatalf("unexpected handoffs %+v %v", handoffs, err)
	}
	res, err := c.ResolvePersona(ctx, []string{"delivery", "Other"})
	if err != nil || res.PersonaID != "delivery-manager" || len(res.Groups) != 2 || res.System.Tone != "concise" {
		t.Fatalf("unexpected resolution %+v %v", res, err)
	}
	rec, err := c.Audit(ctx, "rq-1")
	if err != nil || rec.Decision != "ALLOW" || string(rec.Params) != `{"a":1}` || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected audit record %+v %v", rec, err)
	}
	_, err = c.Audit(ctx, "rq-missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	if _, err := New(base, 100*time.Millisecond).Catalog(context.Background()); err == nil {
		t.Fatal("expected transport error")
	}
}
