package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

func TestDispatchSamples(t *testing.T) {
	samples := Dispatch("summarize-docs", 1500*time.Microsecond)
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	if samples[0].Name != ActionsInvoked || samples[0].Value != 1 || samples[0].Unit != UnitCount {
		t.Fatalf("unexpected count sample %+v", samples[0])
	}
	if samples[1].Name != ActionLatency || samples[1].Value != 1.5 || samples[1].Dimensions[DimensionActionID] != "summarize-docs" {
		t.Fatalf("unexpected latency sample %+v", samples[1])
	}
}

func TestPublishFoldsByNameAndDimensions(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()
	_ = r.Publish(ctx, Dispatch("summarize-docs", 10*time.Millisecond))
	_ = r.Publish(ctx, Dispatch("summarize-docs", 30*time.Millisecond))
	_ = r.Publish(ctx, Dispatch("generate-faq", 5*time.Millisecond))
	_ = r.Publish(ctx, []Sample{{Name: " ", Value: 9}})

	snap := r.Snapshot()
	if len(snap.Samples) != 4 {
		t.Fatalf("expected 4 sample series, got %+v", snap.Samples)
	}
	var latency SampleStat
	for _, s := range snap.Samples {
		if s.Name == ActionLatency && s.Dimensions[DimensionActionID] == "summarize-docs" {
			latency = s
		}
	}
	if latency.Count != 2 || latency.Sum != 40 || latency.Max != 30 || latency.Last != 30 {
		t.Fatalf("unexpected latency stat %+v", latency)
	}
}

func TestRegistryObserveAndDecisions(t *testing.T) {
	r := NewRegistry()
	r.ObserveEndpoint("POST /v1/actions/invoke", 200, 15*time.Millisecond)
	r.ObserveEndpoint("POST /v1/actions/invoke", 403, 35*time.Millisecond)
	r.IncDecision("ALLOW")
	r.Observe(context.Background(), models.Outcome{Decision: "ALLOW"})
	r.IncDecision("")
	r.SetGauge("catalog_actions", 6)
	r.SetGauge("", 1)

	snap := r.Snapshot()
	ep := snap.Endpoints["POST /v1/actions/invoke"]
	if ep.Count != 2 || ep.ErrorCount != 1 || ep.MaxMillis != 35 || ep.LastStatusCode != 403 {
		t.Fatalf("unexpected endpoint stat %+v", ep)
	}
	if snap.Decisions["ALLOW"] != 2 || len(snap.Decisions) != 1 {
		t.Fatalf("unexpected decisions %v", snap.Decisions)
	}
	if snap.Gauges["catalog_actions"] != 6 || len(snap.Gauges) != 1 {
		t.Fatalf("unexpected gauges %v", snap.Gauges)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	_ = r.Publish(context.Background(), Dispatch("summarize-docs", 20*time.Millisecond))
	r.ObserveEndpoint("GET /healthz", 200, time.Millisecond)
	r.IncDecision("DENY")

	rr := httptest.NewRecorder()
	r.PrometheusHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil))
	body := rr.Body.String()
	for _, want := range []string{
		`vmq_endpoint_count{endpoint="GET /healthz"} 1`,
		`vmq_decision_total{decision="DENY"} 1`,
		`vmq_actions_invoked_total{action_id="summarize-docs"} 1`,
		`vmq_action_latency_sum{action_id="summarize-docs"} 20`,
		`vmq_action_latency_seconds_count{action="summarize-docs"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestJSONHandlerAndMiddleware(t *testing.T) {
	r := NewRegistry()
	h := r.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/actions/catalog", nil))

	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `"GET /v1/actions/catalog"`) || !strings.Contains(body, `"last_status_code": 418`) {
		t.Fatalf("middleware stat missing: %s", body)
	}
}

func TestSortedKeysAndSnakeCase(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
	if got := snakeCase("ActionsInvoked"); got != "actions_invoked" {
		t.Fatalf("snakeCase=%q", got)
	}
	if got := snakeCase("actionId"); got != "action_id" {
		t.Fatalf("snakeCase=%q", got)
	}
}
