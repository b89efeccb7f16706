package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("refresh", map[string]string{"id": "123"})
	if evt.Type != "refresh" || evt.At == "" {
		t.Fatalf("unexpected event %+v", evt)
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil || payload["id"] != "123" {
		t.Fatalf("decode payload: %v %v", payload, err)
	}
	if NewEvent(EventReady, nil).Data != nil {
		t.Fatal("expected no data for nil payload")
	}
}

func TestObservePublishesOutcome(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)
	h.Observe(context.Background(), models.Outcome{RequestID: "rq-1", ActionID: "summarize-docs", StatusCode: 200})

	select {
	case evt := <-ch:
		if evt.Type != EventOutcome || !strings.Contains(string(evt.Data), `"request_id":"rq-1"`) {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	if h.Subscribers() != 1 {
		t.Fatalf("expected one subscriber, got %d", h.Subscribers())
	}
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)
	h.Publish(NewEvent("first", nil))
	h.Publish(NewEvent("second", nil))

	if evt := <-ch; evt.Type != "first" {
		t.Fatalf("expected first event, got %q", evt.Type)
	}
	select {
	case evt := <-ch:
		t.Fatalf("did not expect second event, got %q", evt.Type)
	default:
	}
	if cap(NewHub().Subscribe(0)) != 32 {
		t.Fatal("expected default buffer 32")
	}
}

func TestHandlerStreamsEvents(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(h.Handler(nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var evt Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil || evt.Type != EventReady {
		t.Fatalf("expected ready event, got %+v %v", evt, err)
	}
	h.Observe(ctx, models.Outcome{RequestID: "rq-9", ActionID: "generate-faq"})
	if err := wsjson.Read(ctx, conn, &evt); err != nil || evt.Type != EventOutcome {
		t.Fatalf("expected outcome event, got %+v %v", evt, err)
	}
	if !strings.Contains(string(evt.Data), "generate-faq") {
		t.Fatalf("unexpected data %s", evt.Data)
	}
}
