// Package dispatch is the gateway's single entry point: authorize, look up
// the action, validate params, invoke the handler, then report the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/invoke"
	"github.com/VaultSovereign/vmq-oracle/pkg/metrics"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/policy"
	"github.com/VaultSovereign/vmq-oracle/pkg/telemetry"
)

type Authorizer interface {
	Authorize(ctx context.Context, req models.AuthorizationRequest) policy.Decision
}

type Catalog interface {
	FindAction(ctx context.Context, id string) (models.Action, bool)
}

type Personas interface {
	LoadPersona(ctx context.Context, id string) models.Persona
}

// Observer receives every outcome after the response is decided. It must
// not block for long and cannot change the response.
type Observer interface {
	Observe(ctx context.Context, out models.Outcome)
}

type Dispatcher struct {
	Gate    Authorizer
	Catalog Catalog
	// Personas fills context.system when the caller did not send one.
	Personas  Personas
	Invoker   invoke.Invoker
	Metrics   metrics.Sink
	Observers []Observer
	Logger    zerolog.Logger
	Now       func() time.Time
	// HandlerTimeout bounds a handler call. Zero leaves it unbounded.
	HandlerTimeout time.Duration
}

func NewRequestID() string {
	return "rq-" + uuid.NewString()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Dispatch always returns an envelope. Denials, validation failures,
// unknown actions and handler failures are reported in it; upstream
// outages were already absorbed by the gate and the stores.
func (d *Dispatcher) Dispatch(ctx context.Context, inv models.Invocation) envelope.Response {
	start := d.now()
	if inv.Context.RequestID == "" {
		inv.Context.RequestID = NewRequestID()
	}
	if inv.Params == nil {
		inv.Params = map[string]interface{}{}
	}
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("vmq.request_id", inv.Context.RequestID),
		attribute.String("vmq.action", inv.Action),
	)

	decision := d.Gate.Authorize(ctx, inv.AuthorizationRequest())
	resp, invoked := d.run(ctx, inv, decision)
	latency := d.now().Sub(start)

	out := models.Outcome{
		RequestID:  inv.Context.RequestID,
		ActionID:   inv.Action,
		User:       inv.User,
		Persona:    inv.Context.Persona,
		Decision:   decision.Outcome.String(),
		StatusCode: resp.StatusCode,
		Latency:    latency,
		LatencyMS:  float64(latency) / float64(time.Millisecond),
		At:         start.UTC(),
	}
	if raw, err := json.Marshal(inv.Params); err == nil {
		out.Params = raw
	}
	if resp.StatusCode >= 400 {
		out.Reason = resp.ErrorMessage()
		span.SetStatus(codes.Error, out.Reason)
	}
	span.SetAttributes(attribute.Int("vmq.status", resp.StatusCode), attribute.String("vmq.decision", out.Decision))

	d.log(out)
	// Invocation samples count successful handler calls only.
	if invoked && resp.StatusCode < 400 {
		d.publish(ctx, out)
	}
	for _, o := range d.Observers {
		o.Observe(ctx, out)
	}
	return resp
}

// run reports whether the handler produced an envelope.
func (d *Dispatcher) run(ctx context.Context, inv models.Invocation, decision policy.Decision) (envelope.Response, bool) {
	if !decision.Proceeds() {
		reason := decision.Reason
		if reason == "" {
			reason = policy.DefaultDenyReason
		}
		return envelope.Fail(envelope.KindAuthorization, reason), false
	}
	action, found := d.Catalog.FindAction(ctx, inv.Action)
	if !found {
		return envelope.NotFound(inv.Action), false
	}
	if !action.Enabled {
		return envelope.Disabled(inv.Action), false
	}
	if missing := inv.MissingParams(action.RequiredParams...); len(missing) > 0 {
		return envelope.MissingParams(missing), false
	}

	if inv.Context.System == nil && d.Personas != nil && inv.Context.Persona != "" {
		sys := d.Personas.LoadPersona(ctx, inv.Context.Persona).SystemContext()
		inv.Context.System = &sys
	}

	hctx := context.WithoutCancel(ctx)
	if d.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, d.HandlerTimeout)
		defer cancel()
	}
	resp, err := d.Invoker.Invoke(hctx, action.TargetRef, inv)
	if err != nil {
		return envelope.HandlerFailed(err), false
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = 200
	}
	if resp.Headers == nil {
		resp.Headers = map[string]string{"Content-Type": "application/json"}
	}
	return resp.Structured(), true
}

func (d *Dispatcher) log(out models.Outcome) {
	var evt *zerolog.Event
	if out.StatusCode < 400 {
		evt = d.Logger.Info().Str("event", "action_ok")
	} else {
		evt = d.Logger.Warn().Str("event", "action_err").Str("reason", out.Reason)
	}
	evt.Str("request_id", out.RequestID).
		Str("action", out.ActionID).
		Str("user", out.User.ID).
		Str("group", out.User.Group).
		Str("persona", out.Persona).
		Str("decision", out.Decision).
		Int("status", out.StatusCode).
		Float64("latency_ms", out.LatencyMS).
		Send()
}

func (d *Dispatcher) publish(ctx context.Context, out models.Outcome) {
	if d.Metrics == nil {
		return
	}
	if err := d.Metrics.Publish(context.WithoutCancel(ctx), metrics.Dispatch(out.ActionID, out.Latency)); err != nil {
		d.Logger.Warn().Err(err).Str("request_id", out.RequestID).Msg("metrics publish failed")
	}
}
