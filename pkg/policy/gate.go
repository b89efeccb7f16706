package policy

import (
	"context"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Evaluator is the remote policy tier.
type Evaluator interface {
	Evaluate(ctx context.Context, req models.AuthorizationRequest) (Decision, error)
}

type Gate struct {
	// Remote is nil in fallback-only mode.
	Remote   Evaluator
	Fallback GreenList
	Logger   zerolog.Logger
}

// Authorize never fails. A remote error is logged and the green list
// decides instead. Remote queries are detached from caller cancellation
// and bounded by their own timeouts.
func (g *Gate) Authorize(ctx context.Context, req models.AuthorizationRequest) Decision {
	ctx, span := telemetry.Tracer().Start(ctx, "policy.authorize")
	defer span.End()
	span.SetAttributes(
		attribute.String("vmq.action", req.Action),
		attribute.String("vmq.group", req.User.Group),
	)

	if g.Remote != nil {
		d, err := g.Remote.Evaluate(context.WithoutCancel(ctx), req)
		if err == nil {
			span.SetAttributes(attribute.String("vmq.decision", d.Outcome.String()), attribute.String("vmq.decision_source", d.Source))
			return d
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "remote policy unavailable")
		g.Logger.Warn().Err(err).
			Str("request_id", req.Context.RequestID).
			Str("action", req.Action).
			Msg("policy service unavailable, using green list")
	}
	d := g.Fallback.Decide(req.Action, req.User.Group)
	span.SetAttributes(attribute.String("vmq.decision", d.Outcome.String()), attribute.String("vmq.decision_source", d.Source))
	return d
}
