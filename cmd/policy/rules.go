package main

import (
	"context"
	"fmt"

	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/policy"
)

type tierLookup interface {
	FindAction(ctx context.Context, id string) (models.Action, bool)
}

// Rules layers safety tiers over the green list: RED actions are always
// denied, YELLOW actions need approval, everything else follows the list.
type Rules struct {
	Tables  config.Tables
	Green   policy.GreenList
	Catalog tierLookup
}

type Verdict struct {
	Allow            bool
	ApprovalRequired bool
	DenyReason       string
}

func (v Verdict) Outcome() policy.Outcome {
	switch {
	case v.Allow:
		return policy.Allowed
	case v.ApprovalRequired:
		return policy.ApprovalRequired
	default:
		return policy.Denied
	}
}

func (r *Rules) Evaluate(ctx context.Context, req models.AuthorizationRequest) Verdict {
	group := r.Tables.NormalizeGroup(req.User.Group)
	tier := models.TierUnknown
	if action, ok := r.Catalog.FindAction(ctx, req.Action); ok {
		tier = action.SafetyTier
	}
	if tier == models.TierRed {
		return Verdict{DenyReason: fmt.Sprintf("action %s is RED tier and cannot be run from the gateway", req.Action)}
	}
	d := r.Green.Decide(req.Action, group)
	if d.Outcome != policy.Allowed {
		return Verdict{DenyReason: d.Reason}
	}
	if tier == models.TierYellow {
		return Verdict{ApprovalRequired: true}
	}
	return Verdict{Allow: true}
}
