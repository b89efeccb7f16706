// Package policy decides whether a caller may run an action: a remote
// OPA-style evaluator first, then the static green list.
package policy

import (
	"fmt"
	"strings"
)

type Outcome int

const (
	Denied Outcome = iota
	Allowed
	ApprovalRequired
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "ALLOW"
	case ApprovalRequired:
		return "APPROVAL_REQUIRED"
	default:
		return "DENY"
	}
}

const (
	SourceRemote   = "remote"
	SourceFallback = "fallback"

	DefaultDenyReason = "denied by policy"
)

// Decision is exactly one of Allowed, ApprovalRequired or Denied. Reason is
// set only for denials.
type Decision struct {
	Outcome Outcome
	Reason  string
	Source  string
}

// Proceeds reports whether dispatch may continue. Approval-required
// decisions proceed; handlers mark their own output as needing approval.
func (d Decision) Proceeds() bool {
	return d.Outcome == Allowed || d.Outcome == ApprovalRequired
}

// GreenList maps an action id to the groups allowed to run it without a
// remote decision.
type GreenList map[string]map[string]struct{}

func NewGreenList(table map[string][]string) GreenList {
	g := make(GreenList, len(table))
	for action, groups := range table {
		set := make(map[string]struct{}, len(groups))
		for _, grp := range groups {
			set[strings.TrimSpace(grp)] = struct{}{}
		}
		g[strings.TrimSpace(action)] = set
	}
	return g
}

func (g GreenList) Decide(actionID, group string) Decision {
	if groups, ok := g[actionID]; ok {
		if _, ok := groups[group]; ok {
			return Decision{Outcome: Allowed, Source: SourceFallback}
		}
	}
	return Decision{
		Outcome: Denied,
		Reason:  fmt.Sprintf("action %s is not enabled for group %s", actionID, group),
		Source:  SourceFallback,
	}
}
