package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/httpx"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	RuleAllow            = "allow"
	RuleApprovalRequired = "approval_required"
	RuleDenyReason       = "deny_reason"

	DefaultTimeout = 2500 * time.Millisecond
)

// RemoteEvaluator queries a policy service exposing one POST endpoint per
// rule at <BaseURL>/<rule>, with body {"input": request} and reply
// {"result": ...}.
type RemoteEvaluator struct {
	Client  *http.Client
	BaseURL string
	Headers map[string]string
	// Timeout bounds each query independently.
	Timeout time.Duration
}

// Evaluate runs the allow and approval queries concurrently, and the
// deny-reason query only when neither holds. Any failed query fails the
// whole evaluation.
func (r RemoteEvaluator) Evaluate(ctx context.Context, req models.AuthorizationRequest) (Decision, error) {
	body, err := json.Marshal(map[string]interface{}{"input": req})
	if err != nil {
		return Decision{}, fmt.Errorf("encode policy input: %w", err)
	}
	var allow, approval bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := r.queryBool(gctx, RuleAllow, body)
		allow = v
		return err
	})
	g.Go(func() error {
		v, err := r.queryBool(gctx, RuleApprovalRequired, body)
		approval = v
		return err
	})
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}
	switch {
	case allow:
		return Decision{Outcome: Allowed, Source: SourceRemote}, nil
	case approval:
		return Decision{Outcome: ApprovalRequired, Source: SourceRemote}, nil
	}
	reason, err := r.queryReason(ctx, body)
	if err != nil {
		return Decision{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = DefaultDenyReason
	}
	return Decision{Outcome: Denied, Reason: reason, Source: SourceRemote}, nil
}

func (r RemoteEvaluator) query(ctx context.Context, rule string, body []byte) (json.RawMessage, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, raw, err := httpx.RequestJSON(ctx, r.Client, httpx.Request{
		Method:  http.MethodPost,
		URL:     strings.TrimRight(r.BaseURL, "/") + "/" + rule,
		Body:    body,
		Headers: r.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", rule, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("policy %s: status %d", rule, status)
	}
	var reply struct {
		Result json.RawMessage `json:"result"`
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("policy %s: malformed reply: %w", rule, err)
	}
	return reply.Result, nil
}

// queryBool reads the result the way the policy language does: null,
// false, zero, "" and empty collections are false, anything else is true.
func (r RemoteEvaluator) queryBool(ctx context.Context, rule string, body []byte) (bool, error) {
	raw, err := r.query(ctx, rule, body)
	if err != nil {
		return false, err
	}
	v, err := decodeResult(raw)
	if err != nil {
		return false, fmt.Errorf("policy %s: %w", rule, err)
	}
	return truthy(v), nil
}

// queryReason returns "" for a falsy result. A non-string result is used
// in its JSON form.
func (r RemoteEvaluator) queryReason(ctx context.Context, body []byte) (string, error) {
	raw, err := r.query(ctx, RuleDenyReason, body)
	if err != nil {
		return "", err
	}
	v, err := decodeResult(raw)
	if err != nil {
		return "", fmt.Errorf("policy %s: %w", RuleDenyReason, err)
	}
	if !truthy(v) {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return strings.TrimSpace(string(raw)), nil
}

func decodeResult(raw json.RawMessage) (interface{}, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("malformed result: %w", err)
	}
	return v, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
