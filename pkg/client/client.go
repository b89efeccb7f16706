// Package client is a typed HTTP client for the action gateway.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/catalog"
	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

const maxResponseBytes = 8 << 20

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a gateway reply that is not an action envelope, such as a
// malformed request or a rate limit rejection.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway status=%d: %s", e.StatusCode, e.Message)
}

type InvokeRequest struct {
	ActionID  string
	Params    map[string]interface{}
	UserID    string
	Groups    []string
	RequestID string
	Persona   string
}

type PersonaResolution struct {
	PersonaID string               `json:"personaId"`
	Groups    []string             `json:"groups"`
	System    models.SystemContext `json:"system"`
}

type AuditRecord struct {
	RequestID  string          `json:"request_id"`
	ActionID   string          `json:"action"`
	UserID     string          `json:"user"`
	UserGroup  string          `json:"group"`
	Persona    string          `json:"persona"`
	Decision   string          `json:"decision"`
	Reason     string          `json:"reason"`
	StatusCode int             `json:"status_code"`
	Params     json.RawMessage `json:"params"`
	LatencyMS  float64         `json:"latency_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Invoke returns the dispatch envelope whatever its status. Only transport
// failures and non-envelope replies are errors.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (envelope.Response, error) {
	params := req.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	groups := req.Groups
	if groups == nil {
		groups = []string{}
	}
	payload := map[string]interface{}{
		"actionId": req.ActionID,
		"params":   params,
		"user":     map[string]interface{}{"id": req.UserID, "groups": groups},
		"context":  map[string]interface{}{"requestId": req.RequestID, "persona": req.Persona},
	}
	status, raw, err := c.do(ctx, http.MethodPost, "/v1/actions/invoke", payload)
	if err != nil {
		return envelope.Response{}, err
	}
	var probe map[string]json.RawMessage
	if json.Unmarshal(raw, &probe) == nil {
		if _, ok := probe["statusCode"]; ok {
			var resp envelope.Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				return envelope.Response{}, fmt.Errorf("decode envelope: %w", err)
			}
			return resp.Structured(), nil
		}
	}
	return envelope.Response{}, apiError(status, raw)
}

func (c *Client) Catalog(ctx context.Context) (models.Catalog, error) {
	var out models.Catalog
	err := c.getJSON(ctx, "/v1/actions/catalog", &out)
	return out, err
}

func (c *Client) Handoffs(ctx context.Context) ([]catalog.Handoff, error) {
	var out struct {
		Handoffs []catalog.Handoff `json:"handoffs"`
	}
	err := c.getJSON(ctx, "/v1/actions/handoffs", &out)
	return out.Handoffs, err
}

func (c *Client) ResolvePersona(ctx context.Context, groups []string) (PersonaResolution, error) {
	q := url.Values{}
	for _, g := range groups {
		q.Add("group", g)
	}
	path := "/v1/personas/resolve"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out PersonaResolution
	err := c.getJSON(ctx, path, &out)
	return out, err
}

func (c *Client) Audit(ctx context.Context, requestID string) (AuditRecord, error) {
	var out AuditRecord
	err := c.getJSON(ctx, "/v1/audit/"+url.PathEscape(requestID), &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, path string, dst interface{}) error {
	status, raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return apiError(status, raw)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return resp.StatusCode, raw, nil
}

func apiError(status int, raw []byte) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: status, Message: msg}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
