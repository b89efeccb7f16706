package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/VaultSovereign/vmq-oracle/pkg/audit"
	"github.com/VaultSovereign/vmq-oracle/pkg/auth"
	"github.com/VaultSovereign/vmq-oracle/pkg/catalog"
	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/httpx"
	"github.com/VaultSovereign/vmq-oracle/pkg/metrics"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/VaultSovereign/vmq-oracle/pkg/persona"
	"github.com/VaultSovereign/vmq-oracle/pkg/ratelimit"
	"github.com/VaultSovereign/vmq-oracle/pkg/stream"
	"github.com/VaultSovereign/vmq-oracle/pkg/telemetry"
)

type dispatcher interface {
	Dispatch(ctx context.Context, inv models.Invocation) envelope.Response
}

type auditStore interface {
	Get(ctx context.Context, requestID string) (audit.Record, error)
}

type Server struct {
	Dispatcher dispatcher
	Catalog    *catalog.Store
	Personas   *persona.Store
	Tables     config.Tables
	Metrics    *metrics.Registry
	Events     *stream.Hub
	// Audit is nil when AUDIT_ENABLED is off.
	Audit  auditStore
	Logger zerolog.Logger

	DefaultUserID       string
	DefaultGroup        string
	MaxRequestBodyBytes int64

	RateLimiter        ratelimit.Limiter
	RateLimitPerMinute int

	AuthMode    string
	AuthSecret  string
	AuthOptions []auth.MiddlewareOption

	CORSAllowedOrigins string
	WSAllowedOrigins   []string
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthOptions...))
		r.Get("/metrics", s.withGauges(s.Metrics.Handler()))
		r.Get("/metrics/prometheus", s.withGauges(s.Metrics.PrometheusHandler()))
		r.Get("/v1/actions/catalog", s.getCatalog)
		r.Get("/v1/actions/handoffs", s.getHandoffs)
		r.Get("/v1/personas/resolve", s.resolvePersona)
		r.Get("/v1/stream", s.Events.Handler(s.WSAllowedOrigins))
		r.Get("/v1/audit/{requestId}", s.getAudit)
		r.Group(func(r chi.Router) {
			if s.RateLimiter != nil {
				r.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute, rateLimitKey))
			}
			r.Post("/v1/actions/invoke", s.invokeAction)
		})
	})
	return r
}

// withGauges samples point-in-time values right before a scrape.
func (s *Server) withGauges(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
		s.Metrics.SetGauge("catalog_actions", float64(len(s.Catalog.Enabled(r.Context()).Actions)))
		next(w, r)
	}
}

type invokeRequest struct {
	ActionID string                 `json:"actionId"`
	Action   string                 `json:"action"`
	Params   map[string]interface{} `json:"params"`
	User     struct {
		ID     string   `json:"id"`
		Group  string   `json:"group"`
		Groups []string `json:"groups"`
	} `json:"user"`
	Context struct {
		RequestID string `json:"requestId"`
		Persona   string `json:"persona"`
	} `json:"context"`
}

func (s *Server) invokeAction(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !httpx.DecodeJSON(w, r, s.MaxRequestBodyBytes, &req) {
		return
	}
	actionID := strings.TrimSpace(req.ActionID)
	if actionID == "" {
		actionID = strings.TrimSpace(req.Action)
	}
	if actionID == "" {
		httpx.Error(w, http.StatusBadRequest, "actionId is required")
		return
	}
	var groups []string
	if req.User.Group != "" {
		groups = append(groups, req.User.Group)
	}
	groups = append(groups, req.User.Groups...)
	user, groups := s.caller(r, req.User.ID, groups)

	personaID := strings.TrimSpace(req.Context.Persona)
	if personaID == "" {
		personaID = s.Personas.ResolvePersonaID(groups)
	}
	resp := s.Dispatcher.Dispatch(r.Context(), models.Invocation{
		Action:  actionID,
		User:    user,
		Context: models.RequestContext{RequestID: strings.TrimSpace(req.Context.RequestID), Persona: personaID},
		Params:  req.Params,
	})
	httpx.WriteJSON(w, resp.StatusCode, resp)
}

// caller resolves identity. A verified principal wins over body fields and
// keeps exactly the groups its token carries. Unauthenticated callers fall
// back to the configured defaults.
func (s *Server) caller(r *http.Request, userID string, groups []string) (models.User, []string) {
	p, verified := auth.PrincipalFromContext(r.Context())
	if verified {
		userID = p.Subject
		groups = p.Groups
	}
	groups = s.Tables.NormalizeGroups(groups)
	if strings.TrimSpace(userID) == "" {
		userID = s.DefaultUserID
	}
	if !verified && len(groups) == 0 && s.DefaultGroup != "" {
		groups = []string{s.Tables.NormalizeGroup(s.DefaultGroup)}
	}
	user := models.User{ID: strings.TrimSpace(userID)}
	if len(groups) > 0 {
		user.Group = groups[0]
	}
	return user, groups
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Catalog.Enabled(r.Context()))
}

func (s *Server) getHandoffs(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"handoffs": s.Catalog.Handoffs(r.Context())})
}

func (s *Server) resolvePersona(w http.ResponseWriter, r *http.Request) {
	var groups []string
	for _, raw := range r.URL.Query()["group"] {
		groups = append(groups, config.SplitList(raw)...)
	}
	_, groups = s.caller(r, "", groups)
	p := s.Personas.Resolve(r.Context(), groups)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"personaId": p.ID,
		"groups":    groups,
		"system":    p.SystemContext(),
	})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotFound, "audit disabled")
		return
	}
	requestID := chi.URLParam(r, "requestId")
	rec, err := s.Audit.Get(r.Context(), requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.Logger.Warn().Err(err).Str("request_id", requestID).Msg("audit lookup failed")
		httpx.Error(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":  rec.RequestID,
		"action":      rec.ActionID,
		"user":        rec.UserID,
		"group":       rec.UserGroup,
		"persona":     rec.Persona,
		"decision":    rec.Decision,
		"reason":      rec.Reason,
		"status_code": rec.StatusCode,
		"params":      rec.Params,
		"latency_ms":  rec.LatencyMS,
		"created_at":  rec.CreatedAt,
	})
}

// rateLimitKey buckets by verified subject, else by client address.
func rateLimitKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" {
		return "sub:" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
