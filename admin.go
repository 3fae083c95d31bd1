package hammerhead

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/acmacalister/hammerhead/proxyurl"
)

// DefaultAdminPrefix is where the admin API is mounted on the proxy port.
// It never collides with proxy URLs, whose first path segment is a session
// ID followed by a destination.
const DefaultAdminPrefix = "/hammerhead/api"

// AdminAPI provides REST endpoints for driving the proxy at runtime: it
// opens and closes sessions, manages per-session and global request filter
// rules, registers mock resources and reloads the global rules.
//
// The API is mounted at a configurable path prefix (default
// [DefaultAdminPrefix]) and uses [chi] for routing.
//
// All endpoints return JSON responses with appropriate status codes.
type AdminAPI struct {
	// Proxy is the proxy instance to manage.
	Proxy *Proxy

	// Logger for admin API events.
	Logger *slog.Logger

	// PathPrefix is the URL path prefix for admin routes.
	PathPrefix string

	// ReloadFunc is called when POST /reload is invoked. If nil, the reload
	// endpoint returns 501 Not Implemented.
	ReloadFunc ReloadFunc

	// Tokens restricts the API to holders of an admin token (optional).
	Tokens *AdminTokens

	router chi.Router
}

// NewAdminAPI creates an AdminAPI wired to the given proxy.
func NewAdminAPI(proxy *Proxy) *AdminAPI {
	a := &AdminAPI{
		Proxy:      proxy,
		Logger:     slog.Default(),
		PathPrefix: DefaultAdminPrefix,
	}
	a.buildRouter()
	return a
}

func (a *AdminAPI) buildRouter() {
	r := chi.NewRouter()
	r.Use(middleware.SetHeader("Content-Type", "application/json"))
	r.Use(a.authorize)

	r.Get("/status", a.handleStatus)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", a.handleListSessions)
		r.Post("/", a.handleOpenSession)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetSession)
			r.Delete("/", a.handleCloseSession)

			r.Get("/rules", a.handleListSessionRules)
			r.Post("/rules", a.handleAddSessionRule)
			r.Delete("/rules", a.handleDeleteSessionRule)

			r.Post("/mocks", a.handleAddMock)
			r.Delete("/mocks", a.handleDeleteMock)

			r.Post("/encode", a.handleEncode)
		})
	})

	r.Get("/rules", a.handleListRules)
	r.Post("/rules", a.handleAddRule)
	r.Delete("/rules", a.handleDeleteRule)
	r.Post("/reload", a.handleReload)

	a.router = r
}

// Handler returns an http.Handler for the admin API routes.
// Mount this on the proxy or a separate listener.
func (a *AdminAPI) Handler() http.Handler {
	return http.StripPrefix(a.PathPrefix, a.router)
}

// ServeHTTP implements http.Handler by delegating to the internal chi router
// after stripping the path prefix.
func (a *AdminAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.Handler().ServeHTTP(w, r)
}

func (a *AdminAPI) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.Tokens != nil && !a.Tokens.Allow(r) {
			a.Logger.Warn("admin request denied", "path", r.URL.Path, "remote", r.RemoteAddr)
			if a.Proxy.Metrics != nil {
				a.Proxy.Metrics.RecordAdminDenied()
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="hammerhead"`)
			a.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --------------------------------------------------------------------------
// Request and response types
// --------------------------------------------------------------------------

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status    string `json:"status"`
	Sessions  int    `json:"sessions"`
	RuleCount int    `json:"rule_count"`
	Uptime    string `json:"uptime,omitempty"`
	Origin    string `json:"origin,omitempty"`

	// Transport is set when the proxy fetches through a TransportPool.
	Transport *TransportPoolStats `json:"transport,omitempty"`
}

// SessionRequest is the body for POST /sessions.
type SessionRequest struct {
	// ID of the new session. Generated when empty.
	ID              string              `json:"id,omitempty"`
	InjectedScripts []string            `json:"injected_scripts,omitempty"`
	Credentials     *Credentials        `json:"credentials,omitempty"`
	Rules           []RequestFilterRule `json:"rules,omitempty"`
}

// SessionResponse is returned by POST /sessions and GET /sessions/{id}.
type SessionResponse struct {
	SessionInfo

	// Prefix is prepended to a destination URL to browse it in the session.
	Prefix string `json:"prefix"`
}

// SessionsResponse is returned by GET /sessions.
type SessionsResponse struct {
	Count    int           `json:"count"`
	Sessions []SessionInfo `json:"sessions"`
}

// RulesResponse is returned by GET /rules and GET /sessions/{id}/rules.
type RulesResponse struct {
	Count int                  `json:"count"`
	Rules []*RequestFilterRule `json:"rules"`
}

// RuleDeleteRequest is the body for DELETE /rules and
// DELETE /sessions/{id}/rules.
type RuleDeleteRequest struct {
	ID string `json:"id"`
}

// MockRequest is the body for POST /sessions/{id}/mocks.
type MockRequest struct {
	URL string `json:"url"`
	MockResponse
}

// EncodeRequest is the body for POST /sessions/{id}/encode.
type EncodeRequest struct {
	URL          string `json:"url"`
	ResourceType string `json:"resource_type,omitempty"`
	Credentials  string `json:"credentials,omitempty"`
	CrossDomain  bool   `json:"cross_domain,omitempty"`
}

// EncodeResponse is returned by POST /sessions/{id}/encode.
type EncodeResponse struct {
	ProxyURL string `json:"proxy_url"`
}

// ErrorResponse is returned for error conditions.
type ErrorResponse struct {
	Error string `json:"error"`
}

// MessageResponse is returned for successful mutations.
type MessageResponse struct {
	Message string `json:"message"`
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

func (a *AdminAPI) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Status:    "ok",
		Sessions:  a.Proxy.Sessions.Count(),
		RuleCount: a.ruleCount(),
	}
	if a.Proxy.Codec != nil {
		resp.Origin = a.Proxy.Codec.Origin(false)
	}
	if a.Proxy.Health != nil {
		resp.Uptime = a.Proxy.Health.Uptime().String()
	}
	if a.Proxy.TransportPool != nil {
		stats := a.Proxy.TransportPool.Stats()
		resp.Transport = &stats
	}

	a.writeJSON(w, http.StatusOK, resp)
}

// --------------------------------------------------------------------------
// Sessions
// --------------------------------------------------------------------------

func (a *AdminAPI) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := a.Proxy.Sessions.List()
	a.writeJSON(w, http.StatusOK, SessionsResponse{Count: len(sessions), Sessions: sessions})
}

func (a *AdminAPI) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !a.decode(w, r, &req) {
		return
	}

	s, err := a.Proxy.Sessions.Open(req.ID, SessionConfig{
		InjectedScripts: req.InjectedScripts,
		Credentials:     req.Credentials,
		Rules:           req.Rules,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrDuplicateSession) {
			status = http.StatusConflict
		}
		a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("session opened via admin API", "session", s.ID)
	a.writeJSON(w, http.StatusCreated, a.sessionResponse(s))
}

func (a *AdminAPI) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	a.writeJSON(w, http.StatusOK, a.sessionResponse(s))
}

func (a *AdminAPI) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Proxy.Sessions.Close(id); err != nil {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("session closed via admin API", "session", id)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "session closed"})
}

func (a *AdminAPI) handleListSessionRules(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	rules := s.Rules()
	a.writeJSON(w, http.StatusOK, RulesResponse{Count: len(rules), Rules: nonNil(rules)})
}

func (a *AdminAPI) handleAddSessionRule(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req RequestFilterRule
	if !a.decode(w, r, &req) {
		return
	}
	if req.Type == "" || req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "type and pattern are required"})
		return
	}

	rule, err := s.AddRule(req)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("session rule added via admin API", "session", s.ID, "rule", rule.ID, "type", rule.Type, "pattern", rule.Pattern)
	a.writeJSON(w, http.StatusCreated, rule)
}

func (a *AdminAPI) handleDeleteSessionRule(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req RuleDeleteRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "id is required"})
		return
	}
	if !s.RemoveRule(req.ID) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
		return
	}

	a.Logger.Info("session rule removed via admin API", "session", s.ID, "rule", req.ID)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *AdminAPI) handleAddMock(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req MockRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url is required"})
		return
	}

	mock := req.MockResponse
	if err := s.AddMock(req.URL, &mock); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	a.Logger.Info("mock added via admin API", "session", s.ID, "url", req.URL)
	a.writeJSON(w, http.StatusCreated, MessageResponse{Message: "mock added"})
}

func (a *AdminAPI) handleDeleteMock(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	dest := r.URL.Query().Get("url")
	if dest == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "url query parameter is required"})
		return
	}
	if !s.RemoveMock(dest) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "mock not found"})
		return
	}
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "mock removed"})
}

func (a *AdminAPI) handleEncode(w http.ResponseWriter, r *http.Request) {
	s, ok := a.session(w, r)
	if !ok {
		return
	}
	var req EncodeRequest
	if !a.decode(w, r, &req) {
		return
	}

	rt, err := proxyurl.ParseResourceType(req.ResourceType)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	mode, err := proxyurl.ParseCredentialsMode(req.Credentials)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	out, err := a.Proxy.Codec.Encode(req.URL, rt, s.ID, proxyurl.Options{
		Credentials: mode,
		CrossDomain: req.CrossDomain,
	})
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, EncodeResponse{ProxyURL: out})
}

// --------------------------------------------------------------------------
// Global rules
// --------------------------------------------------------------------------

func (a *AdminAPI) handleListRules(w http.ResponseWriter, _ *http.Request) {
	if a.Proxy.Filter == nil {
		a.writeJSON(w, http.StatusOK, RulesResponse{Count: 0, Rules: []*RequestFilterRule{}})
		return
	}

	rules := a.Proxy.Filter.Rules()
	a.writeJSON(w, http.StatusOK, RulesResponse{Count: len(rules), Rules: nonNil(rules)})
}

func (a *AdminAPI) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if a.Proxy.Filter == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "global rules are not enabled"})
		return
	}

	var req RequestFilterRule
	if !a.decode(w, r, &req) {
		return
	}
	if req.Type == "" || req.Pattern == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "type and pattern are required"})
		return
	}

	rule, err := a.Proxy.Filter.AddRule(req)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	a.syncRuleCount()

	a.Logger.Info("rule added via admin API", "rule", rule.ID, "type", rule.Type, "pattern", rule.Pattern)
	a.writeJSON(w, http.StatusCreated, rule)
}

func (a *AdminAPI) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if a.Proxy.Filter == nil {
		a.writeJSON(w, http.StatusConflict, ErrorResponse{Error: "global rules are not enabled"})
		return
	}

	var req RuleDeleteRequest
	if !a.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "id is required"})
		return
	}

	if !a.Proxy.Filter.RemoveRule(req.ID) {
		a.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "rule not found"})
		return
	}
	a.syncRuleCount()

	a.Logger.Info("rule removed via admin API", "rule", req.ID)
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "rule removed"})
}

func (a *AdminAPI) handleReload(w http.ResponseWriter, r *http.Request) {
	if a.ReloadFunc == nil {
		a.writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "reload not configured"})
		return
	}

	if err := a.ReloadFunc(r.Context()); err != nil {
		a.Logger.Error("admin API reload failed", "error", err)
		a.writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "reload failed: " + err.Error()})
		return
	}

	a.Logger.Info("rules reloaded via admin API", "rules", a.ruleCount())
	a.writeJSON(w, http.StatusOK, MessageResponse{Message: "reload successful"})
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// session resolves the {id} route parameter. Closed sessions answer 410.
func (a *AdminAPI) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	s, err := a.Proxy.Sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, ErrSessionClosed) {
			status = http.StatusGone
		}
		a.writeJSON(w, status, ErrorResponse{Error: err.Error()})
		return nil, false
	}
	return s, true
}

func (a *AdminAPI) sessionResponse(s *Session) SessionResponse {
	resp := SessionResponse{SessionInfo: s.info()}
	if a.Proxy.Codec != nil {
		resp.Prefix = a.Proxy.Codec.Origin(false) + "/" + s.ID + "/"
	}
	return resp
}

func (a *AdminAPI) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

func (a *AdminAPI) ruleCount() int {
	if a.Proxy.Filter == nil {
		return 0
	}
	return a.Proxy.Filter.Count()
}

func (a *AdminAPI) syncRuleCount() {
	if a.Proxy.Metrics != nil {
		a.Proxy.Metrics.SetFilterRuleCount(a.ruleCount())
	}
}

func nonNil(rules []*RequestFilterRule) []*RequestFilterRule {
	if rules == nil {
		return []*RequestFilterRule{}
	}
	return rules
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.Logger.Error("admin API write error", "error", err)
	}
}
