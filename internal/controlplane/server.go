package controlplane

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/indexadvisor/internal/core"
	"github.com/wisbric/indexadvisor/internal/safeguards"
)

// Deps bundles every collaborator the control plane's handlers call
// through to. All are optional except the router itself — a nil
// collaborator degrades its corresponding handler to a 503 rather than a
// panic, so the control plane still serves /healthz and /metrics on a
// partially wired process.
type Deps struct {
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	Analyzer  Analyzer
	Lifecycle Lifecycle
	Tenants   TenantAdmin
	Overrides Overrides
	Breaker   BreakerReporter
	Coverage  CoverageReporter
	Pool      PoolReporter
	Window    WindowChecker
	AuditLog  AuditLog
	Features  FeatureDefaults
}

// Server is C's host control-plane HTTP surface: chi router exposing
// bypass_set, status, run_once, plus /healthz and /metrics. Grounded on
// the teacher's internal/httpserver/server.go middleware stack, trimmed to
// the unauthenticated operator surface this spec actually exposes (no
// tenant/session/OIDC auth layer — that application was out of scope, see
// DESIGN.md).
type Server struct {
	Router *chi.Mux
	deps   Deps
}

// NewServer builds the router and mounts every handler.
func NewServer(d Deps) *Server {
	s := &Server{Router: chi.NewRouter(), deps: d}

	s.Router.Use(middleware.RequestID)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(requestLogger(d.Logger))

	s.Router.Get("/healthz", s.handleHealthz)
	if d.Metrics != nil {
		s.Router.Handle("/metrics", promhttp.HandlerFor(d.Metrics, promhttp.HandlerOpts{}))
	}
	s.Router.Get("/status", s.handleStatus)
	s.Router.Post("/bypass", s.handleBypass)
	s.Router.Post("/run-once", s.handleRunOnce)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if logger != nil {
				logger.Info("controlplane: request",
					"method", r.Method, "path", r.URL.Path,
					"status", ww.Status(), "duration", time.Since(start))
			}
		})
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is SystemStatus (spec.md §6: "status() -> SystemStatus
// {features, breakers, coverage, pool, window}").
type statusResponse struct {
	Features map[string]bool  `json:"features"`
	Breakers map[string]string `json:"breakers"`
	Coverage float64          `json:"coverage"`
	Pool     PoolStats        `json:"pool"`
	Window   bool             `json:"maintenance_window_open"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Features: map[string]bool{
			ScopeFeatureAutoIndexing: s.effectiveBool(ScopeFeatureAutoIndexing, s.deps.Features.AutoIndexing),
			ScopeFeatureStats:        s.effectiveBool(ScopeFeatureStats, s.deps.Features.Stats),
			ScopeFeatureInterceptor:  s.effectiveBool(ScopeFeatureInterceptor, s.deps.Features.Interceptor),
			"feature:ml_scoring":     s.effectiveBool("feature:ml_scoring", s.deps.Features.MLScoring),
		},
	}

	if s.deps.Breaker != nil {
		resp.Breakers = make(map[string]string)
		for _, class := range s.deps.Breaker.Classes() {
			resp.Breakers[class] = s.deps.Breaker.State(class)
		}
	}
	if s.deps.Coverage != nil {
		resp.Coverage = s.deps.Coverage.Coverage()
	}
	if s.deps.Pool != nil {
		resp.Pool = s.deps.Pool.Stats()
	}
	if s.deps.Window != nil {
		v := s.deps.Window.Check(r.Context(), safeguards.Target{OpClass: "status_probe"})
		resp.Window = v.Allow
	}

	respond(w, http.StatusOK, resp)
}

func (s *Server) effectiveBool(key string, fallback bool) bool {
	if s.deps.Overrides == nil {
		return fallback
	}
	snap := s.deps.Overrides.Snapshot()
	if v, ok := snap[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// bypassRequest is bypass_set's request body (spec.md §6:
// "bypass_set(scope, enabled, reason)").
type bypassRequest struct {
	Scope   string `json:"scope"`
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func (s *Server) handleBypass(w http.ResponseWriter, r *http.Request) {
	var req bypassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !validScopes[req.Scope] {
		respondError(w, http.StatusBadRequest, "invalid_scope", fmt.Sprintf("unrecognized bypass scope %q", req.Scope))
		return
	}
	if s.deps.Overrides == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "runtime overrides are not wired")
		return
	}

	s.deps.Overrides.SetBool(req.Scope, req.Enabled)
	if s.deps.Logger != nil {
		s.deps.Logger.Info("controlplane: bypass_set", "scope", req.Scope, "enabled", req.Enabled, "reason", req.Reason)
	}
	if s.deps.AuditLog != nil {
		s.deps.AuditLog.Append(core.MutationRecord{
			Kind: core.MutationSystemToggle,
			Payload: mustJSON(core.MutationPayload{
				Reason: req.Reason,
				Mode:   fmt.Sprintf("%s=%v", req.Scope, req.Enabled),
			}),
		})
	}

	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runOnceRequest is run_once's request body (spec.md §6: "run_once(kind in
// {analyze, lifecycle_weekly, lifecycle_monthly, tenant})"). Tenant is only
// read when Kind == "tenant".
type runOnceRequest struct {
	Kind   string `json:"kind"`
	Tenant string `json:"tenant,omitempty"`
}

func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	var req runOnceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	ctx := r.Context()
	switch req.Kind {
	case "analyze":
		if s.deps.Analyzer == nil {
			respondError(w, http.StatusServiceUnavailable, "unavailable", "auto-indexer is not wired")
			return
		}
		summary, err := s.deps.Analyzer.RunOnce(ctx)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "run_failed", err.Error())
			return
		}
		respond(w, http.StatusOK, summary)

	case "lifecycle_weekly":
		if s.deps.Lifecycle == nil {
			respondError(w, http.StatusServiceUnavailable, "unavailable", "lifecycle manager is not wired")
			return
		}
		summary, err := s.deps.Lifecycle.RunWeekly(ctx)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "run_failed", err.Error())
			return
		}
		respond(w, http.StatusOK, summary)

	case "lifecycle_monthly":
		if s.deps.Lifecycle == nil {
			respondError(w, http.StatusServiceUnavailable, "unavailable", "lifecycle manager is not wired")
			return
		}
		summary, err := s.deps.Lifecycle.RunMonthly(ctx)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "run_failed", err.Error())
			return
		}
		respond(w, http.StatusOK, summary)

	case "tenant":
		if s.deps.Tenants == nil {
			respondError(w, http.StatusServiceUnavailable, "unavailable", "tenant admin is not wired")
			return
		}
		if req.Tenant == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "tenant is required for run_once(kind=tenant)")
			return
		}
		if err := s.deps.Tenants.InitializeTenant(ctx, req.Tenant); err != nil {
			respondError(w, http.StatusInternalServerError, "run_failed", err.Error())
			return
		}
		respond(w, http.StatusOK, map[string]string{"status": "ok", "tenant": req.Tenant})

	default:
		respondError(w, http.StatusBadRequest, "invalid_kind", fmt.Sprintf("unrecognized run_once kind %q", req.Kind))
	}
}

func mustJSON(p core.MutationPayload) json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondError(w http.ResponseWriter, status int, errCode, message string) {
	respond(w, status, errorResponse{Error: errCode, Message: message})
}
