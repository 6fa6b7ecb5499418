package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/snapshots"
	"github.com/opensource-finance/harrier/internal/telemetry"
)

// Deps are the collaborators the API handlers use. Repo, Cache, Bus and
// Metrics may be nil; endpoints that need a missing one answer 503.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Engine    *risk.Engine
	Rules     *rules.RuleSet
	Snapshots *snapshots.Service
	Metrics   *telemetry.Metrics

	// WorkerTenants mirrors the worker's subscriptions. Empty means the
	// worker listens on worker.GlobalTenant.
	WorkerTenants []string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps    Deps
	version string
	now     func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	if deps.Rules == nil {
		deps.Rules = rules.NewRuleSet()
	}
	if deps.Snapshots == nil && deps.Repo != nil {
		deps.Snapshots = snapshots.NewService(deps.Repo, deps.Cache, 0)
	}
	return &Handler{
		deps:    deps,
		version: version,
		now:     time.Now,
	}
}

// ruleStore returns the repository as a rule store, or nil.
func (h *Handler) ruleStore() rules.Store {
	if h.deps.Repo == nil {
		return nil
	}
	return h.deps.Repo
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := make(map[string]string)

	if h.deps.Repo != nil {
		checks["repository"] = "ok"
		if err := h.deps.Repo.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["repository"] = err.Error()
		}
	}
	if h.deps.Cache != nil {
		checks["cache"] = "ok"
		if err := h.deps.Cache.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["cache"] = err.Error()
		}
	}
	if h.deps.Bus != nil {
		checks["eventBus"] = "ok"
		if err := h.deps.Bus.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["eventBus"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.deps.Engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps a domain or repository error onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidSnapshot), errors.Is(err, repository.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
