package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	depOK       = "ok"
	depDown     = "down"
	depDisabled = "disabled"
)

// dependency is one readiness probe. A required dependency that is down
// makes the instance unready; an optional one only degrades it.
type dependency struct {
	name     string
	required bool
	ping     func(ctx context.Context) error // nil when not configured
}

// HealthHandler reports liveness and dependency readiness.
type HealthHandler struct {
	deps    []dependency
	env     string
	version string
}

// NewHealthHandler accepts nil for a dependency the process runs without.
func NewHealthHandler(pgPool *pgxpool.Pool, rdb *redis.Client, env, version string) *HealthHandler {
	pg := dependency{name: "postgres", required: true}
	if pgPool != nil {
		pg.ping = pgPool.Ping
	}

	rd := dependency{name: "redis"}
	if rdb != nil {
		rd.ping = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	return &HealthHandler{
		deps:    []dependency{pg, rd},
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	})
}

// Readiness answers 503 only when a required dependency is down.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := ReadinessResponse{
		Status:       "ok",
		Version:      h.version,
		Env:          h.env,
		Dependencies: make(map[string]string, len(h.deps)),
	}

	for _, d := range h.deps {
		state := probe(ctx, d)
		resp.Dependencies[d.name] = state
		if state != depDown {
			continue
		}
		if d.required {
			resp.Status = "error"
		} else if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status == "error" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func probe(ctx context.Context, d dependency) string {
	if d.ping == nil {
		return depDisabled
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := d.ping(pingCtx); err != nil {
		return depDown
	}
	return depOK
}
