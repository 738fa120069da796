// Package health provides HTTP liveness and readiness handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness check, always 200 OK while the process serves HTTP.
//   - /readyz: readiness check, 200 only when the server is not draining and
//     every registered [Checker] passes.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named check.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// drainingCheck is the key reported while the server drains for shutdown.
const drainingCheck = "draining"

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "archive").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that evaluates checkers, in order, on every
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the server as shutting down. While draining, /readyz
// fails so load balancers stop routing new streams here.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// Draining reports whether SetDraining(true) is in effect.
func (h *Handler) Draining() bool {
	return h.draining.Load()
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when the handler is not draining and every
// [Checker] passes within [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	allOK := true

	if h.draining.Load() {
		checks[drainingCheck] = "fail: shutting down"
		allOK = false
	}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
