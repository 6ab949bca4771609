// Package health serves the liveness, readiness and status endpoints.
//
//   - GET /healthz answers 200 while the process can serve HTTP.
//   - GET /readyz answers 200 only when every [Checker] passes.
//   - GET /health reports "ok" plus the registered status details, such as
//     whether LiveKit credentials are configured and how many tracks are
//     being listened to.
//
// All responses are JSON with a top-level "status" field.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and must respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Detail is a named value reported by /health. Value is called on every
// request.
type Detail struct {
	Name  string
	Value func() any
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The checker and detail lists are
// fixed at construction.
type Handler struct {
	checkers []Checker
	details  []Detail
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds a readiness check.
func WithChecker(name string, check func(ctx context.Context) error) Option {
	return func(h *Handler) { h.checkers = append(h.checkers, Checker{Name: name, Check: check}) }
}

// WithDetail adds a value to the /health response.
func WithDetail(name string, value func() any) Option {
	return func(h *Handler) { h.details = append(h.details, Detail{Name: name, Value: value}) }
}

// New returns a Handler configured by opts.
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each with its own [checkTimeout],
// and answers 503 if any fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)
	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return
			}
			checks[c.Name] = "ok"
		})
	}
	wg.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Status answers 200 with "status":"ok" and every registered detail as a
// top-level field.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	body := make(map[string]any, len(h.details)+1)
	for _, d := range h.details {
		body[d.Name] = d.Value()
	}
	body["status"] = "ok"
	writeJSON(w, http.StatusOK, body)
}

// CheckNames returns the registered checker names, sorted.
func (h *Handler) CheckNames() []string {
	out := make([]string, len(h.checkers))
	for i, c := range h.checkers {
		out[i] = c.Name
	}
	sort.Strings(out)
	return out
}

// Register adds the three routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /health", h.Status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
