// Package health serves the liveness and readiness probes of the agent
// server.
//
// GET /healthz answers 200 as long as the process serves HTTP. GET /readyz
// additionally runs every registered [Checker], typically one per external
// collaborator such as the memory store or the speech engine, and answers
// 503 when any of them reports a failure. Both endpoints reply with a JSON
// body of the form
//
//	{"status":"ok","checks":{"memory":"ok"}}
//
// where a failing check carries its error as "fail: <message>".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness check.
const probeTimeout = 5 * time.Second

// Checker probes one collaborator for /readyz. Check returns nil when the
// collaborator is usable; the error message of a failure ends up verbatim in
// the probe response, so it must not contain credentials.
type Checker struct {
	// Name keys the check in the response body, e.g. "memory".
	Name string

	// Check must honour its context deadline.
	Check func(ctx context.Context) error
}

// probeReport is the response body of both endpoints.
type probeReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Handler answers the probe endpoints. The checker set is fixed at
// construction; Handler itself holds no mutable state and is safe for
// concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers. /readyz runs them one after
// another in the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe. Reaching it at all proves the process is
// serving requests, so it unconditionally reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, http.StatusOK, probeReport{Status: statusOK})
}

// Readyz is the readiness probe. Every checker runs with its own
// [probeTimeout] deadline derived from the request context; one failure turns
// the whole response into a 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := probeReport{
		Status: statusOK,
		Checks: make(map[string]string, len(h.checkers)),
	}
	httpStatus := http.StatusOK

	for _, c := range h.checkers {
		if err := h.runCheck(r.Context(), c); err != nil {
			report.Checks[c.Name] = statusFail + ": " + err.Error()
			report.Status = statusFail
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		report.Checks[c.Name] = statusOK
	}

	writeReport(w, httpStatus, report)
}

func (h *Handler) runCheck(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeReport(w http.ResponseWriter, httpStatus int, report probeReport) {
	body, err := json.Marshal(report)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpStatus)
	_, _ = w.Write(append(body, '\n'))
}
