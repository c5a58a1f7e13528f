package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the liveness body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness body: overall status plus one entry per
// dependency.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker is implemented by stores, the projector and the identity
// key source.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// ReadinessChecks lists what must be reachable before the service takes
// workflow traffic. TemplatesLoaded always runs; nil checkers are skipped.
type ReadinessChecks struct {
	TemplatesLoaded func() bool

	InstanceStore    HealthChecker
	TemplateStore    HealthChecker
	IdempotencyStore HealthChecker
	Projector        HealthChecker
	Identity         HealthChecker
}

var errNoTemplates = errors.New("no workflow templates available")

func (c ReadinessChecks) named() map[string]HealthChecker {
	out := map[string]HealthChecker{
		"templates": CheckFunc(func(context.Context) error {
			if c.TemplatesLoaded == nil || !c.TemplatesLoaded() {
				return errNoTemplates
			}
			return nil
		}),
	}
	for name, hc := range map[string]HealthChecker{
		"instance_store":    c.InstanceStore,
		"template_store":    c.TemplateStore,
		"idempotency_store": c.IdempotencyStore,
		"projector":         c.Projector,
		"identity":          c.Identity,
	} {
		if hc != nil {
			out[name] = hc
		}
	}
	return out
}

const checkTimeout = 2 * time.Second

// HandleHealth serves liveness; it never touches dependencies.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady runs every check concurrently and answers 503 when any fails.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	named := checks.named()
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]CheckResult, len(named))
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for name, hc := range named {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := runCheck(r.Context(), hc)
				mu.Lock()
				results[name] = res
				mu.Unlock()
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		code := http.StatusOK
		for _, res := range results {
			if res.Status != "ok" {
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, resp)
	}
}

func runCheck(parent context.Context, hc HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := hc.HealthCheck(ctx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "error"
		res.Error = err.Error()
	}
	return res
}

func writeHealthJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
