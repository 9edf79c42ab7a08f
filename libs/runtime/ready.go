package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ReadyCheck is a named dependency probed by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// ReadyReport is the /readyz body. Checks maps each dependency to "ok" or its error.
type ReadyReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

const readyTimeout = 2 * time.Second

// NewProbeMux returns a mux serving /healthz (liveness) and /readyz, which runs
// every check concurrently and answers 503 if any fails.
func NewProbeMux(checks ...ReadyCheck) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeReport(w, http.StatusOK, ReadyReport{Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		report := Probe(r.Context(), checks...)
		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeReport(w, status, report)
	})
	return mux
}

// Probe runs the checks in parallel, each bounded by its own timeout.
func Probe(ctx context.Context, checks ...ReadyCheck) ReadyReport {
	report := ReadyReport{Status: "ok", Checks: make(map[string]string, len(checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checks {
		if c.Check == nil {
			continue
		}
		name := c.Name
		if name == "" {
			name = "dependency"
		}
		wg.Add(1)
		go func(name string, check func(context.Context) error) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, readyTimeout)
			defer cancel()
			result := "ok"
			if err := check(cctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			report.Checks[name] = result
			if result != "ok" {
				report.Status = "unavailable"
			}
		}(name, c.Check)
	}
	wg.Wait()
	return report
}

func writeReport(w http.ResponseWriter, status int, report ReadyReport) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}
