package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyzReportsEachCheck(t *testing.T) {
	mux := NewProbeMux(
		ReadyCheck{Name: "store", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("no brokers") }},
		ReadyCheck{Name: "skipped"},
	)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report ReadyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "unavailable", report.Status)
	assert.Equal(t, map[string]string{"store": "ok", "kafka": "no brokers"}, report.Checks)
}

func TestReadyzWithoutChecks(t *testing.T) {
	mux := NewProbeMux()
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), `"status":"ok"`, path)
	}
}

func TestProbeBoundsSlowChecks(t *testing.T) {
	report := Probe(context.Background(), ReadyCheck{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	assert.Equal(t, "unavailable", report.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), report.Checks["slow"])
}
