package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/auth"
	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func passThrough(next http.Handler) http.Handler { return next }

func bearer(t *testing.T, subject, name, role string) string {
	t.Helper()
	token, err := auth.SignHS256(auth.NewClaims(subject, name, role, time.Hour), testSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestRequireRole(t *testing.T) {
	h := requireRole(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), "host", "admin")

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	httpx.SetPrincipalHeaders(req.Header, httpx.Principal{ID: "u1", Role: "occupant"})
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	assert.Equal(t, http.StatusForbidden, rw.Code)

	reqOK := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	httpx.SetPrincipalHeaders(reqOK.Header, httpx.Principal{ID: "u1", Role: "Host"})
	rwOK := httptest.NewRecorder()
	h.ServeHTTP(rwOK, reqOK)
	assert.Equal(t, http.StatusOK, rwOK.Code)
}

func TestRequireAuthHS256(t *testing.T) {
	var seen httpx.Principal
	h := requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = httpx.PrincipalFromRequest(r)
		w.WriteHeader(http.StatusOK)
	}), auth.NewVerifier(testSecret, nil))

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", bearer(t, "user-1", "Riley", "occupant"))
	req.Header.Set(httpx.HeaderUserID, "spoofed")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code)
	assert.Equal(t, httpx.Principal{ID: "user-1", Role: "occupant", Name: "Riley"}, seen)

	reqBad := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqBad.Header.Set("Authorization", "Bearer badtoken")
	rwBad := httptest.NewRecorder()
	h.ServeHTTP(rwBad, reqBad)
	assert.Equal(t, http.StatusUnauthorized, rwBad.Code)

	reqNone := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	rwNone := httptest.NewRecorder()
	h.ServeHTTP(rwNone, reqNone)
	assert.Equal(t, http.StatusUnauthorized, rwNone.Code)
}

func TestRoutesProxyToChatService(t *testing.T) {
	var gotPath, gotUser, gotRole string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser = r.Header.Get(httpx.HeaderUserID)
		gotRole = r.Header.Get(httpx.HeaderRole)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	chatURL, err := url.Parse(backend.URL)
	require.NoError(t, err)
	mux := http.NewServeMux()
	registerRoutes(mux, chatURL, auth.NewVerifier(testSecret, nil), passThrough, discard)

	cases := []struct {
		name   string
		path   string
		role   string
		status int
	}{
		{"slots for any principal", "/api/v1/slots/abc/book", "occupant", http.StatusOK},
		{"rankings need host", "/api/v1/rankings", "occupant", http.StatusForbidden},
		{"rankings as host", "/api/v1/rankings", "host", http.StatusOK},
		{"leaderboard needs admin", "/api/v1/leaderboard", "host", http.StatusForbidden},
		{"leaderboard as admin", "/api/v1/leaderboard", "admin", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotPath = ""
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			req.Header.Set("Authorization", bearer(t, "u1", "User", tc.role))
			rw := httptest.NewRecorder()
			mux.ServeHTTP(rw, req)
			assert.Equal(t, tc.status, rw.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, tc.path, gotPath)
				assert.Equal(t, "u1", gotUser)
				assert.Equal(t, tc.role, gotRole)
			}
		})
	}
}

func TestOpenAPIServed(t *testing.T) {
	mux := http.NewServeMux()
	registerRoutes(mux, &url.URL{Scheme: "http", Host: "127.0.0.1:1"}, auth.NewVerifier(testSecret, nil), passThrough, discard)

	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/openapi", nil))
	require.Equal(t, http.StatusOK, rw.Code)
	body, err := io.ReadAll(rw.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/api/v1/slots/{id}/book")
}

func TestRateLimitIsPerPrincipal(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()
	chatURL, err := url.Parse(backend.URL)
	require.NoError(t, err)

	limit := httpx.RateLimit(httpx.NewMemoryLimiter(1, time.Minute), httpx.PrincipalOrIP, discard, false)
	mux := http.NewServeMux()
	registerRoutes(mux, chatURL, auth.NewVerifier(testSecret, nil), limit, discard)

	book := func(subject string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/slots/s1/book", nil)
		req.Header.Set("Authorization", bearer(t, subject, "", "rushee"))
		rw := httptest.NewRecorder()
		mux.ServeHTTP(rw, req)
		return rw.Code
	}
	assert.Equal(t, http.StatusOK, book("r1"))
	assert.Equal(t, http.StatusTooManyRequests, book("r1"))
	assert.Equal(t, http.StatusOK, book("r2"))
}

func TestProxyErrorIsJSON(t *testing.T) {
	mux := http.NewServeMux()
	registerRoutes(mux, &url.URL{Scheme: "http", Host: "127.0.0.1:1"}, auth.NewVerifier(testSecret, nil), passThrough, discard)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil)
	req.Header.Set("Authorization", bearer(t, "u1", "", "host"))
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	require.Equal(t, http.StatusBadGateway, rw.Code)

	var body httpx.ErrorBody
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Code)
}

func TestUpstreamCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	u, err := url.Parse(healthy.URL)
	require.NoError(t, err)
	assert.NoError(t, upstreamCheck(u)(context.Background()))

	down := &url.URL{Scheme: "http", Host: "127.0.0.1:1"}
	assert.Error(t, upstreamCheck(down)(context.Background()))
}
