package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy lists the browser origins allowed to call the API. An origin may
// be exact ("https://rush.example.edu"), a subdomain wildcard
// ("https://*.example.edu") or "*".
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// WithCORS is a no-op when no origins are configured. Preflights from origins
// outside the policy get 403 instead of reaching the proxy.
func WithCORS(cfg CORSPolicy) Middleware {
	origins := normalizeList(cfg.AllowedOrigins)
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	methods := strings.Join(normalizeList(cfg.AllowedMethods), ", ")
	if methods == "" {
		methods = "GET, POST, PUT, DELETE, OPTIONS"
	}
	allowedHeaders := strings.Join(normalizeList(cfg.AllowedHeaders), ", ")
	maxAge := ""
	if s := int(cfg.MaxAge.Seconds()); s > 0 {
		maxAge = strconv.Itoa(s)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")
			allowOrigin, ok := matchOrigin(origin, origins, cfg.AllowCredentials)
			if !ok {
				if preflight {
					WriteError(w, http.StatusForbidden, "forbidden", "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", allowOrigin)
			h.Set("Access-Control-Expose-Headers", RequestIDHeader+", Retry-After")
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if !preflight {
				next.ServeHTTP(w, r)
				return
			}

			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", methods)
			if allowedHeaders != "" {
				h.Set("Access-Control-Allow-Headers", allowedHeaders)
			}
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func matchOrigin(origin string, allowed []string, allowCredentials bool) (string, bool) {
	for _, candidate := range allowed {
		switch {
		case candidate == "*":
			if allowCredentials {
				return origin, true
			}
			return "*", true
		case strings.EqualFold(candidate, origin):
			return origin, true
		case wildcardMatch(candidate, origin):
			return origin, true
		}
	}
	return "", false
}

// wildcardMatch matches "scheme://*.domain" against a subdomain origin, never
// the bare domain itself.
func wildcardMatch(pattern, origin string) bool {
	scheme, host, ok := strings.Cut(pattern, "://*.")
	if !ok {
		return false
	}
	prefix := strings.ToLower(scheme) + "://"
	origin = strings.ToLower(origin)
	if !strings.HasPrefix(origin, prefix) {
		return false
	}
	rest := strings.TrimPrefix(origin, prefix)
	suffix := "." + strings.ToLower(host)
	return strings.HasSuffix(rest, suffix) && len(rest) > len(suffix)
}
