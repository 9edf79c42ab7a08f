package main

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/auth"
	"github.com/md-rashed-zaman/rushchat/libs/config"
	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
	"github.com/md-rashed-zaman/rushchat/libs/runtime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

//go:embed assets/gateway.v1.yaml
var openAPISpec embed.FS

func main() {
	service := config.String("SERVICE_NAME", "gateway-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	defer otelx.Start(ctx, service, logger)()

	var jwksClient *auth.JWKSClient
	if jwksURL := config.String("JWKS_URL", ""); jwksURL != "" {
		jwksClient = auth.NewJWKSClient(jwksURL, config.Duration("JWKS_CACHE_TTL", 5*time.Minute))
	}
	verifier := auth.NewVerifier(config.String("JWT_SECRET", "dev-secret"), jwksClient)
	chatURL := mustParseURL(config.String("CHAT_URL", "http://chat-service:8081"))

	limiter, checks, closeLimiter := newLimiter(logger)
	defer closeLimiter()
	checks = append(checks, runtime.ReadyCheck{Name: "chat-service", Check: upstreamCheck(chatURL)})

	mux := runtime.NewProbeMux(checks...)
	limit := httpx.RateLimit(limiter, httpx.PrincipalOrIP, logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	registerRoutes(mux, chatURL, verifier, limit, logger)

	handler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithoutClientPrincipal,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   config.List("CORS_ALLOWED_METHODS", "GET,POST,PUT,DELETE,OPTIONS"),
			AllowedHeaders:   config.List("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id"),
			AllowCredentials: config.Bool("CORS_ALLOW_CREDENTIALS", false),
			MaxAge:           config.Duration("CORS_MAX_AGE", 10*time.Minute),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(int64(config.Int("REQUEST_BODY_LIMIT_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 10*time.Second)),
	)
	handler = otelhttp.NewHandler(handler, "gateway")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := runtime.Serve(ctx, srv, logger, 10*time.Second); err != nil {
		panic(err)
	}
}

// newLimiter uses Redis when REDIS_ADDR is set so replicas share one budget
// per principal, and a process-local limiter otherwise.
func newLimiter(logger *slog.Logger) (httpx.Limiter, []runtime.ReadyCheck, func()) {
	limit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if limit <= 0 {
		limit = 120
	}

	addr := strings.TrimSpace(config.String("REDIS_ADDR", ""))
	if addr == "" {
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limit)
		return httpx.NewMemoryLimiter(limit, time.Minute), nil, func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       max(config.Int("REDIS_DB", 0), 0),
	})
	logger.Info("rate limiting enabled (redis)", "per_minute", limit, "redis_addr", addr)
	check := runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
	limiter := httpx.NewRedisLimiter(rdb, limit, time.Minute, config.String("RATE_LIMIT_PREFIX", "rushchat:rl"))
	return limiter, []runtime.ReadyCheck{check}, func() { _ = rdb.Close() }
}

// upstreamCheck reports chat-service as ready when its /healthz answers 200.
func upstreamCheck(chatURL *url.URL) func(context.Context) error {
	healthz := chatURL.JoinPath("/healthz").String()
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthz, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("healthz returned %d", resp.StatusCode)
		}
		return nil
	}
}

// registerRoutes proxies the chat API. Every route needs a valid token;
// rankings are limited to hosts and admins and the leaderboard to admins.
// Finer per-slot authority is checked by chat-service itself.
func registerRoutes(mux *http.ServeMux, chatURL *url.URL, verifier *auth.Verifier, limit httpx.Middleware, logger *slog.Logger) {
	chatProxy := httputil.NewSingleHostReverseProxy(chatURL)
	chatProxy.Transport = otelhttp.NewTransport(http.DefaultTransport)
	chatProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("chat-service proxy error",
			"request_id", httpx.RequestIDFromContext(r.Context()), "path", r.URL.Path, "err", err)
		httpx.WriteError(w, http.StatusBadGateway, "unavailable", "chat service unavailable")
	}

	authed := func(h http.Handler) http.Handler { return requireAuth(limit(h), verifier) }
	registerProxy(mux, "/api/v1/slots", authed(chatProxy))
	registerProxy(mux, "/api/v1/me", authed(chatProxy))
	registerProxy(mux, "/api/v1/rankings", authed(requireRole(chatProxy, "host", "admin")))
	registerProxy(mux, "/api/v1/leaderboard", authed(requireRole(chatProxy, "admin")))

	mux.HandleFunc("GET /openapi", func(w http.ResponseWriter, _ *http.Request) {
		data, err := openAPISpec.ReadFile("assets/gateway.v1.yaml")
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal", "openapi not available")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	})
}

func registerProxy(mux *http.ServeMux, prefix string, handler http.Handler) {
	mux.Handle(prefix, handler)
	mux.Handle(prefix+"/", handler)
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// requireAuth verifies the bearer token and sets the principal headers from
// its claims.
func requireAuth(next http.Handler, verifier *auth.Verifier) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid Authorization header")
			return
		}

		claims, err := verifier.Verify(token)
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		httpx.SetPrincipalHeaders(r.Header, httpx.Principal{
			ID:   claims.Subject,
			Role: claims.Role,
			Name: claims.Name,
		})
		next.ServeHTTP(w, r)
	})
}

func requireRole(next http.Handler, roles ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := httpx.PrincipalFromRequest(r)
		if !ok || !p.HasRole(roles...) {
			httpx.WriteError(w, http.StatusForbidden, "forbidden", "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
