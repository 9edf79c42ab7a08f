package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/config"
	"github.com/md-rashed-zaman/rushchat/libs/db"
	"github.com/md-rashed-zaman/rushchat/libs/httpx"
	"github.com/md-rashed-zaman/rushchat/libs/kafkax"
	otelx "github.com/md-rashed-zaman/rushchat/libs/otel"
	"github.com/md-rashed-zaman/rushchat/libs/runtime"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/booking"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/calendar"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/directory"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/handlers"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/metrics"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/outbox"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/ranking"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/slots"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/storage"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/syncjobs"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "chat-service")
	port, err := config.Port("PORT", "8081")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		panic(err)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	defer otelx.Start(ctx, service, logger)()

	m := metrics.New()
	var (
		store  storage.Store
		checks []runtime.ReadyCheck
	)
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		store = storage.NewMemory()
	} else {
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
			ApplicationName:  service,
			MaxConns:         cfg.DBMaxConns,
			StatementTimeout: cfg.StoreTimeout,
		})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()

		outboxRepo := outbox.NewRepository(pool)
		pg := storage.NewPostgres(pool, outboxRepo)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", "err", err)
			panic(err)
		}
		store = pg
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})

		if brokers := kafkax.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
			writer := outbox.NewKafkaWriter(brokers)
			defer writer.Close()
			publisher := outbox.NewPublisher(outboxRepo, writer, logger, m, outbox.PublisherConfig{
				PollEvery: cfg.OutboxPollEvery,
				BatchSize: cfg.OutboxBatchSize,
				Retention: cfg.OutboxRetention,
			})
			go publisher.Run(ctx)
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
		} else {
			logger.Warn("KAFKA_BROKERS not set; outbox events stay in the database")
		}
	}

	sealer, dir := newDirectory(cfg, store, logger)
	adapter := newCalendar(cfg, sealer, dir, logger, m)

	registry := slots.NewRegistry(store, slots.Config{
		MaxActive:    cfg.MaxActiveBookings,
		StoreTimeout: cfg.StoreTimeout,
	})
	mirror := booking.NewMirror(adapter, dir, registry, cfg.CalendarTimeout, logger)
	coord := booking.NewCoordinator(registry, mirror, store, booking.Config{
		Mode:           booking.Mode(cfg.CalendarSyncMode),
		MaxJobAttempts: cfg.SyncMaxAttempts,
	}, logger, m)
	aggregator := ranking.NewAggregator(store, ranking.Config{
		MaxLength:    cfg.MaxRankingLength,
		DefaultLimit: cfg.LeaderboardLimit,
		StoreTimeout: cfg.StoreTimeout,
	})

	worker := syncjobs.NewWorker(store, registry, mirror, logger, m, syncjobs.WorkerConfig{
		Interval:  cfg.SyncInterval,
		BatchSize: cfg.SyncBatch,
		Backoff:   cfg.SyncBackoff,
		Retention: cfg.SyncRetention,
	})
	go worker.Run(ctx)

	checks = append(checks, runtime.ReadyCheck{Name: "store", Check: store.Ping})
	mux := runtime.NewProbeMux(checks...)
	mux.Handle("/metrics", m.Handler())
	handlers.New(registry, coord, aggregator, dir, logger).Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "chat")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("calendar sync configured", "mode", cfg.CalendarSyncMode, "enabled", cfg.calendarEnabled())
	if err := runtime.Serve(ctx, srv, logger, 10*time.Second); err != nil {
		panic(err)
	}
}

func newDirectory(cfg Config, store storage.DirectoryStore, logger *slog.Logger) (*calendar.Sealer, *directory.Directory) {
	if cfg.CredentialSealKey == "" {
		return nil, directory.New(store, nil)
	}
	sealer, err := calendar.NewSealerFromHex(cfg.CredentialSealKey)
	if err != nil {
		logger.Error("invalid CREDENTIAL_SEAL_KEY; calendar connections disabled", "err", err)
		return nil, directory.New(store, nil)
	}
	return sealer, directory.New(store, sealer)
}

func newCalendar(cfg Config, sealer *calendar.Sealer, dir *directory.Directory, logger *slog.Logger, m *metrics.Metrics) calendar.Adapter {
	if !cfg.calendarEnabled() || sealer == nil {
		logger.Warn("calendar sync disabled (google client or seal key not configured)")
		return calendar.Disabled{}
	}
	loc, _ := time.LoadLocation(cfg.CalendarTimezone)
	google := calendar.NewGoogle(calendar.GoogleConfig{
		ClientID:      cfg.GoogleClientID,
		ClientSecret:  cfg.GoogleClientSecret,
		APIBaseURL:    cfg.CalendarAPIBaseURL,
		TokenURL:      cfg.GoogleTokenURL,
		Location:      loc,
		EventDuration: cfg.CalendarEventDuration,
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.CalendarTimeout,
		},
	}, dir)
	return calendar.NewBreaker(google, calendar.BreakerConfig{
		MaxFailures:   cfg.BreakerMaxFailures,
		ResetTimeout:  cfg.BreakerReset,
		OnStateChange: func(s calendar.BreakerState) { m.BreakerState(float64(s)) },
	}, logger)
}
