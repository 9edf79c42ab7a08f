package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/rushchat/libs/config"
	"github.com/md-rashed-zaman/rushchat/services/chat-service/internal/booking"
)

type Config struct {
	DatabaseURL  string `env:"DATABASE_URL"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	DBMaxConns   int32  `env:"DB_MAX_CONNS" envDefault:"10"`

	MaxActiveBookings int           `env:"MAX_ACTIVE_BOOKINGS" envDefault:"2"`
	MaxRankingLength  int           `env:"MAX_RANKING_LENGTH" envDefault:"25"`
	LeaderboardLimit  int           `env:"LEADERBOARD_DEFAULT_LIMIT" envDefault:"25"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`

	CalendarTimeout       time.Duration `env:"CALENDAR_TIMEOUT" envDefault:"5s"`
	CalendarSyncMode      string        `env:"CALENDAR_SYNC_MODE" envDefault:"inline"`
	CalendarEventDuration time.Duration `env:"CALENDAR_EVENT_DURATION" envDefault:"30m"`
	CalendarTimezone      string        `env:"CALENDAR_TIMEZONE" envDefault:"UTC"`
	CalendarAPIBaseURL    string        `env:"CALENDAR_API_BASE_URL"`
	GoogleClientID        string        `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret    string        `env:"GOOGLE_CLIENT_SECRET"`
	GoogleTokenURL        string        `env:"GOOGLE_TOKEN_URL"`
	CredentialSealKey     string        `env:"CREDENTIAL_SEAL_KEY"`
	BreakerMaxFailures    int           `env:"CALENDAR_BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerReset          time.Duration `env:"CALENDAR_BREAKER_RESET" envDefault:"30s"`

	SyncInterval    time.Duration `env:"SYNC_WORKER_INTERVAL" envDefault:"5s"`
	SyncBatch       int           `env:"SYNC_WORKER_BATCH" envDefault:"20"`
	SyncMaxAttempts int           `env:"SYNC_MAX_ATTEMPTS" envDefault:"5"`
	SyncBackoff     time.Duration `env:"SYNC_BACKOFF" envDefault:"1m"`
	SyncRetention   time.Duration `env:"SYNC_JOB_RETENTION" envDefault:"168h"`

	OutboxPollEvery time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize int           `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	OutboxRetention time.Duration `env:"OUTBOX_RETENTION" envDefault:"168h"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.CalendarSyncMode = strings.ToLower(strings.TrimSpace(cfg.CalendarSyncMode))
	switch booking.Mode(cfg.CalendarSyncMode) {
	case booking.ModeInline, booking.ModeAsync:
	default:
		return Config{}, fmt.Errorf("CALENDAR_SYNC_MODE must be inline or async, got %q", cfg.CalendarSyncMode)
	}
	if cfg.MaxActiveBookings < 0 {
		return Config{}, fmt.Errorf("MAX_ACTIVE_BOOKINGS must not be negative")
	}
	if _, err := time.LoadLocation(cfg.CalendarTimezone); err != nil {
		return Config{}, fmt.Errorf("CALENDAR_TIMEZONE: %w", err)
	}
	return cfg, nil
}

// calendarEnabled reports whether Google credentials and a seal key are both set.
func (c Config) calendarEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.CredentialSealKey != ""
}
