package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxActiveBookings)
	assert.EqualValues(t, 10, cfg.DBMaxConns)
	assert.Equal(t, 168*time.Hour, cfg.OutboxRetention)
	assert.Equal(t, 168*time.Hour, cfg.SyncRetention)
	assert.Equal(t, 25, cfg.MaxRankingLength)
	assert.Equal(t, "inline", cfg.CalendarSyncMode)
	assert.Equal(t, 30*time.Minute, cfg.CalendarEventDuration)
	assert.Equal(t, 5*time.Second, cfg.CalendarTimeout)
	assert.False(t, cfg.calendarEnabled())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CALENDAR_SYNC_MODE", " Async ")
	t.Setenv("MAX_ACTIVE_BOOKINGS", "3")
	t.Setenv("SYNC_BACKOFF", "90s")
	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")
	t.Setenv("CREDENTIAL_SEAL_KEY", "00")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "async", cfg.CalendarSyncMode)
	assert.Equal(t, 3, cfg.MaxActiveBookings)
	assert.Equal(t, 90*time.Second, cfg.SyncBackoff)
	assert.True(t, cfg.calendarEnabled())
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Run("mode", func(t *testing.T) {
		t.Setenv("CALENDAR_SYNC_MODE", "later")
		_, err := loadConfig()
		assert.Error(t, err)
	})
	t.Run("timezone", func(t *testing.T) {
		t.Setenv("CALENDAR_TIMEZONE", "Mars/Olympus")
		_, err := loadConfig()
		assert.Error(t, err)
	})
	t.Run("duration", func(t *testing.T) {
		t.Setenv("STORE_TIMEOUT", "soon")
		_, err := loadConfig()
		assert.ErrorContains(t, err, "parse env")
	})
}
