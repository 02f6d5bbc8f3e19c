package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 2*time.Hour, cfg.Broadcast.StaleAfter)
	assert.Equal(t, 10, cfg.Broadcast.SignalBatch)
	assert.Equal(t, 100, cfg.Broadcast.ReactionCap)
	assert.True(t, cfg.Fallback.Enabled)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}, cfg.WebRTC.ICEUrls)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STALE_AFTER_MIN", "30")
	t.Setenv("FALLBACK_ENABLED", "false")
	t.Setenv("WEBRTC_ICE_URLS", " stun:a:3478 , ,turn:b:3478 ")
	t.Setenv("PUBLIC_BASE_URL", "https://media.example.gov/")
	t.Setenv("BREAKER_FAILURE_RATE", "0.25")
	t.Setenv("SIGNAL_BATCH", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Broadcast.StaleAfter)
	assert.False(t, cfg.Fallback.Enabled)
	assert.Equal(t, []string{"stun:a:3478", "turn:b:3478"}, cfg.WebRTC.ICEUrls)
	assert.Equal(t, 0.25, cfg.Store.BreakerFailureRate)
	assert.Equal(t, 10, cfg.Broadcast.SignalBatch, "invalid values fall back to the default")
	assert.Equal(t, "https://media.example.gov/live/live-abc", cfg.Server.ShareLink("live-abc"))
}
