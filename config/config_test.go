package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.Addr())
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 30*time.Second, cfg.Call.ConnectTimeout)
	assert.Equal(t, 15*time.Second, cfg.Call.ReconnectTimeout)
	assert.Equal(t, 60*time.Second, cfg.Call.GracePeriod)
	assert.False(t, cfg.JWT.DevTokens)
	assert.False(t, cfg.LiveKit.Configured())
	assert.False(t, cfg.Email.Enabled())
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SERVER_PORT", "8443")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("CALL_RING_TIMEOUT", "20s")
	t.Setenv("DEV_TOKENS", "true")
	t.Setenv("LIVEKIT_URL", "wss://sfu.example.com")
	t.Setenv("LIVEKIT_API_KEY", "key")
	t.Setenv("LIVEKIT_API_SECRET", "secret")
	t.Setenv("RESEND_API_KEY", "re_123")
	t.Setenv("APP_URL", "https://care.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8443, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 20*time.Second, cfg.Call.RingTimeout)
	assert.True(t, cfg.JWT.DevTokens)
	assert.True(t, cfg.LiveKit.Configured())
	assert.True(t, cfg.Email.Enabled())
	assert.Equal(t, "https://care.example.com", cfg.Server.AppURL)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret":    {"JWT_SECRET": ""},
		"bad port":          {"SERVER_PORT": "http"},
		"bad duration":      {"CALL_RING_TIMEOUT": "soon"},
		"negative duration": {"CALL_GRACE_PERIOD": "-1s"},
		"bad bool":          {"DEV_TOKENS": "maybe"},
		"bad limit":         {"RATE_LIMIT_SIGNALS": "lots"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "test-secret")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
