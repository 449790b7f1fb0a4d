// Package config loads the relay configuration from the environment.
// A .env file in the working directory is read first, for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every setting, grouped by concern.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Call      CallConfig
	LiveKit   LiveKitConfig
	Email     EmailConfig
	ICE       ICEConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string
	Port int
	// AppURL is the public URL of the web app, linked from emails.
	AppURL      string
	CORSOrigins []string
}

// DatabaseConfig holds the SQLite settings.
type DatabaseConfig struct {
	Path string // e.g. ./data/carecall.db
}

// JWTConfig holds the access token settings. The secret is shared with the
// platform that issues the tokens.
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration // lifetime of dev tokens
	DevTokens         bool          // enables POST /api/dev/token
}

// CallConfig is the call policy. The relay applies GracePeriod to ended
// sessions; the timeouts are handed to clients.
type CallConfig struct {
	RingTimeout      time.Duration
	ConnectTimeout   time.Duration
	ReconnectTimeout time.Duration
	GracePeriod      time.Duration
}

// LiveKitConfig points at the SFU used when a P2P call cannot connect.
type LiveKitConfig struct {
	URL       string // e.g. ws://localhost:7880
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// Configured reports whether the fallback can issue tokens.
func (c LiveKitConfig) Configured() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// EmailConfig configures missed-call mail. Empty ResendAPIKey disables it.
type EmailConfig struct {
	ResendAPIKey string
	FromAddress  string
}

// Enabled reports whether mail can be sent.
func (c EmailConfig) Enabled() bool {
	return c.ResendAPIKey != ""
}

// ICEConfig locates the STUN/TURN list.
type ICEConfig struct {
	ConfigFile string
}

// RateLimitConfig bounds inbound signaling and dev token minting.
type RateLimitConfig struct {
	SignalsPerWindow int
	SignalWindow     time.Duration
	SignalCooldown   time.Duration
	DevTokenAttempts int
	DevTokenWindow   time.Duration
}

// LogConfig selects the zerolog level and writer.
type LogConfig struct {
	Level  string
	Pretty bool
}

// Load builds a Config from the environment.
func Load() (*Config, error) {
	// A missing .env is fine; production uses real variables.
	_ = godotenv.Load()

	port, err := strconv.Atoi(getEnv("SERVER_PORT", "9090"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	d := durations{}
	accessExpiry := d.get("JWT_ACCESS_EXPIRY", "1h")
	ring := d.get("CALL_RING_TIMEOUT", "45s")
	connect := d.get("CALL_CONNECT_TIMEOUT", "30s")
	reconnect := d.get("CALL_RECONNECT_TIMEOUT", "15s")
	grace := d.get("CALL_GRACE_PERIOD", "60s")
	livekitTTL := d.get("LIVEKIT_TOKEN_TTL", "2h")
	signalWindow := d.get("RATE_LIMIT_SIGNAL_WINDOW", "10s")
	signalCooldown := d.get("RATE_LIMIT_SIGNAL_COOLDOWN", "30s")
	devTokenWindow := d.get("RATE_LIMIT_DEV_TOKEN_WINDOW", "1m")
	if d.err != nil {
		return nil, d.err
	}

	signals, err := strconv.Atoi(getEnv("RATE_LIMIT_SIGNALS", "200"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_SIGNALS: %w", err)
	}
	devAttempts, err := strconv.Atoi(getEnv("RATE_LIMIT_DEV_TOKENS", "20"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_DEV_TOKENS: %w", err)
	}

	devTokens, err := getBool("DEV_TOKENS", false)
	if err != nil {
		return nil, err
	}
	pretty, err := getBool("LOG_PRETTY", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        port,
			AppURL:      strings.TrimRight(getEnv("APP_URL", "http://localhost:5173"), "/"),
			CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),
		},
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", "./data/carecall.db"),
		},
		JWT: JWTConfig{
			Secret:            jwtSecret,
			AccessTokenExpiry: accessExpiry,
			DevTokens:         devTokens,
		},
		Call: CallConfig{
			RingTimeout:      ring,
			ConnectTimeout:   connect,
			ReconnectTimeout: reconnect,
			GracePeriod:      grace,
		},
		LiveKit: LiveKitConfig{
			URL:       getEnv("LIVEKIT_URL", ""),
			APIKey:    getEnv("LIVEKIT_API_KEY", ""),
			APISecret: getEnv("LIVEKIT_API_SECRET", ""),
			TokenTTL:  livekitTTL,
		},
		Email: EmailConfig{
			ResendAPIKey: getEnv("RESEND_API_KEY", ""),
			FromAddress:  getEnv("EMAIL_FROM", "noreply@carecall.local"),
		},
		ICE: ICEConfig{
			ConfigFile: getEnv("ICE_CONFIG_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			SignalsPerWindow: signals,
			SignalWindow:     signalWindow,
			SignalCooldown:   signalCooldown,
			DevTokenAttempts: devAttempts,
			DevTokenWindow:   devTokenWindow,
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: pretty,
		},
	}

	return cfg, nil
}

// Addr returns the listen address, e.g. "0.0.0.0:9090".
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getEnv returns the variable or fallback when it is unset.
func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

// durations parses a run of duration variables, keeping the first error.
type durations struct {
	err error
}

func (d *durations) get(key, fallback string) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil {
		d.err = fmt.Errorf("invalid %s: %w", key, err)
		return 0
	}
	if v < 0 {
		d.err = fmt.Errorf("invalid %s: must not be negative", key)
		return 0
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
