package main

import (
	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/config"
	"github.com/akinalp/carecall/pkg/email"
	"github.com/akinalp/carecall/pkg/ratelimit"
	"github.com/akinalp/carecall/services"
	"github.com/akinalp/carecall/ws"
)

// Services holds every service instance.
type Services struct {
	Auth     services.AuthService
	Relay    services.CallRelayService
	Recorder *services.CallRecordWorker
	History  services.CallHistoryService
	Fallback services.FallbackService
}

// RateLimiters holds the limiters that own a cleanup goroutine.
type RateLimiters struct {
	Signal   *ratelimit.SignalRateLimiter
	DevToken *ratelimit.IPRateLimiter
}

// Stop ends the cleanup goroutines.
func (l *RateLimiters) Stop() {
	l.Signal.Stop()
	l.DevToken.Stop()
}

// initServices builds the services. The relay depends on the recorder, and
// the fallback service reads sessions from the relay.
func initServices(repos *Repositories, hub ws.EventPublisher, cfg *config.Config) (*Services, *RateLimiters, error) {
	var sender email.EmailSender
	if cfg.Email.Enabled() {
		sender = email.NewResendSender(cfg.Email.ResendAPIKey, cfg.Email.FromAddress, cfg.Server.AppURL)
	} else {
		log.Warn().Msg("RESEND_API_KEY not set, missed-call emails are disabled")
		sender = email.NewNoopSender()
	}

	limiters := &RateLimiters{
		Signal: ratelimit.NewSignalRateLimiter(
			cfg.RateLimit.SignalsPerWindow, cfg.RateLimit.SignalWindow, cfg.RateLimit.SignalCooldown, nil),
		DevToken: ratelimit.NewIPRateLimiter(cfg.RateLimit.DevTokenAttempts, cfg.RateLimit.DevTokenWindow, nil),
	}

	notifier := services.NewMissedCallNotifier(repos.Participant, sender)
	recorder := services.NewCallRecordWorker(repos.CallRecord, notifier)

	relayLog := log.With().Str("component", "relay").Logger()
	relay := services.NewCallRelayService(hub, recorder, services.RelayOptions{
		GracePeriod: cfg.Call.GracePeriod,
		Limiter:     limiters.Signal,
		Logger:      &relayLog,
	})

	if !cfg.LiveKit.Configured() {
		log.Warn().Msg("LiveKit not configured, SFU fallback is disabled")
	}

	return &Services{
		Auth:     services.NewAuthService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.DevTokens, nil),
		Relay:    relay,
		Recorder: recorder,
		History:  services.NewCallHistoryService(repos.CallRecord),
		Fallback: services.NewFallbackService(relay, cfg.LiveKit),
	}, limiters, nil
}
