package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/signaling"
	"github.com/akinalp/carecall/ws"
)

const participantWriteTimeout = 5 * time.Second

// initHubCallbacks connects the hub to the relay and the participant store.
// The hub lives in ws and must not import services, so the wiring is here.
//
// OnSignal runs on the sender's read goroutine, which keeps one sender's
// envelopes in order. OnUserFullyDisconnected runs on the hub loop, before a
// reconnect of the same user is registered. OnConnect runs on its own goroutine.
func initHubCallbacks(hub *ws.Hub, svcs *Services, repos *Repositories) {
	hub.OnConnect(func(claims *models.TokenClaims) {
		p := claims.Participant()
		p.LastSeenAt = time.Now().UTC()

		ctx, cancel := context.WithTimeout(context.Background(), participantWriteTimeout)
		defer cancel()
		if err := repos.Participant.Upsert(ctx, &p); err != nil {
			log.Error().Err(err).Str("user", p.ID).Msg("failed to store participant")
		}
	})

	hub.OnSignal(func(senderID string, env signaling.Envelope) {
		svcs.Relay.HandleSignal(senderID, env)
	})

	hub.OnUserFullyDisconnected(func(userID string) {
		svcs.Relay.HandleDisconnect(userID)
	})
}
