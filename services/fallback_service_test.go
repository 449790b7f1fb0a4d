package services

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/carecall/config"
	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/signaling"
)

type staticLookup map[string]signaling.Registration

func (l staticLookup) Lookup(id string) (signaling.Registration, bool) {
	reg, ok := l[id]
	return reg, ok
}

func TestFallbackToken(t *testing.T) {
	cfg := config.LiveKitConfig{
		URL:       "ws://sfu.local:7880",
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-00",
		TokenTTL:  time.Hour,
	}
	sessions := staticLookup{"S1": {SessionID: "S1", CallerID: "U1", CalleeID: "U2"}}
	svc := NewFallbackService(sessions, cfg)
	ctx := context.Background()

	resp, err := svc.GenerateToken(ctx, "U2", "Sam", "S1")
	require.NoError(t, err)
	assert.Equal(t, "S1", resp.Room)
	assert.Equal(t, cfg.URL, resp.URL)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(resp.Token, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.APISecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "U2", claims["sub"])
	assert.Equal(t, "devkey", claims["iss"])
	video, ok := claims["video"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "S1", video["room"])
	assert.Equal(t, true, video["roomJoin"])

	_, err = svc.GenerateToken(ctx, "U3", "Eve", "S1")
	assert.ErrorIs(t, err, pkg.ErrForbidden)

	_, err = svc.GenerateToken(ctx, "U1", "Ada", "S9")
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestFallbackUnconfigured(t *testing.T) {
	svc := NewFallbackService(staticLookup{}, config.LiveKitConfig{})
	_, err := svc.GenerateToken(context.Background(), "U1", "Ada", "S1")
	assert.ErrorIs(t, err, pkg.ErrUnavailable)
}
