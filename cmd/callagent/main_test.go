package main

import (
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/carecall/handlers"
	"github.com/akinalp/carecall/pkg/i18n"
	"github.com/akinalp/carecall/services"
	"github.com/akinalp/carecall/signaling"
)

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-p", "U1", "--call", "S1", "--to", "U2"})
	require.NoError(t, err)
	assert.Equal(t, "U1", opts.participant)
	assert.Equal(t, "S1", opts.call)
	assert.Equal(t, "U2", opts.to)
	assert.Equal(t, "ws://localhost:9090/ws", opts.server)
	assert.False(t, opts.autoAccept)

	opts, err = parseFlags([]string{"--token", "jwt", "-a"})
	require.NoError(t, err)
	assert.True(t, opts.autoAccept)

	bad := map[string][]string{
		"no identity":  {},
		"call without": {"-p", "U1", "--call", "S1"},
		"to without":   {"-p", "U1", "--to", "U2"},
		"unknown flag": {"-p", "U1", "--bogus"},
	}
	for name, args := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := parseFlags(args)
			assert.Error(t, err)
		})
	}

	_, err = parseFlags([]string{"--help"})
	assert.ErrorIs(t, err, pflag.ErrHelp)
}

func TestDevTokenURL(t *testing.T) {
	cases := map[string]string{
		"ws://localhost:9090/ws":             "http://localhost:9090/api/dev/token",
		"wss://relay.example.com/ws?token=x": "https://relay.example.com/api/dev/token",
		"http://127.0.0.1:1/ws":              "http://127.0.0.1:1/api/dev/token",
	}
	for in, want := range cases {
		got, err := devTokenURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := devTokenURL("ftp://relay/ws")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	locales, err := fs.Sub(i18n.EmbeddedLocales, "locales")
	require.NoError(t, err)
	require.NoError(t, i18n.Load(locales))
	loc := i18n.NewLocalizer("en")

	assert.Equal(t, "Calling Ada...", describe(loc, signaling.StateChange{To: signaling.StateOffering}, "Ada"))
	assert.Equal(t, "Connection unstable, trying to recover...",
		describe(loc, signaling.StateChange{To: signaling.StateConnected, Degraded: true}, "Ada"))
	assert.Equal(t, "Ada ended the call",
		describe(loc, signaling.StateChange{To: signaling.StateEnded, EndReason: signaling.EndRemoteHangup}, "Ada"))
	assert.Equal(t, "Call failed", describe(loc, signaling.StateChange{To: signaling.StateFailed}, "Ada"))
}

func TestRequestDevToken(t *testing.T) {
	auth := services.NewAuthService(strings.Repeat("k", 32), time.Hour, true, nil)
	srv := httptest.NewServer(http.HandlerFunc(handlers.NewAuthHandler(auth, nil).DevToken))
	defer srv.Close()

	server := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	token, err := requestDevToken(context.Background(), server, "U1", "Ada")
	require.NoError(t, err)

	claims, err := auth.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "U1", claims.UserID)
	assert.Equal(t, "Ada", claims.DisplayName)

	t.Run("disabled", func(t *testing.T) {
		off := services.NewAuthService(strings.Repeat("k", 32), time.Hour, false, nil)
		srv := httptest.NewServer(http.HandlerFunc(handlers.NewAuthHandler(off, nil).DevToken))
		defer srv.Close()

		_, err := requestDevToken(context.Background(), srv.URL+"/ws", "U1", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
	})
}
