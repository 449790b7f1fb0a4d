package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
)

const devTokenTimeout = 10 * time.Second

// devTokenURL maps the relay's WebSocket URL onto its dev token endpoint.
func devTokenURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = "/api/dev/token"
	u.RawQuery = ""
	return u.String(), nil
}

func requestDevToken(ctx context.Context, server, participantID, displayName string) (string, error) {
	endpoint, err := devTokenURL(server)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(models.DevTokenRequest{ParticipantID: participantID, DisplayName: displayName})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, devTokenTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request dev token: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		pkg.APIResponse
		Data models.TokenResponse `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", fmt.Errorf("decode dev token response (%s): %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusCreated || !envelope.Success {
		return "", fmt.Errorf("dev token refused (%s): %s", resp.Status, envelope.Error)
	}
	return envelope.Data.AccessToken, nil
}
