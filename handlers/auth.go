package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/pkg/ratelimit"
	"github.com/akinalp/carecall/services"
)

// AuthHandler serves identity endpoints. Real accounts live on the booking
// platform; the relay only mints tokens in development.
type AuthHandler struct {
	authService services.AuthService
	limiter     *ratelimit.IPRateLimiter
}

// NewAuthHandler creates the handler. A nil limiter disables rate limiting.
func NewAuthHandler(authService services.AuthService, limiter *ratelimit.IPRateLimiter) *AuthHandler {
	return &AuthHandler{authService: authService, limiter: limiter}
}

// DevToken mints a signed access token.
//
//	POST /api/dev/token
//	Request:  { "participant_id": "U1", "display_name": "Ada", "role": "clinician" }
//	Response: { "access_token": "eyJ...", "expires_at": "..." }
func (h *AuthHandler) DevToken(w http.ResponseWriter, r *http.Request) {
	ip := ratelimit.ExtractIP(r)
	if h.limiter != nil && !h.limiter.Allow(ip) {
		retryAfter := h.limiter.RetryAfterSeconds(ip)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		pkg.ErrorWithMessage(w, http.StatusTooManyRequests,
			localizer(r).TWithParams("api.rateLimited", map[string]string{
				"retry": ratelimit.FormatRetryMessage(retryAfter),
			}))
		return
	}

	var req models.DevTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkg.ErrorWithMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.authService.MintDevToken(req)
	if err != nil {
		pkg.Error(w, err)
		return
	}
	pkg.JSON(w, http.StatusCreated, resp)
}

// Me echoes the authenticated participant.
//
//	GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFrom(r)
	if !ok {
		pkg.ErrorWithMessage(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	pkg.JSON(w, http.StatusOK, claims.Participant())
}
