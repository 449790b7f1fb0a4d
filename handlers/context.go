// Package handlers serves the relay's HTTP JSON API.
//
// Handlers stay thin: parse the request, call a service, write the response
// with pkg.JSON or pkg.Error. Authorization rules live in the services.
package handlers

import (
	"net/http"

	"github.com/akinalp/carecall/models"
)

type contextKey string

// ClaimsContextKey carries the caller's *models.TokenClaims, set by
// middleware.AuthMiddleware.
const ClaimsContextKey contextKey = "claims"

func claimsFrom(r *http.Request) (*models.TokenClaims, bool) {
	claims, ok := r.Context().Value(ClaimsContextKey).(*models.TokenClaims)
	return claims, ok && claims != nil
}
