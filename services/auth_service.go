package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/pkg/clock"
)

// tokenIssuer is set on dev tokens so they can be told apart in logs.
const tokenIssuer = "carecall-dev"

// AuthService verifies access tokens. Accounts live on the booking
// platform; the relay only shares its HS256 secret.
type AuthService interface {
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)
	// MintDevToken signs a token locally. It fails with pkg.ErrForbidden
	// unless dev tokens are enabled.
	MintDevToken(req models.DevTokenRequest) (*models.TokenResponse, error)
}

type authService struct {
	jwtSecret []byte
	accessExp time.Duration
	devTokens bool
	clock     clock.Clock
}

// NewAuthService creates the service. A nil clk uses the real clock.
func NewAuthService(jwtSecret string, accessExpiry time.Duration, devTokens bool, clk clock.Clock) AuthService {
	if clk == nil {
		clk = clock.Real()
	}
	return &authService{
		jwtSecret: []byte(jwtSecret),
		accessExp: accessExpiry,
		devTokens: devTokens,
		clock:     clk,
	}
}

func (s *authService) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", pkg.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token claims", pkg.ErrUnauthorized)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: token without user_id", pkg.ErrUnauthorized)
	}
	if claims.Role != "" && !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", pkg.ErrUnauthorized, claims.Role)
	}

	return claims, nil
}

func (s *authService) MintDevToken(req models.DevTokenRequest) (*models.TokenResponse, error) {
	if !s.devTokens {
		return nil, fmt.Errorf("%w: dev tokens are disabled", pkg.ErrForbidden)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pkg.ErrBadRequest, err)
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.accessExp)
	claims := &models.TokenClaims{
		UserID:      req.ParticipantID,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Role:        req.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   req.ParticipantID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &models.TokenResponse{AccessToken: signed, ExpiresAt: expiresAt.UTC()}, nil
}
