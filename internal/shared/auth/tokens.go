package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/healthnexus/platform/internal/shared/config"
	"github.com/healthnexus/platform/internal/shared/types"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
)

// Token types carried in the typ claim; both kinds may share a secret.
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// ValidRole reports whether role is one of the portal roles.
func ValidRole(role string) bool {
	return role == RolePatient || role == RoleDoctor
}

// Claims is the access token payload
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Phone  string `json:"phone"`
	Role   string `json:"role"`
	Type   string `json:"typ"`
}

// RefreshClaims is the refresh token payload
type RefreshClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"id"`
	Type   string `json:"typ"`
}

// TokenPair is returned on every successful login or refresh
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Issuer signs and parses HS256 session tokens
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// NewIssuer creates a token issuer from auth config
func NewIssuer(cfg config.AuthConfig) *Issuer {
	return &Issuer{
		accessSecret:  []byte(cfg.JWTSecret),
		refreshSecret: []byte(cfg.JWTRefreshSecret),
		accessTTL:     cfg.AccessTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           time.Now,
	}
}

// RefreshTTL is how long a refresh token stays valid
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// Issue creates a new access/refresh pair for the user
func (i *Issuer) Issue(userID types.ID, phone, role string) (TokenPair, error) {
	now := i.now()

	access := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
		UserID: userID.String(),
		Phone:  phone,
		Role:   role,
		Type:   tokenTypeAccess,
	})
	accessToken, err := access.SignedString(i.accessSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh := jwt.NewWithClaims(jwt.SigningMethodHS256, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
		},
		UserID: userID.String(),
		Type:   tokenTypeRefresh,
	})
	refreshToken, err := refresh.SignedString(i.refreshSecret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}

	return TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// ParseAccess validates an access token and returns its claims
func (i *Issuer) ParseAccess(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.accessSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" || claims.Type != tokenTypeAccess {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// ParseRefresh validates a refresh token and returns its claims
func (i *Issuer) ParseRefresh(tokenString string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.refreshSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" || claims.Type != tokenTypeRefresh {
		return nil, fmt.Errorf("invalid refresh token claims")
	}
	return claims, nil
}
