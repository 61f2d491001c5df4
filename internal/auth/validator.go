// Package auth guards the sync endpoints with HS256 bearer tokens shared
// between the local process and its sync driver.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("sync token: signing secret required")
	ErrMissingIssuer        = errors.New("sync token: issuer required")
	ErrMissingToken         = errors.New("sync token: token required")
	ErrInvalidToken         = errors.New("sync token: invalid token")
	ErrExpiredToken         = errors.New("sync token: token expired")
	ErrMissingDriver        = errors.New("sync token: driver required")
)

const bearerPrefix = "bearer "

// SyncClaims identify the sync driver holding a token.
type SyncClaims struct {
	Driver string `json:"driver"`
	jwt.RegisteredClaims
}

// Config is shared by the validator and the issuer.
type Config struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Validator checks sync driver tokens.
type Validator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewValidator constructs a validator with the provided configuration.
func NewValidator(cfg Config) (*Validator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Validator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *Validator) ValidateToken(tokenString string) (SyncClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SyncClaims{}, ErrMissingToken
	}

	claims := &SyncClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SyncClaims{}, ErrExpiredToken
		}
		return SyncClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SyncClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Driver) == "" {
		return SyncClaims{}, ErrMissingDriver
	}
	return *claims, nil
}

// ValidateRequest reads the bearer token of the Authorization header and validates it.
func (v *Validator) ValidateRequest(r *http.Request) (SyncClaims, error) {
	if r == nil {
		return SyncClaims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return SyncClaims{}, ErrMissingToken
	}
	return v.ValidateToken(header[len(bearerPrefix):])
}
