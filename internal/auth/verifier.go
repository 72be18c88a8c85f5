package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingSubject       = errors.New("auth: subject required")
)

// SessionClaims mirrors the JWT payload emitted by the identity provider.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// VerifierConfig describes how provider-issued HS256 JWTs are validated.
type VerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// Verifier validates identity-provider session tokens and resolves them to
// engine identities.
type Verifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewVerifier constructs a Verifier with the provided configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
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
	return &Verifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// VerifyToken validates the supplied JWT string and resolves the identity it
// carries. Privilege is derived from the provider's role claims.
func (v *Verifier) VerifyToken(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &SessionClaims{}
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
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrMissingSubject
	}

	displayName := strings.TrimSpace(claims.UserDisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(claims.UserEmail)
	}

	return Identity{
		UserID:      userID,
		DisplayName: displayName,
		Privileged:  rolesGrantPrivilege(claims.UserRoles),
	}, nil
}
