// Package auth guards the admin endpoints. Callers present either the
// server-held admin secret or a short-lived session token minted from it.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	issuer       = "englisheditor"
	adminSubject = "admin"
	hkdfInfo     = "englisheditor admin session v1"
)

var (
	ErrNotConfigured  = errors.New("admin secret not configured")
	ErrInvalidSecret  = errors.New("invalid admin credential")
	ErrInvalidSession = errors.New("invalid session token")
)

type Service interface {
	// IssueSession exchanges the admin secret for a session token.
	IssueSession(secret string) (token string, expiresAt time.Time, err error)
	// Authenticate accepts the admin secret or a session token and returns
	// the subject to record as the actor.
	Authenticate(credential string) (subject string, err error)
}

type service struct {
	secret     []byte
	signingKey []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewService derives the session signing key from secret. An empty secret
// disables admin access entirely.
func NewService(secret string, ttl time.Duration) (*service, error) {
	s := &service{secret: []byte(secret), ttl: ttl, now: time.Now}
	if ttl <= 0 {
		s.ttl = 12 * time.Hour
	}
	if secret == "" {
		return s, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	s.signingKey = key
	return s, nil
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
}

func (s *service) checkSecret(secret string) error {
	if len(s.secret) == 0 {
		return ErrNotConfigured
	}
	if subtle.ConstantTimeCompare([]byte(secret), s.secret) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

func (s *service) IssueSession(secret string) (string, time.Time, error) {
	if err := s.checkSecret(secret); err != nil {
		return "", time.Time{}, err
	}
	now := s.now()
	exp := now.Add(s.ttl)
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   adminSubject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return tok, exp, nil
}

func (s *service) Authenticate(credential string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNotConfigured
	}
	if s.checkSecret(credential) == nil {
		return adminSubject, nil
	}
	// Session tokens are JWTs; anything else is a wrong secret.
	if strings.Count(credential, ".") != 2 {
		return "", ErrInvalidSecret
	}
	tok, err := jwt.ParseWithClaims(credential, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return "", ErrInvalidSession
	}
	return "session:" + c.ID, nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
