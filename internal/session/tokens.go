package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind separates access tokens from refresh tokens so one can never
// stand in for the other.
type TokenKind string

const (
	KindAccess  TokenKind = "access"
	KindRefresh TokenKind = "refresh"
)

const issuer = "secure-chat"

// Claims are the JWT claims carried by both token kinds. The subject is the user id.
type Claims struct {
	Kind TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

// UserID returns the subject claim.
func (c *Claims) UserID() string { return c.Subject }

// Signer mints and verifies HS256 tokens. Access and refresh tokens use
// separate secrets and lifetimes.
type Signer struct {
	accessSecret  []byte
	refreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	now           func() time.Time
}

// NewSigner returns a Signer. Both secrets must be non-empty.
func NewSigner(accessSecret, refreshSecret []byte, accessTTL, refreshTTL time.Duration) (*Signer, error) {
	if len(accessSecret) == 0 || len(refreshSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	return &Signer{
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		AccessTTL:     accessTTL,
		RefreshTTL:    refreshTTL,
		now:           time.Now,
	}, nil
}

// SetClock replaces the time source. Tests only.
func (s *Signer) SetClock(now func() time.Time) { s.now = now }

func (s *Signer) params(kind TokenKind) ([]byte, time.Duration) {
	if kind == KindRefresh {
		return s.refreshSecret, s.RefreshTTL
	}
	return s.accessSecret, s.AccessTTL
}

// Sign mints a token of the given kind for userID. Every token carries a
// random jti, so two tokens minted in the same second still differ.
func (s *Signer) Sign(kind TokenKind, userID string) (string, time.Time, error) {
	secret, ttl := s.params(kind)
	now := s.now()
	exp := now.Add(ttl).Truncate(jwt.TimePrecision)
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return token, exp, nil
}

// Parse verifies signature, issuer, expiry and kind.
func (s *Signer) Parse(kind TokenKind, token string) (*Claims, error) {
	secret, _ := s.params(kind)
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.Kind != kind || claims.Subject == "" {
		return nil, fmt.Errorf("%w: wrong token kind", ErrInvalidCredential)
	}
	return claims, nil
}

// Digest is the ledger key for a refresh token. Raw tokens are never stored.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
