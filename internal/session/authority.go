package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TokenPair is what Issue and Rotate hand back to the caller.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	UserID           string
	IssuedAt         time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// UserChecker reports whether a user still exists. Rotation refuses to mint
// tokens for deleted users.
type UserChecker interface {
	UserExists(ctx context.Context, userID string) bool
}

// Rotation outcomes reported to an Observer.
const (
	ResultRotated = "rotated"
	ResultInvalid = "invalid"
	ResultReuse   = "reuse"
)

// Observer receives security-relevant events. The server's metrics
// implement it.
type Observer interface {
	Rotated(result string)
	ReuseDetected(userID string)
}

type nopObserver struct{}

func (nopObserver) Rotated(string)       {}
func (nopObserver) ReuseDetected(string) {}

// Option configures an Authority.
type Option func(*Authority)

// WithObserver attaches an Observer.
func WithObserver(o Observer) Option {
	return func(a *Authority) { a.observer = o }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) { a.log = l }
}

// Authority issues, verifies and rotates token pairs. Access tokens are
// verified statelessly; refresh tokens are single-use and tracked in a Ledger.
type Authority struct {
	ledger   Ledger
	signer   *Signer
	users    UserChecker
	observer Observer
	log      *slog.Logger
}

// NewAuthority wires an Authority. users may be nil, in which case every
// subject is considered live.
func NewAuthority(ledger Ledger, signer *Signer, users UserChecker, opts ...Option) *Authority {
	a := &Authority{
		ledger:   ledger,
		signer:   signer,
		users:    users,
		observer: nopObserver{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Signer exposes the token signer (TTLs are needed for cookie expiry).
func (a *Authority) Signer() *Signer { return a.signer }

func (a *Authority) mint(userID string) (TokenPair, error) {
	access, accessExp, err := a.signer.Sign(KindAccess, userID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, refreshExp, err := a.signer.Sign(KindRefresh, userID)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		UserID:           userID,
		IssuedAt:         a.signer.now(),
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

// Issue mints a fresh pair for userID and records the refresh token.
func (a *Authority) Issue(ctx context.Context, userID string) (TokenPair, error) {
	if userID == "" {
		return TokenPair{}, errors.New("issue: empty user id")
	}
	pair, err := a.mint(userID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := a.ledger.Put(ctx, Digest(pair.RefreshToken), userID, a.signer.RefreshTTL); err != nil {
		return TokenPair{}, fmt.Errorf("record refresh token: %w", err)
	}
	a.log.Debug("session issued", "user", userID)
	return pair, nil
}

// VerifyAccess checks signature and expiry of an access token. It never
// touches the ledger.
func (a *Authority) VerifyAccess(token string) (*Claims, error) {
	return a.signer.Parse(KindAccess, token)
}

// Rotate exchanges a live refresh token for a new pair. The old token is
// consumed in the same ledger operation that records the new one, so of two
// concurrent rotations of one token at most one succeeds.
//
// A token that verifies but is no longer in the ledger has already been
// consumed. Every refresh token of its subject is revoked before
// ErrReuseDetected is returned.
func (a *Authority) Rotate(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := a.signer.Parse(KindRefresh, refreshToken)
	if err != nil {
		a.observer.Rotated(ResultInvalid)
		return TokenPair{}, err
	}

	var pair TokenPair
	userID, err := a.ledger.Swap(ctx, Digest(refreshToken), a.signer.RefreshTTL, func(owner string) (string, error) {
		if owner != claims.Subject {
			return "", fmt.Errorf("%w: subject mismatch", ErrInvalidCredential)
		}
		if a.users != nil && !a.users.UserExists(ctx, owner) {
			return "", fmt.Errorf("%w: user no longer exists", ErrInvalidCredential)
		}
		p, err := a.mint(owner)
		if err != nil {
			return "", err
		}
		pair = p
		return Digest(p.RefreshToken), nil
	})
	switch {
	case err == nil:
		a.observer.Rotated(ResultRotated)
		a.log.Debug("session rotated", "user", userID)
		return pair, nil
	case errors.Is(err, ErrTokenNotFound):
		return TokenPair{}, a.reuse(ctx, claims.Subject)
	case errors.Is(err, ErrInvalidCredential):
		a.observer.Rotated(ResultInvalid)
		return TokenPair{}, err
	default:
		return TokenPair{}, fmt.Errorf("rotate: %w", err)
	}
}

// reuse revokes synchronously; the caller only sees ErrReuseDetected once
// the user's tokens are gone.
func (a *Authority) reuse(ctx context.Context, userID string) error {
	a.observer.Rotated(ResultReuse)
	a.observer.ReuseDetected(userID)
	n, err := a.ledger.DeleteUser(ctx, userID)
	if err != nil {
		a.log.Error("revocation after reuse failed", "user", userID, "error", err)
		return fmt.Errorf("%w: revocation failed: %v", ErrReuseDetected, err)
	}
	a.log.Warn("refresh token reuse detected, sessions revoked", "user", userID, "revoked", n)
	return ErrReuseDetected
}

// RevokeAll deletes every refresh token tracked for userID.
func (a *Authority) RevokeAll(ctx context.Context, userID string) (int, error) {
	n, err := a.ledger.DeleteUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all: %w", err)
	}
	a.log.Info("sessions revoked", "user", userID, "revoked", n)
	return n, nil
}

// Revoke drops a single refresh token (logout). Unknown or expired tokens
// are not an error.
func (a *Authority) Revoke(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return a.ledger.Delete(ctx, Digest(refreshToken))
}

// Sweep purges expired ledger entries.
func (a *Authority) Sweep(ctx context.Context) (int, error) {
	return a.ledger.Sweep(ctx)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (a *Authority) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := a.Sweep(ctx)
			if err != nil {
				a.log.Error("ledger sweep failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Debug("ledger swept", "expired", n)
			}
		}
	}
}
