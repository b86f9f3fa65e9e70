package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/SonHoang2/secure-chat-app/internal/models"
	"github.com/SonHoang2/secure-chat-app/internal/session"
)

// ErrLoggedOut is returned once the manager holds no credentials.
var ErrLoggedOut = errors.New("not logged in")

const (
	// refreshSkew is how long before access expiry the token is rotated.
	refreshSkew  = 30 * time.Second
	retryBackoff = 5 * time.Second
)

// Refresher rotates refresh tokens. *API implements it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.Session, error)
	Logout(ctx context.Context, refreshToken string) error
}

// SessionManager owns the current token pair. Concurrent refreshes collapse
// into a single rotation. With WithLoad, the stored pair is re-read before
// each rotation so processes sharing one store never present the same
// refresh token twice.
type SessionManager struct {
	api   Refresher
	group singleflight.Group

	mu        sync.RWMutex
	current   models.Session
	listeners []func(models.Session)

	persist       func(models.Session) error
	load          func() (models.Session, error)
	onCompromised func(error)
	skew          time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithPersist saves every new token pair. It receives a zero Session when
// the credentials are dropped.
func WithPersist(fn func(models.Session) error) SessionOption {
	return func(m *SessionManager) { m.persist = fn }
}

// WithLoad re-reads the stored token pair before every rotation. A pair
// written by another process since this manager last saw the store is
// adopted instead of presenting a refresh token that was already consumed.
func WithLoad(fn func() (models.Session, error)) SessionOption {
	return func(m *SessionManager) { m.load = fn }
}

// WithOnCompromised is called after the server reports refresh token reuse.
func WithOnCompromised(fn func(error)) SessionOption {
	return func(m *SessionManager) { m.onCompromised = fn }
}

// WithRefreshSkew overrides how early access tokens are rotated.
func WithRefreshSkew(d time.Duration) SessionOption {
	return func(m *SessionManager) { m.skew = d }
}

func NewSessionManager(api Refresher, sess models.Session, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		api:     api,
		current: sess,
		persist: func(models.Session) error { return nil },
		skew:    refreshSkew,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the token pair in use.
func (m *SessionManager) Current() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnRotate registers fn to run after every successful rotation.
func (m *SessionManager) OnRotate(fn func(models.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AccessToken returns a usable access token, rotating first when the
// current one is about to expire.
func (m *SessionManager) AccessToken(ctx context.Context) (string, error) {
	cur := m.Current()
	if cur.RefreshToken == "" {
		return "", ErrLoggedOut
	}
	if cur.AccessToken != "" && m.now().Add(m.skew).Before(cur.AccessExpiresAt) {
		return cur.AccessToken, nil
	}
	sess, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// Refresh rotates the refresh token. Callers arriving while a rotation is
// in flight share its result.
func (m *SessionManager) Refresh(ctx context.Context) (models.Session, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		cur, fresh := m.syncStored()
		if cur.RefreshToken == "" {
			return models.Session{}, ErrLoggedOut
		}
		next := cur
		if !fresh {
			var err error
			next, err = m.api.Refresh(ctx, cur.RefreshToken)
			if err != nil {
				return models.Session{}, m.refreshFailed(err)
			}
			m.mu.Lock()
			m.current = next
			m.mu.Unlock()

			if err := m.persist(next); err != nil {
				m.log.Warn("failed to save session", "error", err)
			}
			m.log.Debug("session rotated", "user", next.UserID, "access_expires", next.AccessExpiresAt)
		}

		m.mu.RLock()
		listeners := append([]func(models.Session){}, m.listeners...)
		m.mu.RUnlock()
		for _, fn := range listeners {
			fn(next)
		}
		return next, nil
	})
	if err != nil {
		return models.Session{}, err
	}
	return v.(models.Session), nil
}

// syncStored adopts a token pair stored by someone else since this manager
// last rotated. fresh reports that the adopted access token needs no
// rotation yet.
func (m *SessionManager) syncStored() (cur models.Session, fresh bool) {
	cur = m.Current()
	if m.load == nil {
		return cur, false
	}
	stored, err := m.load()
	if err != nil {
		m.log.Warn("failed to reload session", "error", err)
		return cur, false
	}
	if stored.RefreshToken == cur.RefreshToken {
		return cur, false
	}
	m.mu.Lock()
	m.current = stored
	m.mu.Unlock()
	if stored.RefreshToken == "" {
		m.log.Debug("session dropped by another client")
		return stored, false
	}
	m.log.Debug("adopted session stored by another client", "user", stored.UserID)
	return stored, stored.AccessToken != "" && m.now().Add(m.skew).Before(stored.AccessExpiresAt)
}

func (m *SessionManager) refreshFailed(err error) error {
	switch {
	case errors.Is(err, session.ErrReuseDetected):
		m.log.Warn("session compromised, credentials dropped", "error", err)
		m.clear()
		if m.onCompromised != nil {
			m.onCompromised(err)
		}
		return err
	case errors.Is(err, session.ErrInvalidCredential):
		m.clear()
		return fmt.Errorf("%w: %v", ErrLoggedOut, err)
	}
	return err
}

func (m *SessionManager) clear() {
	m.mu.Lock()
	m.current = models.Session{}
	m.mu.Unlock()
	if err := m.persist(models.Session{}); err != nil {
		m.log.Warn("failed to clear session", "error", err)
	}
}

// Run rotates the token pair shortly before each access token expires,
// until ctx is done or the session ends.
func (m *SessionManager) Run(ctx context.Context) error {
	for {
		wait := m.Current().AccessExpiresAt.Sub(m.now()) - m.skew
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}

		_, err := m.Refresh(ctx)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrReuseDetected), errors.Is(err, ErrLoggedOut):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			m.log.Warn("background refresh failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryBackoff):
			}
		}
	}
}

// Logout revokes the refresh token server-side and drops local credentials.
func (m *SessionManager) Logout(ctx context.Context) error {
	cur, _ := m.syncStored()
	if cur.RefreshToken == "" {
		return nil
	}
	err := m.api.Logout(ctx, cur.RefreshToken)
	m.clear()
	return err
}
