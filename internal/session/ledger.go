package session

import (
	"context"
	"sync"
	"time"
)

// Ledger is the server-side record of live refresh tokens. It keeps two
// views, key -> user and user -> {key...}, and every method mutates both in
// one atomic step so they never disagree.
//
// Keys are token digests (see Digest), not raw tokens.
type Ledger interface {
	// Put binds key to userID until ttl elapses.
	Put(ctx context.Context, key, userID string, ttl time.Duration) error

	// Lookup returns the user bound to a live key, or ErrTokenNotFound.
	Lookup(ctx context.Context, key string) (string, error)

	// Swap consumes oldKey and binds the key returned by mint to the same
	// user, as one atomic operation. If oldKey is not live it returns
	// ErrTokenNotFound and mint is not called. If mint fails nothing changes.
	// Of any number of concurrent Swaps on one key, at most one succeeds.
	Swap(ctx context.Context, oldKey string, ttl time.Duration, mint func(userID string) (string, error)) (string, error)

	// Delete removes one key from both views. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// DeleteUser removes every key of userID and the user's set. It returns
	// the number of keys removed.
	DeleteUser(ctx context.Context, userID string) (int, error)

	// Sweep purges expired keys from both views.
	Sweep(ctx context.Context) (int, error)

	Close() error
}

type ledgerEntry struct {
	userID    string
	expiresAt time.Time
}

// MemoryLedger is an in-process Ledger guarded by a single mutex.
type MemoryLedger struct {
	mu     sync.Mutex
	tokens map[string]ledgerEntry
	users  map[string]map[string]struct{}
	now    func() time.Time
}

// NewMemoryLedger returns an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		tokens: make(map[string]ledgerEntry),
		users:  make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *MemoryLedger) Put(_ context.Context, key, userID string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.putLocked(key, userID, ttl)
	return nil
}

// caller holds l.mu
func (l *MemoryLedger) putLocked(key, userID string, ttl time.Duration) {
	if old, ok := l.tokens[key]; ok && old.userID != userID {
		l.removeLocked(key, old.userID)
	}
	l.tokens[key] = ledgerEntry{userID: userID, expiresAt: l.now().Add(ttl)}
	set, ok := l.users[userID]
	if !ok {
		set = make(map[string]struct{})
		l.users[userID] = set
	}
	set[key] = struct{}{}
}

// caller holds l.mu
func (l *MemoryLedger) removeLocked(key, userID string) {
	delete(l.tokens, key)
	if set, ok := l.users[userID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(l.users, userID)
		}
	}
}

// caller holds l.mu; expired entries are dropped on sight.
func (l *MemoryLedger) liveLocked(key string) (ledgerEntry, bool) {
	e, ok := l.tokens[key]
	if !ok {
		return ledgerEntry{}, false
	}
	if !l.now().Before(e.expiresAt) {
		l.removeLocked(key, e.userID)
		return ledgerEntry{}, false
	}
	return e, true
}

func (l *MemoryLedger) Lookup(_ context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.liveLocked(key)
	if !ok {
		return "", ErrTokenNotFound
	}
	return e.userID, nil
}

func (l *MemoryLedger) Swap(_ context.Context, oldKey string, ttl time.Duration, mint func(string) (string, error)) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.liveLocked(oldKey)
	if !ok {
		return "", ErrTokenNotFound
	}
	newKey, err := mint(e.userID)
	if err != nil {
		return "", err
	}
	l.removeLocked(oldKey, e.userID)
	l.putLocked(newKey, e.userID, ttl)
	return e.userID, nil
}

func (l *MemoryLedger) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.tokens[key]; ok {
		l.removeLocked(key, e.userID)
	}
	return nil
}

func (l *MemoryLedger) DeleteUser(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set := l.users[userID]
	for key := range set {
		delete(l.tokens, key)
	}
	delete(l.users, userID)
	return len(set), nil
}

func (l *MemoryLedger) Sweep(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, e := range l.tokens {
		if !now.Before(e.expiresAt) {
			l.removeLocked(key, e.userID)
			n++
		}
	}
	return n, nil
}

// UserKeys returns the tracked keys of userID. Used by tests to check the
// paired-view invariant.
func (l *MemoryLedger) UserKeys(userID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.users[userID]))
	for k := range l.users[userID] {
		out = append(out, k)
	}
	return out
}

func (l *MemoryLedger) Close() error { return nil }
