package session

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	tokensBucket = "tokens"
	usersBucket  = "users"
)

var present = []byte{1}

type boltRecord struct {
	UserID    string `cbor:"1,keyasint"`
	ExpiresAt int64  `cbor:"2,keyasint"` // unix seconds
}

// BoltLedger is a Ledger persisted in a bbolt file. The `tokens` bucket maps
// key -> record; the `users` bucket holds one nested bucket per user whose
// keys are that user's token keys. Both are written in the same transaction.
type BoltLedger struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBoltLedger opens (or creates) the ledger file at path.
func OpenBoltLedger(path string) (*BoltLedger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(tokensBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(usersBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	return &BoltLedger{db: db, now: time.Now}, nil
}

// SetClock replaces the time source. Tests only.
func (l *BoltLedger) SetClock(now func() time.Time) { l.now = now }

func (l *BoltLedger) put(tx *bolt.Tx, key, userID string, ttl time.Duration) error {
	rec, err := cbor.Marshal(boltRecord{UserID: userID, ExpiresAt: l.now().Add(ttl).Unix()})
	if err != nil {
		return err
	}
	if err := tx.Bucket([]byte(tokensBucket)).Put([]byte(key), rec); err != nil {
		return err
	}
	uBkt, err := tx.Bucket([]byte(usersBucket)).CreateBucketIfNotExists([]byte(userID))
	if err != nil {
		return err
	}
	return uBkt.Put([]byte(key), present)
}

func (l *BoltLedger) remove(tx *bolt.Tx, key, userID string) error {
	if err := tx.Bucket([]byte(tokensBucket)).Delete([]byte(key)); err != nil {
		return err
	}
	users := tx.Bucket([]byte(usersBucket))
	uBkt := users.Bucket([]byte(userID))
	if uBkt == nil {
		return nil
	}
	if err := uBkt.Delete([]byte(key)); err != nil {
		return err
	}
	if k, _ := uBkt.Cursor().First(); k == nil {
		return users.DeleteBucket([]byte(userID))
	}
	return nil
}

func (l *BoltLedger) get(tx *bolt.Tx, key string) (boltRecord, bool, error) {
	raw := tx.Bucket([]byte(tokensBucket)).Get([]byte(key))
	if raw == nil {
		return boltRecord{}, false, nil
	}
	var rec boltRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return boltRecord{}, false, fmt.Errorf("decode ledger record: %w", err)
	}
	return rec, true, nil
}

func (l *BoltLedger) expired(rec boltRecord) bool {
	return l.now().Unix() >= rec.ExpiresAt
}

func (l *BoltLedger) Put(_ context.Context, key, userID string, ttl time.Duration) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		if old, ok, err := l.get(tx, key); err != nil {
			return err
		} else if ok && old.UserID != userID {
			if err := l.remove(tx, key, old.UserID); err != nil {
				return err
			}
		}
		return l.put(tx, key, userID, ttl)
	})
}

func (l *BoltLedger) Lookup(_ context.Context, key string) (string, error) {
	var userID string
	err := l.db.View(func(tx *bolt.Tx) error {
		rec, ok, err := l.get(tx, key)
		if err != nil {
			return err
		}
		if !ok || l.expired(rec) {
			return ErrTokenNotFound
		}
		userID = rec.UserID
		return nil
	})
	return userID, err
}

func (l *BoltLedger) Swap(_ context.Context, oldKey string, ttl time.Duration, mint func(string) (string, error)) (string, error) {
	var userID string
	err := l.db.Update(func(tx *bolt.Tx) error {
		rec, ok, err := l.get(tx, oldKey)
		if err != nil {
			return err
		}
		if !ok || l.expired(rec) {
			return ErrTokenNotFound
		}
		newKey, err := mint(rec.UserID)
		if err != nil {
			return err
		}
		if err := l.remove(tx, oldKey, rec.UserID); err != nil {
			return err
		}
		userID = rec.UserID
		return l.put(tx, newKey, rec.UserID, ttl)
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (l *BoltLedger) Delete(_ context.Context, key string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		rec, ok, err := l.get(tx, key)
		if err != nil || !ok {
			return err
		}
		return l.remove(tx, key, rec.UserID)
	})
}

func (l *BoltLedger) DeleteUser(_ context.Context, userID string) (int, error) {
	n := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket([]byte(usersBucket))
		uBkt := users.Bucket([]byte(userID))
		if uBkt == nil {
			return nil
		}
		tokens := tx.Bucket([]byte(tokensBucket))
		if err := uBkt.ForEach(func(k, _ []byte) error {
			n++
			return tokens.Delete(k)
		}); err != nil {
			return err
		}
		return users.DeleteBucket([]byte(userID))
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (l *BoltLedger) Sweep(_ context.Context) (int, error) {
	n := 0
	err := l.db.Update(func(tx *bolt.Tx) error {
		type stale struct{ key, userID string }
		var victims []stale
		if err := tx.Bucket([]byte(tokensBucket)).ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return err
			}
			if l.expired(rec) {
				victims = append(victims, stale{string(k), rec.UserID})
			}
			return nil
		}); err != nil {
			return err
		}
		// Deleting while iterating with ForEach is unsafe in bbolt.
		for _, s := range victims {
			if err := l.remove(tx, s.key, s.userID); err != nil {
				return err
			}
		}
		n = len(victims)
		return nil
	})
	return n, err
}

// UserKeys returns the tracked keys of userID.
func (l *BoltLedger) UserKeys(userID string) []string {
	var out []string
	_ = l.db.View(func(tx *bolt.Tx) error {
		uBkt := tx.Bucket([]byte(usersBucket)).Bucket([]byte(userID))
		if uBkt == nil {
			return nil
		}
		return uBkt.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out
}

func (l *BoltLedger) Close() error {
	return l.db.Close()
}
