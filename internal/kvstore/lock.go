package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNotOwner is returned when releasing a lock held by someone else
var ErrNotOwner = errors.New("lock held by another owner")

// Locker provides advisory locks on top of a Store. A lock is a key created
// with put-if-absent semantics. With a lease, the holder must renew it
// before it expires or the lock is free for the taking.
type Locker struct {
	logger *zap.Logger
	store  Store
	prefix string
	lease  time.Duration
	now    func() time.Time
}

// LockerOption configures a Locker
type LockerOption func(*Locker)

// WithLease expires locks not renewed within d
func WithLease(d time.Duration) LockerOption {
	return func(l *Locker) { l.lease = d }
}

// WithLockClock overrides the clock used to stamp leases
func WithLockClock(now func() time.Time) LockerOption {
	return func(l *Locker) { l.now = now }
}

type lockValue struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewLocker creates a locker whose keys live under prefix
func NewLocker(store Store, prefix string, logger *zap.Logger, opts ...LockerOption) *Locker {
	l := &Locker{
		logger: logger.Named("locker"),
		store:  store,
		prefix: prefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lease returns how long a lock lives without renewal, 0 for forever
func (l *Locker) Lease() time.Duration {
	return l.lease
}

func (l *Locker) key(name string) string {
	return l.prefix + "." + SanitizeKey(name)
}

func (l *Locker) encode(owner string) []byte {
	v := lockValue{Owner: owner}
	if l.lease > 0 {
		v.ExpiresAt = l.now().UTC().Add(l.lease)
	}
	data, _ := json.Marshal(v)
	return data
}

func (l *Locker) decode(entry *Entry) (lockValue, bool) {
	var v lockValue
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		// unreadable locks are treated as held by nobody
		return v, false
	}
	live := v.ExpiresAt.IsZero() || l.now().Before(v.ExpiresAt)
	return v, live
}

// TryLock attempts to take the lock without waiting. An expired lease is
// taken over.
func (l *Locker) TryLock(ctx context.Context, name, owner string) (bool, error) {
	key := l.key(name)
	_, err := l.store.Create(ctx, key, l.encode(owner))
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrExists) {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	entry, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	held, live := l.decode(entry)
	if live {
		return false, nil
	}
	if _, err := l.store.Update(ctx, key, l.encode(owner), entry.Revision); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to take over lock %s: %w", name, err)
	}
	l.logger.Debug("Expired lock taken over",
		zap.String("lock", name),
		zap.String("previous_owner", held.Owner),
		zap.String("owner", owner))
	return true, nil
}

// Renew extends the lease of a lock owner still holds. A lapsed lease
// nobody has taken over is renewed as well.
func (l *Locker) Renew(ctx context.Context, name, owner string) error {
	key := l.key(name)
	entry, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotOwner
		}
		return fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	if held, _ := l.decode(entry); held.Owner != owner {
		return ErrNotOwner
	}
	if _, err := l.store.Update(ctx, key, l.encode(owner), entry.Revision); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return ErrNotOwner
		}
		return fmt.Errorf("failed to renew lock %s: %w", name, err)
	}
	return nil
}

// Unlock releases the lock if owner still holds it
func (l *Locker) Unlock(ctx context.Context, name, owner string) error {
	key := l.key(name)
	entry, err := l.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	if held, _ := l.decode(entry); held.Owner != owner {
		return ErrNotOwner
	}
	if err := l.store.Delete(ctx, key, entry.Revision); err != nil {
		if errors.Is(err, ErrConflict) {
			return ErrNotOwner
		}
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// ForceUnlock drops the lock regardless of owner. Used when the owner is known dead.
func (l *Locker) ForceUnlock(ctx context.Context, name string) error {
	if err := l.store.Delete(ctx, l.key(name), 0); err != nil {
		return fmt.Errorf("failed to force release lock %s: %w", name, err)
	}
	l.logger.Debug("Lock force released", zap.String("lock", name))
	return nil
}

// Owner returns the current holder of the lock, or "" when it is free or
// its lease has lapsed
func (l *Locker) Owner(ctx context.Context, name string) (string, error) {
	entry, err := l.store.Get(ctx, l.key(name))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	held, live := l.decode(entry)
	if !live {
		return "", nil
	}
	return held.Owner, nil
}
