package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("key not found")

	// ErrExists is returned by Create when the key is already present
	ErrExists = errors.New("key already exists")

	// ErrConflict is returned when a conditional write lost a race
	ErrConflict = errors.New("revision conflict")

	// ErrContention is returned when Mutate keeps losing races
	ErrContention = errors.New("too much contention on key")
)

// Entry is a value together with the revision it was written at
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is a key/value store with atomic per-key operations. Every
// cross-process coordination in the orchestrator goes through one.
type Store interface {
	// Get returns the current entry or ErrNotFound
	Get(ctx context.Context, key string) (*Entry, error)

	// Create writes the key only if it does not exist yet
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update writes the key only if its revision still equals revision
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)

	// Put writes the key unconditionally
	Put(ctx context.Context, key string, value []byte) (uint64, error)

	// Delete removes the key. A non-zero revision makes the delete conditional.
	Delete(ctx context.Context, key string, revision uint64) error

	// Keys lists the keys starting with prefix
	Keys(ctx context.Context, prefix string) ([]string, error)
}

const maxMutateAttempts = 64

// Mutate applies fn to the current value of key with optimistic concurrency,
// retrying when another writer wins. fn receives nil when the key is absent.
// Returning a nil value deletes the key; returning an error aborts without writing.
func Mutate(ctx context.Context, s Store, key string, fn func(current []byte) ([]byte, error)) ([]byte, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := s.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}

		var current []byte
		if entry != nil {
			current = entry.Value
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		switch {
		case entry == nil && next == nil:
			return nil, nil
		case entry == nil:
			_, err = s.Create(ctx, key, next)
		case next == nil:
			err = s.Delete(ctx, key, entry.Revision)
		default:
			_, err = s.Update(ctx, key, next, entry.Revision)
		}

		if err == nil {
			return next, nil
		}
		if errors.Is(err, ErrExists) || errors.Is(err, ErrConflict) {
			continue
		}
		return nil, fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil, fmt.Errorf("%w: %s", ErrContention, key)
}

// SanitizeKey maps a free-form token onto the key alphabet shared by all backends
func SanitizeKey(token string) string {
	var b strings.Builder
	b.Grow(len(token))
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Join builds a dotted key from sanitized parts
func Join(parts ...string) string {
	clean := make([]string, len(parts))
	for i, p := range parts {
		clean[i] = SanitizeKey(p)
	}
	return strings.Join(clean, ".")
}
