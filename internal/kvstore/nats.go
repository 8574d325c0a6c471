package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// BucketConfig describes a JetStream key/value bucket
type BucketConfig struct {
	Name    string
	TTL     time.Duration
	Storage nats.StorageType
}

// NATSStore implements Store on a JetStream key/value bucket
type NATSStore struct {
	logger *zap.Logger
	kv     nats.KeyValue
	bucket string
}

// NewNATSStore binds to the bucket, creating it on first use
func NewNATSStore(js nats.JetStreamContext, cfg BucketConfig, logger *zap.Logger) (*NATSStore, error) {
	logger = logger.Named("kvstore").With(zap.String("bucket", cfg.Name))

	kv, err := js.KeyValue(cfg.Name)
	if err != nil {
		if !errors.Is(err, nats.ErrBucketNotFound) {
			return nil, fmt.Errorf("failed to bind bucket %s: %w", cfg.Name, err)
		}

		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  cfg.Name,
			History: 1,
			TTL:     cfg.TTL,
			Storage: cfg.Storage,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Name, err)
		}
		logger.Info("Bucket created", zap.Duration("ttl", cfg.TTL))
	} else {
		logger.Info("Using existing bucket")
	}

	return &NATSStore{
		logger: logger,
		kv:     kv,
		bucket: cfg.Name,
	}, nil
}

// isRevisionMismatch matches the server's wrong-last-sequence rejection
func isRevisionMismatch(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}

// Get implements Store.Get
func (s *NATSStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return &Entry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

// Create implements Store.Create
func (s *NATSStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Create(key, value)
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, ErrExists
		}
		return 0, fmt.Errorf("failed to create %s: %w", key, err)
	}
	return rev, nil
}

// Update implements Store.Update
func (s *NATSStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Update(key, value, revision)
	if err != nil {
		if isRevisionMismatch(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("failed to update %s: %w", key, err)
	}
	return rev, nil
}

// Put implements Store.Put
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rev, err := s.kv.Put(key, value)
	if err != nil {
		return 0, fmt.Errorf("failed to put %s: %w", key, err)
	}
	return rev, nil
}

// Delete implements Store.Delete
func (s *NATSStore) Delete(ctx context.Context, key string, revision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var opts []nats.DeleteOpt
	if revision != 0 {
		opts = append(opts, nats.LastRevision(revision))
	}
	if err := s.kv.Delete(key, opts...); err != nil {
		if isRevisionMismatch(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys implements Store.Keys
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
