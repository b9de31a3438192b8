// Package kvstore is a typed get/set adapter over a remote key/value
// store. Values are opaque JSON byte strings; the JSON codec lives at
// this boundary so callers never see serialization.
package kvstore

import (
	"context"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStoreUnavailable is the single error kind surfaced for any backend
// failure. The task runtime treats it as retryable.
var ErrStoreUnavailable = errors.New("kv store unavailable")

// Store is the key/value surface the BFS engine, the caches and the task
// runtime are built on. Get returns (nil, nil) when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// ClearPattern deletes every key matching the glob pattern and
	// returns the number of keys removed.
	ClearPattern(ctx context.Context, pattern string) (int, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Increment(ctx context.Context, key string, n int64) (int64, error)
	// SetNX sets the key only if it does not exist. It is atomic per key
	// and is the primitive for first-visit claims.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// GetJSON reads key and unmarshals it into v. The second return is false
// when the key is absent.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) (bool, error) {
	b, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if b == nil {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}
