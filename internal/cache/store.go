package cache

import (
	"context"
	"time"
)

// Store is the key-value collaborator used for short-lived markers.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// AnyWithPrefix reports whether at least one live key starts with prefix.
	AnyWithPrefix(ctx context.Context, prefix string) (bool, error)
}
