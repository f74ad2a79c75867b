package ports

import (
	"context"
	"time"
)

// SessionStore persists session ids keyed by core.SessionKey.
// Get returns core.ErrNotFound when the key is absent.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
