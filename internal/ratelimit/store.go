package ratelimit

import (
	"context"
	"time"
)

// Store counts one request against a key's current window and reports the
// verdict. Implementations read the request time via requestcontext.Now so
// tests can pin the clock.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}
