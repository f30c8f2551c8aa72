package presence

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transient store failures so callers can tell a
// missing key apart from a store outage.
var ErrUnavailable = errors.New("presence: store unavailable")

// Store is the key-value store holding presence records. Keys are owned by
// exactly one user at a time; every operation is single-key and idempotent,
// so no cross-key transaction discipline is needed.
type Store interface {
	// SetWithTTL writes key=value with the given expiry.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key, or ("", false, nil) if the key does
	// not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys matching a glob pattern such as "socket:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// socketKey maps a user to the connection ID that last wrote presence.
func socketKey(userID string) string {
	return "socket:" + userID
}

// onlineKey maps a user to the timestamp of their last presence refresh.
func onlineKey(userID string) string {
	return "online:" + userID
}

// activityKey maps a user to their last reported activity status.
func activityKey(userID string) string {
	return "activity:" + userID
}
