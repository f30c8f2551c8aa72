package presence

import (
	"context"
	"strings"
	"time"
)

const (
	// TTL is the expiry on both presence keys. A connection that misses
	// one refresh still has a 180s grace window before it goes stale.
	TTL = 300 * time.Second

	// RefreshInterval is how often a live connection re-writes its keys.
	RefreshInterval = 120 * time.Second

	// ReconcileInterval is how often the stale-entry sweep runs.
	ReconcileInterval = 60 * time.Second
)

// Tracker maintains the two presence records per user: socket:<id> holding
// the last known connection ID and online:<id> holding the last refresh
// timestamp. Both exist iff the user has a live authenticated connection.
// A second connection for the same user overwrites the first's records;
// there is no multi-device fan-out.
type Tracker struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewTracker creates a Tracker over store with the standard TTL.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store: store,
		ttl:   TTL,
		now:   time.Now,
	}
}

// SetOnline writes both presence records for the user, pointing the socket
// record at connID.
func (t *Tracker) SetOnline(ctx context.Context, userID, connID string) error {
	if err := t.store.SetWithTTL(ctx, socketKey(userID), connID, t.ttl); err != nil {
		return err
	}
	return t.store.SetWithTTL(ctx, onlineKey(userID), t.now().UTC().Format(time.RFC3339), t.ttl)
}

// Refresh re-writes both records with a fresh TTL and timestamp. It is the
// same operation as SetOnline; the name marks the periodic call site.
func (t *Tracker) Refresh(ctx context.Context, userID, connID string) error {
	return t.SetOnline(ctx, userID, connID)
}

// SetActivity records the user's last reported activity status with the
// standard TTL; it expires with the rest of the presence state.
func (t *Tracker) SetActivity(ctx context.Context, userID, activity string) error {
	return t.store.SetWithTTL(ctx, activityKey(userID), activity, t.ttl)
}

// SetOffline deletes the user's presence records. The socket record is
// deleted first so a crash between the deletes leaves no entry claiming
// a live connection.
func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	if err := t.store.Delete(ctx, socketKey(userID)); err != nil {
		return err
	}
	if err := t.store.Delete(ctx, onlineKey(userID)); err != nil {
		return err
	}
	return t.store.Delete(ctx, activityKey(userID))
}

// IsOnline reports whether the user's online record exists.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	_, ok, err := t.store.Get(ctx, onlineKey(userID))
	return ok, err
}

// SocketFor returns the connection ID of the user's last presence write,
// or ("", false, nil) if the user has no live record.
func (t *Tracker) SocketFor(ctx context.Context, userID string) (string, bool, error) {
	return t.store.Get(ctx, socketKey(userID))
}

// OnlineUsers returns the IDs of all users with a live online record. The
// result is a best-effort snapshot with no ordering guarantee.
func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	keys, err := t.store.Keys(ctx, onlineKey("*"))
	if err != nil {
		return nil, err
	}

	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, onlineKey("")))
	}
	return users, nil
}
