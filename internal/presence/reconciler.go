package presence

import (
	"context"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Reconciler is the safety net for connections that never ran cleanup: a
// crashed or force-killed gateway leaves socket records pointing at dead
// connections, and this sweep deletes them. It bounds staleness to roughly
// one interval beyond the natural TTL in the worst case.
type Reconciler struct {
	store    Store
	live     func() []string
	interval time.Duration

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// sweeping guards against overlapping passes when the store is slow;
	// a tick that lands mid-pass is skipped, not queued.
	sweeping atomic.Bool
}

// NewReconciler creates a reconciler that compares socket records in store
// against the connection IDs returned by live.
func NewReconciler(store Store, live func() []string) *Reconciler {
	return &Reconciler{
		store:    store,
		live:     live,
		interval: ReconcileInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic sweep. Call Stop during shutdown.
func (r *Reconciler) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
}

// Stop halts the sweep loop and waits for an in-flight pass to finish.
// Safe to call more than once, or without a prior Start.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		if r.started.Load() {
			<-r.done
		}
	})
}

func (r *Reconciler) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if !r.sweeping.CompareAndSwap(false, true) {
				continue
			}
			r.Sweep(context.Background())
			r.sweeping.Store(false)
		}
	}
}

// Sweep runs one reconciliation pass and returns the number of users whose
// records were reclaimed. A failure on one key does not abort the rest of
// the pass; errors are logged once for the whole pass. A clean pass logs
// nothing.
func (r *Reconciler) Sweep(ctx context.Context) int {
	keys, err := r.store.Keys(ctx, socketKey("*"))
	if err != nil {
		log.Printf("presence: reconciler: list socket keys: %v", err)
		return 0
	}

	liveIDs := make(map[string]struct{})
	for _, id := range r.live() {
		liveIDs[id] = struct{}{}
	}

	var reclaimed int
	var firstErr error
	for _, key := range keys {
		connID, ok, err := r.store.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			// Expired between the scan and the read.
			continue
		}
		if _, alive := liveIDs[connID]; alive {
			continue
		}

		userID := strings.TrimPrefix(key, socketKey(""))
		if err := r.store.Delete(ctx, key); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := r.store.Delete(ctx, onlineKey(userID)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := r.store.Delete(ctx, activityKey(userID)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
		reclaimed++
	}

	if firstErr != nil {
		log.Printf("presence: reconciler: pass finished with errors: %v", firstErr)
	}
	if reclaimed > 0 {
		log.Printf("presence: reconciler: reclaimed %d stale entries", reclaimed)
	}
	return reclaimed
}
