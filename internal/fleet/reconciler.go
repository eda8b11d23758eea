// Package fleet maintains the authoritative client-side view of the cycle
// fleet by merging periodic REST snapshots with live device status pushes.
package fleet

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/pedalup/internal/models"
	"github.com/example/pedalup/internal/relay"
)

// Snapshotter is the slice of the REST gateway the reconciler needs.
type Snapshotter interface {
	ListCycles(ctx context.Context) ([]models.Cycle, error)
}

// Reconciler merges two independent update sources into one coherent view.
//
// Merge policy is last-applied-wins per field group: a push owns position
// and lock until the next snapshot or push, a snapshot owns availability,
// rating and specs. No cross-source timestamps are compared, so an
// in-flight snapshot can briefly override a fresher push with slightly
// stale position data. Known tradeoff, kept on purpose.
type Reconciler struct {
	api      Snapshotter
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	cycles   map[string]models.Cycle // keyed by cycle code
	lastHash uint64
	lastErr  error
	nextSub  int
	subs     map[int]func()

	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciler(api Snapshotter, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		api:      api,
		interval: interval,
		logger:   logger,
		cycles:   make(map[string]models.Cycle),
		subs:     make(map[int]func()),
	}
}

// Start begins the snapshot polling loop with an immediate first fetch.
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		cancel()
		return
	}
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.RefreshOnce(runCtx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RefreshOnce(runCtx)
			case <-runCtx.Done():
				return
			}
		}
	}()
}

// Stop cancels the polling loop and waits for it to exit. Idempotent.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// RefreshOnce fetches one snapshot and applies it. A failed fetch records
// the error and keeps the last good list, never clearing to empty.
func (r *Reconciler) RefreshOnce(ctx context.Context) {
	cycles, err := r.api.ListCycles(ctx)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		r.logger.Warn("fleet snapshot failed", "error", err)
		r.notify()
		return
	}
	r.ApplySnapshot(cycles)
}

// ApplySnapshot replaces the fleet view wholesale, unless the normalized
// content hash matches the last accepted snapshot, in which case the call
// is a no-op (no notification, no rebuild). Lock state is the one field a
// snapshot does not carry, so it survives from the previous view.
func (r *Reconciler) ApplySnapshot(cycles []models.Cycle) {
	h := snapshotHash(cycles)

	r.mu.Lock()
	r.lastErr = nil
	if h == r.lastHash && r.lastHash != 0 {
		r.mu.Unlock()
		return
	}
	next := make(map[string]models.Cycle, len(cycles))
	for _, c := range cycles {
		if prev, ok := r.cycles[c.Code]; ok && c.Lock == "" {
			c.Lock = prev.Lock
		}
		next[c.Code] = c
	}
	r.cycles = next
	r.lastHash = h
	r.mu.Unlock()

	r.notify()
}

// ApplyStatus folds a live push into the view immediately, independent of
// the snapshot cycle. Pushes are never deduplicated.
func (r *Reconciler) ApplyStatus(ev relay.DeviceStatusOut) {
	r.mu.Lock()
	c, ok := r.cycles[ev.CycleCode]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("status for unknown cycle", "cycle", ev.CycleCode)
		return
	}
	c.Location = models.LatLng{Lat: ev.Status.Lat, Lng: ev.Status.Lng}
	if ev.Status.Lock != "" {
		c.Lock = ev.Status.Lock
	}
	c.LastSeen = ev.ReceivedAt
	r.cycles[ev.CycleCode] = c
	r.mu.Unlock()

	r.notify()
}

// View returns the current fleet ordered by cycle code.
func (r *Reconciler) View() []models.Cycle {
	r.mu.Lock()
	out := make([]models.Cycle, 0, len(r.cycles))
	for _, c := range r.cycles {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Cycle looks up a single cycle by code.
func (r *Reconciler) Cycle(code string) (models.Cycle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[code]
	return c, ok
}

// Err returns the last snapshot error, nil once a snapshot succeeds again.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Subscribe registers a change callback fired after every accepted update.
func (r *Reconciler) Subscribe(fn func()) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	subs := make([]func(), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// snapshotHash fingerprints the normalized list by identity, location and
// availability, order-independently, so structurally identical polls are
// suppressed.
func snapshotHash(cycles []models.Cycle) uint64 {
	keys := make([]string, 0, len(cycles))
	for _, c := range cycles {
		keys = append(keys, fmt.Sprintf("%d|%s|%.6f|%.6f|%t", c.ID, c.Code, c.Location.Lat, c.Location.Lng, c.Available))
	}
	sort.Strings(keys)
	h := fnv.New64a()
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{';'})
	}
	return h.Sum64()
}
