package fleet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/pedalup/internal/logging"
	"github.com/example/pedalup/internal/models"
	"github.com/example/pedalup/internal/relay"
)

type fakeSnapshotter struct {
	mu     sync.Mutex
	cycles []models.Cycle
	err    error
	calls  int
}

func (f *fakeSnapshotter) ListCycles(ctx context.Context) ([]models.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.cycles, nil
}

func (f *fakeSnapshotter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSnapshotter) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestReconciler(api Snapshotter) *Reconciler {
	return NewReconciler(api, time.Hour, logging.NewClientLogger("error", nil))
}

func snapshot() []models.Cycle {
	return []models.Cycle{
		{ID: 1, Code: "1003", Available: true, Rating: 4.5, Location: models.LatLng{Lat: 12.9692, Lng: 79.1559}},
		{ID: 2, Code: "2001", Available: false, Rating: 3.9, Location: models.LatLng{Lat: 12.9700, Lng: 79.1570}},
	}
}

func TestSnapshotDedupByContentHash(t *testing.T) {
	r := newTestReconciler(nil)
	updates := 0
	r.Subscribe(func() { updates++ })

	r.ApplySnapshot(snapshot())
	r.ApplySnapshot(snapshot()) // structurally identical, must be a no-op

	if updates != 1 {
		t.Fatalf("identical snapshots must notify once, got %d", updates)
	}

	changed := snapshot()
	changed[0].Location.Lat += 0.001
	r.ApplySnapshot(changed)
	if updates != 2 {
		t.Fatalf("changed snapshot must notify, got %d", updates)
	}
}

func TestSnapshotOrderDoesNotAffectHash(t *testing.T) {
	r := newTestReconciler(nil)
	updates := 0
	r.Subscribe(func() { updates++ })

	r.ApplySnapshot(snapshot())
	reversed := []models.Cycle{snapshot()[1], snapshot()[0]}
	r.ApplySnapshot(reversed)

	if updates != 1 {
		t.Fatalf("reordered but identical snapshot must be a no-op, got %d updates", updates)
	}
}

func TestLivePushAppliedImmediatelyAndNeverDeduped(t *testing.T) {
	r := newTestReconciler(nil)
	r.ApplySnapshot(snapshot())

	updates := 0
	r.Subscribe(func() { updates++ })

	ev := relay.DeviceStatusOut{
		Type:       relay.TypeDeviceStatus,
		CycleCode:  "1003",
		Status:     models.DeviceStatus{Lat: 13.0, Lng: 79.2, Lock: models.LockUnlocked, Timestamp: 10},
		ReceivedAt: 100,
	}
	r.ApplyStatus(ev)
	r.ApplyStatus(ev) // same payload twice still notifies twice

	if updates != 2 {
		t.Fatalf("pushes are not deduplicated, got %d updates", updates)
	}
	c, ok := r.Cycle("1003")
	if !ok {
		t.Fatal("cycle missing")
	}
	if c.Location.Lat != 13.0 || c.Lock != models.LockUnlocked || c.LastSeen != 100 {
		t.Fatalf("push fields not applied: %+v", c)
	}
	// Snapshot-owned fields are untouched by the push.
	if !c.Available || c.Rating != 4.5 {
		t.Fatalf("snapshot-owned fields must survive a push: %+v", c)
	}
}

func TestSnapshotSupersedesPushButKeepsLockState(t *testing.T) {
	r := newTestReconciler(nil)
	r.ApplySnapshot(snapshot())
	r.ApplyStatus(relay.DeviceStatusOut{
		CycleCode: "1003",
		Status:    models.DeviceStatus{Lat: 13.0, Lng: 79.2, Lock: models.LockUnlocked},
	})

	next := snapshot()
	next[0].Location = models.LatLng{Lat: 12.5, Lng: 79.0}
	next[0].Available = false
	r.ApplySnapshot(next)

	c, _ := r.Cycle("1003")
	// Last applied wins: the snapshot's position replaces the push's.
	if c.Location.Lat != 12.5 {
		t.Fatalf("snapshot position must supersede the earlier push, got %+v", c.Location)
	}
	if c.Available {
		t.Fatal("availability comes from the snapshot")
	}
	// Lock is the one field the snapshot does not carry.
	if c.Lock != models.LockUnlocked {
		t.Fatalf("lock state must survive the snapshot, got %q", c.Lock)
	}
}

func TestPushForUnknownCycleIsIgnored(t *testing.T) {
	r := newTestReconciler(nil)
	r.ApplySnapshot(snapshot())
	updates := 0
	r.Subscribe(func() { updates++ })

	r.ApplyStatus(relay.DeviceStatusOut{CycleCode: "9999", Status: models.DeviceStatus{Lat: 1, Lng: 2}})

	if updates != 0 {
		t.Fatalf("unknown cycle must not trigger an update, got %d", updates)
	}
	if len(r.View()) != 2 {
		t.Fatal("view must be unchanged")
	}
}

func TestFailedRefreshKeepsLastGoodList(t *testing.T) {
	f := &fakeSnapshotter{cycles: snapshot()}
	r := newTestReconciler(f)

	r.RefreshOnce(context.Background())
	if len(r.View()) != 2 || r.Err() != nil {
		t.Fatalf("expected clean snapshot, view=%d err=%v", len(r.View()), r.Err())
	}

	f.setErr(errors.New("backend down"))
	r.RefreshOnce(context.Background())

	if len(r.View()) != 2 {
		t.Fatal("a failed poll must never clear the fleet view")
	}
	if r.Err() == nil {
		t.Fatal("a failed poll must surface an error")
	}

	f.setErr(nil)
	r.RefreshOnce(context.Background())
	if r.Err() != nil {
		t.Fatalf("error must clear on the next good snapshot, got %v", r.Err())
	}
}

func TestStartStopCancelsPolling(t *testing.T) {
	f := &fakeSnapshotter{cycles: snapshot()}
	r := NewReconciler(f, 10*time.Millisecond, logging.NewClientLogger("error", nil))

	r.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("polling never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	calls := f.callCount()
	time.Sleep(50 * time.Millisecond)
	if f.callCount() != calls {
		t.Fatal("polling must stop after Stop")
	}
	r.Stop() // idempotent
}
