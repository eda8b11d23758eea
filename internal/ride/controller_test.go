package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/pedalup/internal/api"
	"github.com/example/pedalup/internal/logging"
	"github.com/example/pedalup/internal/models"
)

type fakeGateway struct {
	mu           sync.Mutex
	requestCalls int
	endCalls     int
	statusCalls  int
	requestErr   error
	endErr       error
	ride         models.Ride
	status       models.RideStatus
}

func (f *fakeGateway) RequestRide(ctx context.Context, cycleCode string, pickup models.LatLng, notes string) (models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestCalls++
	if f.requestErr != nil {
		return models.Ride{}, f.requestErr
	}
	r := f.ride
	if r.CycleCode == "" {
		r.CycleCode = cycleCode
	}
	return r, nil
}

func (f *fakeGateway) EndRide(ctx context.Context, rideID int64, end models.LatLng) (models.Ride, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	if f.endErr != nil {
		return models.Ride{}, f.endErr
	}
	r := f.ride
	r.EndTime = 123
	r.DurationSeconds = 540
	r.Amount = 25
	return r, nil
}

func (f *fakeGateway) RideStatus(ctx context.Context, rideID int64) (models.RideStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.status, nil
}

type fakeCommander struct {
	mu   sync.Mutex
	sent []struct {
		cycle, command string
		meta           *models.CommandMeta
	}
}

func (f *fakeCommander) SendCommand(cycleCode, command string, meta *models.CommandMeta) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, struct {
		cycle, command string
		meta           *models.CommandMeta
	}{cycleCode, command, meta})
}

type fakeRideStore struct {
	mu     sync.Mutex
	rec    models.ActiveRide
	hasRec bool
}

func (f *fakeRideStore) SetActiveRide(r models.ActiveRide) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec, f.hasRec = r, true
	return nil
}

func (f *fakeRideStore) ClearActiveRide() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec, f.hasRec = models.ActiveRide{}, false
	return nil
}

func (f *fakeRideStore) ActiveRide() (models.ActiveRide, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rec, f.hasRec
}

func newTestController(gw *fakeGateway) (*Controller, *fakeCommander, *fakeRideStore) {
	cmd := &fakeCommander{}
	st := &fakeRideStore{}
	c := NewController(gw, cmd, st, 7, 0, logging.NewClientLogger("error", nil))
	return c, cmd, st
}

func TestRequestRidePersistsAndActivates(t *testing.T) {
	gw := &fakeGateway{ride: models.Ride{RideID: 55, CycleCode: "1003", UserID: 7}}
	c, _, st := newTestController(gw)

	ride, err := c.RequestRide(context.Background(), "1003", models.LatLng{Lat: 1, Lng: 2})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ride.RideID != 55 || c.State() != StateActiveRide {
		t.Fatalf("expected active ride 55, got %+v state=%s", ride, c.State())
	}
	rec, ok := st.ActiveRide()
	if !ok || rec.RideID != 55 || rec.CycleCode != "1003" {
		t.Fatalf("ride must be persisted before return, got %+v ok=%v", rec, ok)
	}
}

func TestRequestRideRejectedOutsideIdle(t *testing.T) {
	gw := &fakeGateway{ride: models.Ride{RideID: 55, CycleCode: "1003"}}
	c, _, _ := newTestController(gw)

	if _, err := c.RequestRide(context.Background(), "1003", models.LatLng{}); err != nil {
		t.Fatal(err)
	}
	calls := gw.requestCalls

	_, err := c.RequestRide(context.Background(), "2001", models.LatLng{})
	if !errors.Is(err, ErrNotIdle) {
		t.Fatalf("expected ErrNotIdle, got %v", err)
	}
	if gw.requestCalls != calls {
		t.Fatal("a rejected request must not reach the backend")
	}
}

func TestConflictMapsToCycleUnavailable(t *testing.T) {
	gw := &fakeGateway{requestErr: &api.APIError{Status: 409, Message: "taken"}}
	c, _, st := newTestController(gw)

	_, err := c.RequestRide(context.Background(), "1003", models.LatLng{})
	if !errors.Is(err, ErrCycleUnavailable) {
		t.Fatalf("expected ErrCycleUnavailable, got %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("conflict must return to Idle, got %s", c.State())
	}
	if _, ok := st.ActiveRide(); ok {
		t.Fatal("nothing must be persisted on conflict")
	}
}

func TestGenericRequestFailureKeepsErrorShape(t *testing.T) {
	boom := errors.New("network down")
	gw := &fakeGateway{requestErr: boom}
	c, _, _ := newTestController(gw)

	_, err := c.RequestRide(context.Background(), "1003", models.LatLng{})
	if !errors.Is(err, boom) {
		t.Fatalf("non-conflict errors pass through, got %v", err)
	}
	if errors.Is(err, ErrCycleUnavailable) {
		t.Fatal("generic failures must not masquerade as unavailability")
	}
}

func TestLockCommandsRequireActiveRide(t *testing.T) {
	gw := &fakeGateway{ride: models.Ride{RideID: 55, CycleCode: "1003"}}
	c, cmd, _ := newTestController(gw)

	if err := c.Unlock(); !errors.Is(err, ErrNoActiveRide) {
		t.Fatalf("unlock from Idle must fail, got %v", err)
	}
	if len(cmd.sent) != 0 {
		t.Fatal("no command may be sent without an active ride")
	}

	if _, err := c.RequestRide(context.Background(), "1003", models.LatLng{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Unlock(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := c.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}

	if len(cmd.sent) != 2 || cmd.sent[0].command != "unlock" || cmd.sent[1].command != "lock" {
		t.Fatalf("unexpected commands: %+v", cmd.sent)
	}
	meta := cmd.sent[0].meta
	if meta == nil || meta.UserID != 7 || meta.RideID != 55 || meta.Reason != "user_requested" {
		t.Fatalf("unexpected command meta: %+v", meta)
	}
}

func TestEndRideFailureStaysActive(t *testing.T) {
	gw := &fakeGateway{ride: models.Ride{RideID: 55, CycleCode: "1003"}}
	c, _, st := newTestController(gw)
	if _, err := c.RequestRide(context.Background(), "1003", models.LatLng{}); err != nil {
		t.Fatal(err)
	}

	gw.endErr = errors.New("backend unreachable")
	if _, err := c.EndRide(context.Background(), models.LatLng{}); err == nil {
		t.Fatal("expected end failure")
	}
	if c.State() != StateActiveRide {
		t.Fatalf("failed end must stay ActiveRide, got %s", c.State())
	}
	if _, ok := st.ActiveRide(); !ok {
		t.Fatal("persisted record must survive a failed end")
	}
}

func TestEndRideSuccessClearsStateAndCapturesSummary(t *testing.T) {
	gw := &fakeGateway{ride: models.Ride{RideID: 55, CycleCode: "1003"}}
	c, _, st := newTestController(gw)
	if _, err := c.RequestRide(context.Background(), "1003", models.LatLng{}); err != nil {
		t.Fatal(err)
	}

	summary, err := c.EndRide(context.Background(), models.LatLng{Lat: 9, Lng: 9})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if summary.DurationSeconds != 540 || summary.Amount != 25 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected Idle after end, got %s", c.State())
	}
	if _, ok := st.ActiveRide(); ok {
		t.Fatal("persisted record must be cleared on success")
	}
	got, ok := c.Summary()
	if !ok || got.RideID != 55 {
		t.Fatalf("summary must be retained, got %+v ok=%v", got, ok)
	}
}

func TestEndRideRejectedWithoutActiveRide(t *testing.T) {
	gw := &fakeGateway{}
	c, _, _ := newTestController(gw)

	_, err := c.EndRide(context.Background(), models.LatLng{})
	if !errors.Is(err, ErrNoActiveRide) {
		t.Fatalf("expected ErrNoActiveRide, got %v", err)
	}
	if gw.endCalls != 0 {
		t.Fatal("backend must not be contacted")
	}
}

func TestResumeRestoresPersistedRide(t *testing.T) {
	gw := &fakeGateway{}
	c, _, st := newTestController(gw)
	if err := st.SetActiveRide(models.ActiveRide{RideID: 55, CycleCode: "1003"}); err != nil {
		t.Fatal(err)
	}

	if !c.Resume() {
		t.Fatal("expected resume to pick up the persisted ride")
	}
	if c.State() != StateActiveRide {
		t.Fatalf("expected ActiveRide after resume, got %s", c.State())
	}
	active, ok := c.Active()
	if !ok || active.RideID != 55 || active.CycleCode != "1003" {
		t.Fatalf("unexpected resumed ride: %+v", active)
	}
	// Commands work again right away.
	if err := c.Unlock(); err != nil {
		t.Fatalf("unlock after resume: %v", err)
	}
}

func TestResumeNoOpWithoutRecordOrWhenBusy(t *testing.T) {
	gw := &fakeGateway{ride: models.Ride{RideID: 55, CycleCode: "1003"}}
	c, _, st := newTestController(gw)

	if c.Resume() {
		t.Fatal("nothing persisted, resume must report false")
	}

	if _, err := c.RequestRide(context.Background(), "1003", models.LatLng{}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetActiveRide(models.ActiveRide{RideID: 99, CycleCode: "2001"}); err != nil {
		t.Fatal(err)
	}
	if c.Resume() {
		t.Fatal("resume must not clobber a running ride")
	}
}

func TestAbandonDropsRideWithoutBackendCall(t *testing.T) {
	gw := &fakeGateway{ride: models.Ride{RideID: 55, CycleCode: "1003"}}
	c, _, st := newTestController(gw)
	if _, err := c.RequestRide(context.Background(), "1003", models.LatLng{}); err != nil {
		t.Fatal(err)
	}

	c.Abandon()
	if c.State() != StateIdle {
		t.Fatalf("expected Idle after abandon, got %s", c.State())
	}
	if _, ok := st.ActiveRide(); ok {
		t.Fatal("abandon must clear the persisted record")
	}
	if gw.endCalls != 0 {
		t.Fatal("abandon never contacts the backend")
	}
}

func TestStatusPollingRecordsLastStatus(t *testing.T) {
	gw := &fakeGateway{
		ride:   models.Ride{RideID: 55, CycleCode: "1003"},
		status: models.RideStatus{RideID: 55, Status: "ACTIVE", LockState: models.LockUnlocked},
	}
	cmd := &fakeCommander{}
	st := &fakeRideStore{}
	c := NewController(gw, cmd, st, 7, 10*time.Millisecond, logging.NewClientLogger("error", nil))
	defer c.Close()

	if _, err := c.RequestRide(context.Background(), "1003", models.LatLng{}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := c.LastStatus(); ok {
			if got.LockState != models.LockUnlocked {
				t.Fatalf("unexpected polled status: %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("status poll never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := c.EndRide(context.Background(), models.LatLng{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.LastStatus(); ok {
		t.Fatal("last status must be cleared when the ride ends")
	}
}
