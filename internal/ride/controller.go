// Package ride drives the request/end-ride state machine and issues lock
// commands through the relay. Lock state is never changed optimistically:
// only an observed status push or ride-status poll moves it.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/pedalup/internal/api"
	"github.com/example/pedalup/internal/models"
)

type State string

const (
	StateIdle       State = "Idle"
	StateRequesting State = "Requesting"
	StateActiveRide State = "ActiveRide"
	StateEnding     State = "Ending"
)

var (
	// ErrNotIdle rejects a ride request while another ride is in any
	// non-idle state. No backend call is made.
	ErrNotIdle = errors.New("ride already in progress")
	// ErrNoActiveRide rejects unlock/end operations outside ActiveRide.
	ErrNoActiveRide = errors.New("no active ride")
	// ErrCycleUnavailable maps the backend's conflict answer to a message
	// the UI can show verbatim, distinct from generic failure.
	ErrCycleUnavailable = errors.New("cycle is no longer available")
)

// Gateway is the slice of the REST client the controller uses.
type Gateway interface {
	RequestRide(ctx context.Context, cycleCode string, pickup models.LatLng, notes string) (models.Ride, error)
	EndRide(ctx context.Context, rideID int64, end models.LatLng) (models.Ride, error)
	RideStatus(ctx context.Context, rideID int64) (models.RideStatus, error)
}

// Commander sends fire-and-forget lock commands over the relay.
type Commander interface {
	SendCommand(cycleCode, command string, meta *models.CommandMeta)
}

// RideStore persists the active ride record across restarts.
type RideStore interface {
	SetActiveRide(models.ActiveRide) error
	ClearActiveRide() error
	ActiveRide() (models.ActiveRide, bool)
}

type Controller struct {
	gw      Gateway
	relay   Commander
	store   RideStore
	logger  *slog.Logger
	riderID int64

	pollInterval time.Duration

	mu         sync.Mutex
	state      State
	active     models.Ride
	lastStatus *models.RideStatus
	summary    *models.Ride
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func NewController(gw Gateway, relay Commander, store RideStore, riderID int64, pollInterval time.Duration, logger *slog.Logger) *Controller {
	return &Controller{
		gw:           gw,
		relay:        relay,
		store:        store,
		logger:       logger,
		riderID:      riderID,
		pollInterval: pollInterval,
		state:        StateIdle,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Active returns the current ride while one is in progress.
func (c *Controller) Active() (models.Ride, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.state == StateActiveRide || c.state == StateEnding
}

// LastStatus returns the most recent polled ride status.
func (c *Controller) LastStatus() (models.RideStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastStatus == nil {
		return models.RideStatus{}, false
	}
	return *c.lastStatus, true
}

// Summary returns the completed-ride summary captured by the last
// successful EndRide.
func (c *Controller) Summary() (models.Ride, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summary == nil {
		return models.Ride{}, false
	}
	return *c.summary, true
}

// Resume reloads a persisted active ride after a restart and restarts
// status polling. No-op when nothing is persisted or a ride is already
// running.
func (c *Controller) Resume() bool {
	rec, ok := c.store.ActiveRide()
	if !ok {
		return false
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return false
	}
	c.state = StateActiveRide
	c.active = models.Ride{RideID: rec.RideID, CycleCode: rec.CycleCode, UserID: c.riderID}
	c.mu.Unlock()
	c.startPolling()
	c.logger.Info("resumed active ride", "ride", rec.RideID, "cycle", rec.CycleCode)
	return true
}

// RequestRide books a cycle. Allowed only from Idle; on success the ride
// record is persisted before the caller returns, so a reload lands back in
// ActiveRide.
func (c *Controller) RequestRide(ctx context.Context, cycleCode string, pickup models.LatLng) (models.Ride, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return models.Ride{}, ErrNotIdle
	}
	c.state = StateRequesting
	c.summary = nil
	c.mu.Unlock()

	ride, err := c.gw.RequestRide(ctx, cycleCode, pickup, "app booking")
	if err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		if api.IsConflict(err) {
			return models.Ride{}, fmt.Errorf("%w: %v", ErrCycleUnavailable, err)
		}
		return models.Ride{}, err
	}

	if err := c.store.SetActiveRide(models.ActiveRide{RideID: ride.RideID, CycleCode: ride.CycleCode}); err != nil {
		c.logger.Warn("failed to persist active ride", "error", err)
	}

	c.mu.Lock()
	c.state = StateActiveRide
	c.active = ride
	c.lastStatus = nil
	c.mu.Unlock()

	c.startPolling()
	c.logger.Info("ride started", "ride", ride.RideID, "cycle", ride.CycleCode)
	return ride, nil
}

// Unlock sends the unlock command for the active cycle. Local lock state
// is untouched; the device's status push is the only source of truth.
func (c *Controller) Unlock() error {
	return c.sendLockCommand("unlock")
}

// Lock sends the lock command for the active cycle.
func (c *Controller) Lock() error {
	return c.sendLockCommand("lock")
}

func (c *Controller) sendLockCommand(command string) error {
	c.mu.Lock()
	if c.state != StateActiveRide {
		c.mu.Unlock()
		return ErrNoActiveRide
	}
	cycle := c.active.CycleCode
	rideID := c.active.RideID
	c.mu.Unlock()

	c.relay.SendCommand(cycle, command, &models.CommandMeta{
		UserID: c.riderID,
		RideID: rideID,
		Reason: "user_requested",
	})
	return nil
}

// EndRide finishes the active ride. On success the persisted record is
// cleared and the summary captured; on failure the ride stays active and
// the error surfaces.
func (c *Controller) EndRide(ctx context.Context, end models.LatLng) (models.Ride, error) {
	c.mu.Lock()
	if c.state != StateActiveRide {
		c.mu.Unlock()
		return models.Ride{}, ErrNoActiveRide
	}
	c.state = StateEnding
	rideID := c.active.RideID
	c.mu.Unlock()

	summary, err := c.gw.EndRide(ctx, rideID, end)
	if err != nil {
		c.mu.Lock()
		c.state = StateActiveRide
		c.mu.Unlock()
		return models.Ride{}, err
	}

	if err := c.store.ClearActiveRide(); err != nil {
		c.logger.Warn("failed to clear active ride", "error", err)
	}

	c.stopPolling()
	c.mu.Lock()
	c.state = StateIdle
	c.summary = &summary
	c.active = models.Ride{}
	c.lastStatus = nil
	c.mu.Unlock()

	c.logger.Info("ride ended", "ride", rideID, "duration_s", summary.DurationSeconds, "amount", summary.Amount)
	return summary, nil
}

// Abandon drops the local ride record without contacting the backend.
// Explicit cancellation path for a ride the backend no longer knows about.
func (c *Controller) Abandon() {
	c.stopPolling()
	_ = c.store.ClearActiveRide()
	c.mu.Lock()
	c.state = StateIdle
	c.active = models.Ride{}
	c.lastStatus = nil
	c.mu.Unlock()
}

// Close stops background polling. The persisted ride record is kept so a
// later Resume picks it up.
func (c *Controller) Close() {
	c.stopPolling()
}

// startPolling runs the ride-status fallback loop for the active ride;
// live pushes remain the primary signal.
func (c *Controller) startPolling() {
	if c.pollInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.pollCancel != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.pollCancel = cancel
	c.pollDone = done
	rideID := c.active.RideID
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st, err := c.gw.RideStatus(ctx, rideID)
				if err != nil {
					c.logger.Debug("ride status poll failed", "ride", rideID, "error", err)
					continue
				}
				c.mu.Lock()
				if c.state == StateActiveRide {
					c.lastStatus = &st
				}
				c.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (c *Controller) stopPolling() {
	c.mu.Lock()
	cancel := c.pollCancel
	done := c.pollDone
	c.pollCancel = nil
	c.pollDone = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
