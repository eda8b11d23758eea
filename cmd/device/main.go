// Device simulator: stands in for a cycle's embedded lock controller. It
// registers on the relay as a device for one cycle code, applies incoming
// lock/unlock commands, and reports position both through the relay status
// channel and the backend's cycle-location endpoint.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/example/pedalup/internal/api"
	"github.com/example/pedalup/internal/auth"
	"github.com/example/pedalup/internal/config"
	"github.com/example/pedalup/internal/geo"
	"github.com/example/pedalup/internal/logging"
	"github.com/example/pedalup/internal/models"
	"github.com/example/pedalup/internal/relay"
	"github.com/example/pedalup/internal/relayclient"
	"github.com/example/pedalup/internal/store"
)

// campus fallback when the backend does not know the cycle yet
var defaultOrigin = models.LatLng{Lat: 12.9692, Lng: 79.1559}

type device struct {
	mu       sync.Mutex
	cycle    string
	pos      models.LatLng
	lock     models.LockState
	battery  float64
	distance float64 // meters ridden this session
}

func main() {
	cfg, err := config.LoadDeviceConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewClientLogger(cfg.LogLevel, os.Stderr)

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}

	cycleCode := cfg.CycleCode
	if cycleCode == "" {
		// Fall back to the cycle of the persisted active ride, the way
		// the in-browser simulator did.
		if rec, ok := st.ActiveRide(); ok {
			cycleCode = rec.CycleCode
		}
	}
	if cycleCode == "" {
		log.Fatal("no cycle code: set DEVICE_CYCLE_CODE or start a ride first")
	}

	mgr := auth.NewManager(60*time.Second, st)
	gateway := api.NewClient(cfg.APIBase, mgr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &device{cycle: cycleCode, pos: seedPosition(ctx, gateway, cycleCode, logger), lock: models.LockLocked, battery: 100}

	token, _ := mgr.Token()
	rc := relayclient.New(cfg.RelayURL, relayclient.Identity{
		Role:      relay.RoleDevice,
		CycleCode: cycleCode,
		Auth:      token,
	}, 10, logger)
	defer rc.Disconnect()

	rc.OnCommand(func(cmd relay.CommandOut) {
		d.mu.Lock()
		switch cmd.Command {
		case "unlock":
			d.lock = models.LockUnlocked
		case "lock":
			d.lock = models.LockLocked
		default:
			d.mu.Unlock()
			logger.Warn("unknown command", "command", cmd.Command)
			return
		}
		status := d.statusLocked()
		d.mu.Unlock()
		logger.Info("command applied", "command", cmd.Command)
		// Confirm the new lock state right away rather than waiting for
		// the next tick.
		rc.SendStatus(cycleCode, status)
	})

	rc.Connect(ctx)
	logger.Info("device simulator running", "cycle", cycleCode, "tick", cfg.Tick, "step_deg", cfg.StepDeg)

	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.tick(cfg.StepDeg)
			d.mu.Lock()
			status := d.statusLocked()
			pos := d.pos
			d.mu.Unlock()

			rc.SendStatus(cycleCode, status)

			var rideID int64
			if rec, ok := st.ActiveRide(); ok && rec.CycleCode == cycleCode {
				rideID = rec.RideID
			}
			if err := gateway.PushCycleLocation(ctx, cycleCode, pos, rideID); err != nil {
				logger.Debug("location push failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("device simulator stopping", "distance_m", d.distance)
			return
		}
	}
}

// tick advances the simulated position while unlocked and drains the
// battery a touch per report.
func (d *device) tick(stepDeg float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lock == models.LockUnlocked {
		next := geo.Jitter(d.pos, stepDeg)
		d.distance += geo.Haversine(d.pos, next)
		d.pos = next
	}
	d.battery -= 0.01
	if d.battery < 0 {
		d.battery = 0
	}
}

func (d *device) statusLocked() models.DeviceStatus {
	return models.DeviceStatus{
		Lat:       d.pos.Lat,
		Lng:       d.pos.Lng,
		Lock:      d.lock,
		Battery:   d.battery,
		Timestamp: models.NowMillis(),
	}
}

// seedPosition asks the backend where the cycle currently is so the
// simulation continues from the last known point instead of teleporting.
func seedPosition(ctx context.Context, gateway *api.Client, cycleCode string, logger *slog.Logger) models.LatLng {
	cycles, err := gateway.ListCycles(ctx)
	if err != nil {
		logger.Warn("could not seed position from backend", "error", err)
		return defaultOrigin
	}
	for _, c := range cycles {
		if c.Code == cycleCode {
			return c.Location
		}
	}
	return defaultOrigin
}
