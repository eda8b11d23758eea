// Headless rider client: logs in, watches the fleet through the
// reconciler, and can run a scripted ride (request, unlock, ride a while,
// end). Useful against a real backend and relay, and as a reference for
// how the client packages compose.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/pedalup/internal/api"
	"github.com/example/pedalup/internal/auth"
	"github.com/example/pedalup/internal/config"
	"github.com/example/pedalup/internal/fleet"
	"github.com/example/pedalup/internal/logging"
	"github.com/example/pedalup/internal/models"
	"github.com/example/pedalup/internal/motion"
	"github.com/example/pedalup/internal/relay"
	"github.com/example/pedalup/internal/relayclient"
	"github.com/example/pedalup/internal/ride"
	"github.com/example/pedalup/internal/store"
)

func main() {
	var (
		email     = flag.String("email", "", "account email (required unless a token is cached)")
		password  = flag.String("password", "", "account password")
		rideCycle = flag.String("ride", "", "cycle code: run a scripted ride on this cycle")
		rideFor   = flag.Duration("ride-for", 20*time.Second, "how long the scripted ride lasts")
		logout    = flag.Bool("logout", false, "invalidate the session and exit")
	)
	flag.Parse()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewClientLogger(cfg.LogLevel, os.Stderr)

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	mgr := auth.NewManager(cfg.TokenRefreshLead, st)
	gateway := api.NewClient(cfg.APIBase, mgr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *logout {
		if err := gateway.Logout(ctx); err != nil {
			logger.Warn("logout call failed", "error", err)
		}
		fmt.Println("logged out")
		return
	}

	if mgr.IsExpired() {
		if *email == "" || *password == "" {
			log.Fatal("no valid session: pass -email and -password")
		}
		if err := gateway.Login(ctx, *email, *password); err != nil {
			log.Fatalf("login: %v", err)
		}
		logger.Info("logged in", "email", *email)
	}

	token, _ := mgr.Token()
	rc := relayclient.New(cfg.RelayURL, relayclient.Identity{Role: relay.RoleRiderFrontend, Auth: token}, cfg.ReconnectMaxAttempts, logger)
	defer rc.Disconnect()
	rc.Connect(ctx)

	rec := fleet.NewReconciler(gateway, cfg.FleetPollInterval, logger)
	rec.Start(ctx)
	defer rec.Stop()

	unsubStatus := rc.OnStatus(rec.ApplyStatus)
	defer unsubStatus()

	tween := motion.NewTweener(cfg.TweenDuration)

	controller := ride.NewController(gateway, rc, st, 0, cfg.RidePollInterval, logger)
	defer controller.Close()
	if controller.Resume() {
		logger.Info("resumed ride from previous session")
	}

	if *rideCycle != "" {
		go func() {
			if err := scriptedRide(ctx, controller, rec, *rideCycle, *rideFor, logger); err != nil {
				logger.Error("scripted ride failed", "error", err)
			}
			stop()
		}()
	}

	// Render loop: advance tweens from the authoritative view and print a
	// compact fleet line once a second.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			view := rec.View()
			live := make(map[string]struct{}, len(view))
			for _, c := range view {
				live[c.Code] = struct{}{}
				tween.Observe(c.Code, c.Location)
			}
			tween.Prune(live)
			printFleet(view, tween, rec.Err())
		case <-ctx.Done():
			return
		}
	}
}

func printFleet(view []models.Cycle, tween *motion.Tweener, fleetErr error) {
	if fleetErr != nil {
		fmt.Printf("! fleet refresh error: %v (showing last good data)\n", fleetErr)
	}
	for _, c := range view {
		pos := c.Location
		if p, ok := tween.Position(c.Code); ok {
			pos = p
		}
		state := "available"
		if !c.Available {
			state = "in use"
		}
		lock := c.Lock
		if lock == "" {
			lock = "?"
		}
		fmt.Printf("  %-8s %-9s lock=%-8s (%.5f, %.5f)\n", c.Code, state, lock, pos.Lat, pos.Lng)
	}
}

// scriptedRide exercises the full command path: request, unlock, let the
// device move, lock, end.
func scriptedRide(ctx context.Context, c *ride.Controller, rec *fleet.Reconciler, cycleCode string, duration time.Duration, logger *slog.Logger) error {
	pickup := models.LatLng{Lat: 12.9692, Lng: 79.1559}
	if cy, ok := rec.Cycle(cycleCode); ok {
		pickup = cy.Location
	}

	r, err := c.RequestRide(ctx, cycleCode, pickup)
	if err != nil {
		if errors.Is(err, ride.ErrCycleUnavailable) {
			return fmt.Errorf("cycle %s unavailable: %w", cycleCode, err)
		}
		return err
	}
	logger.Info("ride requested", "ride", r.RideID)

	if err := c.Unlock(); err != nil {
		return err
	}
	logger.Info("unlock sent, riding", "duration", duration)

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.Lock(); err != nil {
		return err
	}

	end := pickup
	if cy, ok := rec.Cycle(cycleCode); ok {
		end = cy.Location
	}
	summary, err := c.EndRide(ctx, end)
	if err != nil {
		return err
	}
	fmt.Printf("ride %d complete: %.0fs, %.2fkm, amount %.2f\n",
		summary.RideID, summary.DurationSeconds, summary.DistanceKm, summary.Amount)
	return nil
}
