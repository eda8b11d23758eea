package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/example/pedalup/internal/models"
)

// cycleDTO matches the backend's cycle entry; Location tolerates both the
// {lat,lng} and GeoJSON shapes and normalizes on decode.
type cycleDTO struct {
	ID        int64              `json:"id"`
	Code      string             `json:"cycleId"`
	Available bool               `json:"available"`
	Rating    float64            `json:"rating"`
	Location  models.Location    `json:"currentLocation"`
	LastSeen  int64              `json:"lastSeen"`
	Specs     *models.CycleSpecs `json:"specs"`
}

func (d cycleDTO) toCycle() models.Cycle {
	return models.Cycle{
		ID:        d.ID,
		Code:      d.Code,
		Available: d.Available,
		Rating:    d.Rating,
		Location:  d.Location.LatLng,
		LastSeen:  d.LastSeen,
		Specs:     d.Specs,
	}
}

func (c *Client) Signup(ctx context.Context, name, email, password string) (models.User, error) {
	var raw json.RawMessage
	body := map[string]string{"name": name, "email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, &raw, callOpts{noAuth: true, noRetry: true}); err != nil {
		return models.User{}, err
	}
	var u models.User
	if err := json.Unmarshal(unwrap(raw), &u); err != nil {
		return models.User{}, fmt.Errorf("decode signup response: %w", err)
	}
	return u, nil
}

// Login obtains a token and hands it to the auth manager. The backend does
// not report a TTL alongside the token; the manager prefers the JWT exp
// claim and falls back to one hour.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var raw json.RawMessage
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &raw, callOpts{noAuth: true, noRetry: true}); err != nil {
		return err
	}
	token := extractAccessToken(raw)
	if token == "" {
		return fmt.Errorf("login response has no accessToken")
	}
	c.auth.SetToken(token, defaultLoginTTL)
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, callOpts{})
	c.auth.ClearToken()
	return err
}

// ListCycles fetches the fleet snapshot. The backend answers with either a
// bare array or a {data:{cycles:[...]}} envelope; both land here.
func (c *Client) ListCycles(ctx context.Context) ([]models.Cycle, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/cycles", nil, &raw, callOpts{}); err != nil {
		return nil, err
	}
	return parseCycles(raw)
}

func (c *Client) GetCycle(ctx context.Context, id int64) (models.Cycle, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/cycles/%d", id), nil, &raw, callOpts{}); err != nil {
		return models.Cycle{}, err
	}
	var dto cycleDTO
	if err := json.Unmarshal(unwrap(raw), &dto); err != nil {
		return models.Cycle{}, fmt.Errorf("decode cycle: %w", err)
	}
	return dto.toCycle(), nil
}

// RequestRide books a cycle in a single call; the backend creates the ride
// immediately and flips the cycle unavailable. A 2xx without a rideId is a
// hard failure.
func (c *Client) RequestRide(ctx context.Context, cycleCode string, pickup models.LatLng, notes string) (models.Ride, error) {
	var raw json.RawMessage
	body := map[string]any{"pickupLat": pickup.Lat, "pickupLng": pickup.Lng, "notes": notes}
	path := "/riders/requestRide/" + url.PathEscape(cycleCode)
	if err := c.do(ctx, http.MethodPost, path, body, &raw, callOpts{}); err != nil {
		return models.Ride{}, err
	}
	var ride models.Ride
	if err := json.Unmarshal(unwrap(raw), &ride); err != nil {
		return models.Ride{}, fmt.Errorf("decode ride: %w", err)
	}
	if ride.RideID == 0 {
		return models.Ride{}, ErrMissingRideID
	}
	if ride.CycleCode == "" {
		ride.CycleCode = cycleCode
	}
	return ride, nil
}

func (c *Client) AcceptRide(ctx context.Context, rideRequestID int64) (models.Ride, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/riders/acceptRide/%d", rideRequestID)
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &raw, callOpts{}); err != nil {
		return models.Ride{}, err
	}
	var ride models.Ride
	if err := json.Unmarshal(unwrap(raw), &ride); err != nil {
		return models.Ride{}, fmt.Errorf("decode ride: %w", err)
	}
	return ride, nil
}

func (c *Client) EndRide(ctx context.Context, rideID int64, end models.LatLng) (models.Ride, error) {
	var raw json.RawMessage
	body := map[string]any{"endLat": end.Lat, "endLng": end.Lng}
	path := fmt.Sprintf("/riders/endRide/%d", rideID)
	if err := c.do(ctx, http.MethodPost, path, body, &raw, callOpts{}); err != nil {
		return models.Ride{}, err
	}
	var ride models.Ride
	if err := json.Unmarshal(unwrap(raw), &ride); err != nil {
		return models.Ride{}, fmt.Errorf("decode ride summary: %w", err)
	}
	return ride, nil
}

func (c *Client) RideStatus(ctx context.Context, rideID int64) (models.RideStatus, error) {
	var raw json.RawMessage
	path := fmt.Sprintf("/riders/rideStatus/%d", rideID)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw, callOpts{}); err != nil {
		return models.RideStatus{}, err
	}
	var st models.RideStatus
	if err := json.Unmarshal(unwrap(raw), &st); err != nil {
		return models.RideStatus{}, fmt.Errorf("decode ride status: %w", err)
	}
	return st, nil
}

// PushCycleLocation reports a device position. The path carries the public
// cycle code, not the numeric id, and the body uses GeoJSON [lng, lat]
// order; rideID is included for in-ride validation when non-zero.
func (c *Client) PushCycleLocation(ctx context.Context, cycleCode string, pos models.LatLng, rideID int64) error {
	body := map[string]any{
		"cycleId": cycleCode,
		"currentLocation": map[string]any{
			"type":        "Point",
			"coordinates": []float64{pos.Lng, pos.Lat},
		},
	}
	if rideID != 0 {
		body["rideId"] = rideID
	}
	path := "/riders/cycleLocation/" + url.PathEscape(cycleCode)
	return c.do(ctx, http.MethodPost, path, body, nil, callOpts{})
}

// parseCycles handles the snapshot's tagged-union of shapes in one place.
func parseCycles(raw json.RawMessage) ([]models.Cycle, error) {
	var dtos []cycleDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
			return nil, fmt.Errorf("decode cycles: unrecognized response shape")
		}
		inner := env.Data
		var wrapped struct {
			Cycles []cycleDTO `json:"cycles"`
		}
		if err := json.Unmarshal(inner, &wrapped); err == nil && wrapped.Cycles != nil {
			dtos = wrapped.Cycles
		} else if err := json.Unmarshal(inner, &dtos); err != nil {
			return nil, fmt.Errorf("decode cycles: %w", err)
		}
	}
	out := make([]models.Cycle, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.toCycle())
	}
	return out, nil
}
