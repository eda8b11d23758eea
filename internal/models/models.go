package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location accepts both representations the backend emits for a cycle's
// position: a plain {lat,lng} object or a GeoJSON Point whose coordinates
// are ordered [lng, lat]. Unmarshalling normalizes to LatLng.
type Location struct {
	LatLng
}

func (l *Location) UnmarshalJSON(b []byte) error {
	var raw struct {
		Lat         *float64  `json:"lat"`
		Lng         *float64  `json:"lng"`
		Coordinates []float64 `json:"coordinates"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Lat != nil && raw.Lng != nil {
		l.Lat, l.Lng = *raw.Lat, *raw.Lng
		return nil
	}
	if len(raw.Coordinates) >= 2 {
		// GeoJSON order: longitude first
		l.Lng, l.Lat = raw.Coordinates[0], raw.Coordinates[1]
		return nil
	}
	return fmt.Errorf("location: neither lat/lng nor coordinates present")
}

func (l Location) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.LatLng)
}

type LockState string

const (
	LockLocked   LockState = "locked"
	LockUnlocked LockState = "unlocked"
)

type CycleSpecs struct {
	Model    string `json:"model"`
	LockType string `json:"lockType"`
}

type Cycle struct {
	ID        int64       `json:"id"`
	Code      string      `json:"cycleId"`
	Available bool        `json:"available"`
	Rating    float64     `json:"rating"`
	Location  LatLng      `json:"currentLocation"`
	Lock      LockState   `json:"lockState,omitempty"`
	LastSeen  int64       `json:"lastSeen,omitempty"`
	Specs     *CycleSpecs `json:"specs,omitempty"`
}

// DeviceStatus is the payload a lock controller reports over the relay.
type DeviceStatus struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Lock      LockState `json:"lock"`
	Battery   float64   `json:"battery"`
	Timestamp int64     `json:"timestamp"`
}

type CommandMeta struct {
	UserID int64  `json:"userId,omitempty"`
	RideID int64  `json:"rideId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Ride struct {
	RideID          int64   `json:"rideId"`
	CycleCode       string  `json:"cycleId"`
	UserID          int64   `json:"userId"`
	StartTime       int64   `json:"startTime"`
	EndTime         int64   `json:"endTime,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	DistanceKm      float64 `json:"distanceKm,omitempty"`
	Amount          float64 `json:"amount,omitempty"`
	PaymentStatus   string  `json:"paymentStatus,omitempty"`
}

type RideStatus struct {
	RideID    int64     `json:"rideId"`
	Status    string    `json:"status"` // ACTIVE, ENDED, PENDING
	LockState LockState `json:"lockState"`
	Location  Location  `json:"currentLocation"`
	StartTime int64     `json:"startTime"`
}

// ActiveRide is the record persisted locally while a ride is in progress.
type ActiveRide struct {
	RideID    int64  `json:"rideId"`
	CycleCode string `json:"cycleId"`
}

type User struct {
	ID    int64    `json:"id"`
	Name  string   `json:"name"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
