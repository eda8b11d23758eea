// Package motion animates discrete position updates into continuous
// movement. Pure presentation state: the authoritative fleet view is never
// touched, and positions here are only ever read at render time.
package motion

import (
	"time"

	"github.com/example/pedalup/internal/models"
)

type keyframe struct {
	from    models.LatLng
	to      models.LatLng
	started time.Time
}

// Tweener holds one keyframe per cycle key and blends linearly between the
// previous rendered position and the latest target over a fixed duration.
type Tweener struct {
	duration time.Duration
	frames   map[string]*keyframe
	now      func() time.Time
}

func NewTweener(duration time.Duration) *Tweener {
	return &Tweener{
		duration: duration,
		frames:   make(map[string]*keyframe),
		now:      time.Now,
	}
}

// Observe records a new authoritative target for key. The previous frame's
// rendered position at this instant becomes the new "from", so an update
// arriving mid-tween does not jump. A key seen for the first time starts
// with from == to.
func (t *Tweener) Observe(key string, target models.LatLng) {
	now := t.now()
	f, ok := t.frames[key]
	if !ok {
		t.frames[key] = &keyframe{from: target, to: target, started: now}
		return
	}
	if f.to == target {
		return
	}
	f.from = t.blendAt(f, now)
	f.to = target
	f.started = now
}

// At returns the interpolated position for key at the given instant,
// clamped so progress never overshoots. Unknown keys report ok=false.
func (t *Tweener) At(key string, at time.Time) (models.LatLng, bool) {
	f, ok := t.frames[key]
	if !ok {
		return models.LatLng{}, false
	}
	return t.blendAt(f, at), true
}

// Position is At with the current time.
func (t *Tweener) Position(key string) (models.LatLng, bool) {
	return t.At(key, t.now())
}

func (t *Tweener) blendAt(f *keyframe, at time.Time) models.LatLng {
	if t.duration <= 0 {
		return f.to
	}
	p := float64(at.Sub(f.started)) / float64(t.duration)
	if p <= 0 {
		return f.from
	}
	if p >= 1 {
		return f.to
	}
	return models.LatLng{
		Lat: f.from.Lat + (f.to.Lat-f.from.Lat)*p,
		Lng: f.from.Lng + (f.to.Lng-f.from.Lng)*p,
	}
}

// Prune drops keyframe state for every key not in live. Called when the
// fleet view is replaced so vanished cycles do not leak frames.
func (t *Tweener) Prune(live map[string]struct{}) {
	for k := range t.frames {
		if _, ok := live[k]; !ok {
			delete(t.frames, k)
		}
	}
}

// Len is used by tests.
func (t *Tweener) Len() int { return len(t.frames) }
