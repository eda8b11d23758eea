// Package store is the client-side analogue of browser local storage: a
// small durable key/value file holding the access token and the active
// ride record so both survive a process restart.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/example/pedalup/internal/models"
)

const stateFile = "state.json"

type persistedState struct {
	AccessToken    string             `json:"accessToken,omitempty"`
	TokenExpiresAt int64              `json:"tokenExpiresAt,omitempty"` // unix millis
	ActiveRide     *models.ActiveRide `json:"activeRide,omitempty"`
}

// Store reads and writes the persisted client state. Writes go through an
// atomic rename so a crash never leaves a torn file.
type Store struct {
	mu    sync.Mutex
	path  string
	state persistedState
}

// Open loads existing state from dir, creating the directory if needed.
// A missing or unreadable state file starts empty rather than failing:
// losing a cached token just forces a fresh login.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &Store{path: filepath.Join(dir, stateFile)}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(b, &s.state); err != nil {
		s.state = persistedState{}
	}
	return s, nil
}

func (s *Store) SetToken(token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AccessToken = token
	s.state.TokenExpiresAt = expiresAt.UnixMilli()
	return s.flushLocked()
}

func (s *Store) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AccessToken = ""
	s.state.TokenExpiresAt = 0
	return s.flushLocked()
}

func (s *Store) Token() (token string, expiresAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.AccessToken == "" {
		return "", time.Time{}, false
	}
	return s.state.AccessToken, time.UnixMilli(s.state.TokenExpiresAt), true
}

func (s *Store) SetActiveRide(r models.ActiveRide) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ActiveRide = &r
	return s.flushLocked()
}

func (s *Store) ClearActiveRide() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ActiveRide = nil
	return s.flushLocked()
}

func (s *Store) ActiveRide() (models.ActiveRide, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ActiveRide == nil {
		return models.ActiveRide{}, false
	}
	return *s.state.ActiveRide, true
}

func (s *Store) flushLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
