// Package store persists the engine's control metadata on the device:
// auth token, ids, the pipeline-resume snapshot, and one-shot flags.
// It never holds transcript or audio content.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	keyAuthToken            = "auth_token"
	keySessionID            = "session_id"
	keyDeviceID             = "device_id"
	keyPipelineSnapshot     = "pipeline_snapshot"
	keyNotificationPrompted = "notification_prompted"

	stateFile = "state.json"
)

// Snapshot is the minimal pipeline-visualization state preserved across a
// background transition: enough to redraw progress, nothing more.
type Snapshot struct {
	CompletedStages []string `json:"completed_stages"`
	ActiveStage     int      `json:"active_stage"`
	PendingDraftID  string   `json:"pending_draft_id,omitempty"`
	SavedAt         int64    `json:"saved_at"` // unix ms
}

// Store is a file-backed string-keyed secure store.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

// ResolveDir picks the state directory: explicit flag, then
// MYNDLENS_STATE_PATH, then the OS default.
func ResolveDir(flagPath string) (string, error) {
	if flagPath != "" {
		return flagPath, nil
	}
	if env := os.Getenv("MYNDLENS_STATE_PATH"); env != "" {
		return env, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "myndlens"), nil
}

// Open loads (or creates) the store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store dir: %w", err)
	}
	s := &Store{
		path: filepath.Join(dir, stateFile),
		data: make(map[string]json.RawMessage),
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store read: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		// A corrupt state file only holds control metadata; start fresh
		// rather than wedging startup.
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

// flush writes the whole map atomically (tmp file + rename), 0600.
func (s *Store) flush() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("store write: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return s.flush()
}

func (s *Store) get(key string, v any) bool {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

func (s *Store) clear(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flush()
}

func (s *Store) Token() string {
	var t string
	s.get(keyAuthToken, &t)
	return t
}

func (s *Store) SetToken(t string) error {
	return s.set(keyAuthToken, t)
}

// ClearToken forgets the credential after a hard auth failure.
func (s *Store) ClearToken() error {
	return s.clear(keyAuthToken)
}

func (s *Store) SessionID() string {
	var id string
	s.get(keySessionID, &id)
	return id
}

func (s *Store) SetSessionID(id string) error {
	return s.set(keySessionID, id)
}

// DeviceID returns the stable device identifier, minting one on first use.
func (s *Store) DeviceID() (string, error) {
	var id string
	if s.get(keyDeviceID, &id) && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := s.set(keyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) PipelineSnapshot() (Snapshot, bool) {
	var snap Snapshot
	ok := s.get(keyPipelineSnapshot, &snap)
	return snap, ok
}

func (s *Store) SetPipelineSnapshot(snap Snapshot) error {
	if snap.SavedAt == 0 {
		snap.SavedAt = time.Now().UnixMilli()
	}
	return s.set(keyPipelineSnapshot, snap)
}

func (s *Store) ClearPipelineSnapshot() error {
	return s.clear(keyPipelineSnapshot)
}

func (s *Store) NotificationPrompted() bool {
	var v bool
	s.get(keyNotificationPrompted, &v)
	return v
}

func (s *Store) MarkNotificationPrompted() error {
	return s.set(keyNotificationPrompted, true)
}
