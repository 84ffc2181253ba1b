// Package emergency keeps submissions that no sink accepted until an operator replays or discards them.
package emergency

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/studyflow/internal/model"
	"github.com/pavelanni/studyflow/internal/store"
)

// Prefix is the key namespace of emergency backups.
const Prefix = "emergency/"

// ErrNotFound is returned for a key with no backup entry.
var ErrNotFound = errors.New("emergency backup not found")

// Store persists EmergencyBackupEntry values in a KV.
type Store struct {
	kv  store.KV
	log *slog.Logger
	now func() time.Time
}

// New returns an emergency store. A nil logger uses slog.Default().
func New(kv store.KV, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{kv: kv, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// NewKey returns a unique key that sorts by creation time.
func NewKey(at time.Time) string {
	return fmt.Sprintf("%s%020d-%s", Prefix, at.UnixNano(), uuid.NewString()[:8])
}

// Save stores payload together with the last error of each sink and returns the new entry.
func (s *Store) Save(payload model.Submission, primaryErr, secondaryErr error) (*model.EmergencyBackupEntry, error) {
	now := s.now()
	entry := &model.EmergencyBackupEntry{
		Key:            NewKey(now),
		Payload:        payload,
		PrimaryError:   errString(primaryErr),
		SecondaryError: errString(secondaryErr),
		CreatedAt:      now,
	}
	if err := s.put(entry); err != nil {
		return nil, err
	}
	s.log.Error("submission saved to emergency store",
		"key", entry.Key,
		"user_id", payload.UserID,
		"primary_error", entry.PrimaryError,
		"secondary_error", entry.SecondaryError,
	)
	return entry, nil
}

// List returns every entry, oldest first. Unreadable entries are logged and skipped.
func (s *Store) List() ([]model.EmergencyBackupEntry, error) {
	keys, err := s.kv.ListKeys(Prefix)
	if err != nil {
		return nil, fmt.Errorf("list emergency keys: %w", err)
	}
	entries := make([]model.EmergencyBackupEntry, 0, len(keys))
	for _, key := range keys {
		e, err := s.Get(key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("skipping unreadable emergency entry", "key", key, "error", err)
			continue
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

// Get returns the entry stored under key.
func (s *Store) Get(key string) (*model.EmergencyBackupEntry, error) {
	if !strings.HasPrefix(key, Prefix) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	var e model.EmergencyBackupEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	e.Key = key
	return &e, nil
}

// RecordReplay stores the outcome of a replay attempt. A nil replayErr marks the entry recovered.
func (s *Store) RecordReplay(key string, replayErr error) (*model.EmergencyBackupEntry, error) {
	e, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	e.ReplayAttempts++
	if replayErr != nil {
		e.LastReplayError = replayErr.Error()
	} else {
		now := s.now()
		e.Recovered = true
		e.RecoveredAt = &now
		e.LastReplayError = ""
	}
	if err := s.put(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Delete removes one entry.
func (s *Store) Delete(key string) error {
	if _, err := s.Get(key); errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.kv.Delete(key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.log.Info("emergency entry deleted", "key", key)
	return nil
}

// DeleteAll removes every entry and returns how many were deleted.
func (s *Store) DeleteAll() (int, error) {
	keys, err := s.kv.ListKeys(Prefix)
	if err != nil {
		return 0, fmt.Errorf("list emergency keys: %w", err)
	}
	n := 0
	var errs []error
	for _, key := range keys {
		if err := s.kv.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
			continue
		}
		n++
	}
	s.log.Info("emergency entries deleted", "count", n)
	return n, errors.Join(errs...)
}

func (s *Store) put(e *model.EmergencyBackupEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode emergency entry: %w", err)
	}
	if err := s.kv.Set(e.Key, raw); err != nil {
		return fmt.Errorf("write %s: %w", e.Key, err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
