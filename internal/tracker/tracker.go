// Package tracker records which alert occurrences have already been notified
// so repeated runs never re-send them. The history lives in a single JSON file
// rewritten atomically on every commit; an optional reminder period makes old
// entries eligible again instead of suppressing them forever.
package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one recorded notification: when the key was last sent and whatever
// context the alert attached for later inspection.
type Event struct {
	LastSentAt time.Time         `json:"lastSentAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// fileState is the on-disk shape of the tracking file.
type fileState struct {
	SentEvents map[string]Event `json:"sentEvents"`
}

// CorruptStateError means the tracking file exists but cannot be read or
// parsed. Starting empty instead would re-notify everything ever sent, so
// callers must treat this as fatal.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("tracking file %s unreadable: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// Tracker owns the sent-history for all alerts. The scheduler goroutine is
// the sole mutator; the mutex exists so the status API can read counts while
// a run is committing.
type Tracker struct {
	path     string
	reminder *time.Duration // nil = never resend

	mu     sync.RWMutex
	events map[string]Event
}

// New creates a Tracker persisting to path. A nil reminder means a key, once
// sent, is suppressed forever.
func New(path string, reminder *time.Duration) *Tracker {
	return &Tracker{
		path:     path,
		reminder: reminder,
		events:   make(map[string]Event),
	}
}

// Load reads the tracking file. A missing file starts an empty history; an
// unreadable or unparsable one returns *CorruptStateError.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.events = make(map[string]Event)
			return nil
		}
		return &CorruptStateError{Path: t.path, Err: err}
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return &CorruptStateError{Path: t.path, Err: err}
	}
	if state.SentEvents == nil {
		state.SentEvents = make(map[string]Event)
	}
	t.events = state.SentEvents
	return nil
}

// IsEligible reports whether key should be notified now. A key is suppressed
// while an entry exists and either no reminder period is configured or less
// than one period has elapsed since the last send. Elapsed time exactly equal
// to the period makes the key eligible again.
func (t *Tracker) IsEligible(key string, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ev, ok := t.events[key]
	if !ok {
		return true
	}
	if t.reminder == nil {
		return false
	}
	return now.Sub(ev.LastSentAt) >= *t.reminder
}

// MarkSent upserts the entry for key in memory only. Persistence is a
// separate explicit step so that a run commits all of its sends in one batch.
func (t *Tracker) MarkSent(key string, now time.Time, metadata map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events[key] = Event{LastSentAt: now, Metadata: maps.Clone(metadata)}
}

// Prune drops entries that can no longer suppress anything: with a reminder
// period, those strictly older than one period. Without a reminder period
// every entry still matters, so nothing is removed. Returns the number of
// entries dropped.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reminder == nil {
		return 0
	}
	var removed int
	for key, ev := range t.events {
		if now.Sub(ev.LastSentAt) > *t.reminder {
			delete(t.events, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.events)
}

// Get returns the recorded event for key, if any.
func (t *Tracker) Get(key string) (Event, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ev, ok := t.events[key]
	return ev, ok
}

// Save rewrites the full history atomically: marshal, write a temp file next
// to the target, rename over it. A crash before the rename leaves the
// previously committed file untouched.
func (t *Tracker) Save() error {
	t.mu.RLock()
	data, err := json.MarshalIndent(fileState{SentEvents: t.events}, "", "  ")
	t.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal tracking state: %w", err)
	}
	data = append(data, '\n')

	if dir := filepath.Dir(t.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create tracking dir: %w", err)
		}
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp tracking file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace tracking file: %w", err)
	}
	return nil
}
