// Package persistence implements C15: an atomically-written recovery
// snapshot (temp file + rename, per the spec's explicit mandate that
// this is a local file, not a database record) and an append-only
// Postgres audit log descended from the teacher's internal/db.Logger.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionSnapshot is the minimal state needed to resume account
// sessions after a relay restart: which accounts were READY, which
// tab they were bound to, and when the snapshot was taken.
type SessionSnapshot struct {
	TakenAt time.Time                `json:"taken_at"`
	Entries map[string]SnapshotEntry `json:"entries"` // keyed by account id
}

// SnapshotEntry is one account's recovery record: its tab binding, the
// last symbol and signal it traded, and its circuit breaker state per
// operation class, so a relay restart can warn an operator about an
// account that was mid-trip rather than silently resetting it CLOSED.
type SnapshotEntry struct {
	TabID        string            `json:"tab_id"`
	Status       string            `json:"status"`
	Mode         string            `json:"mode"`
	LastSymbol   string            `json:"last_symbol,omitempty"`
	LastSignalID string            `json:"last_signal_id,omitempty"`
	Circuits     map[string]string `json:"circuits,omitempty"` // op_class -> breaker state
}

// WriteAtomic serializes snap to JSON and writes it to path by first
// writing to a temp file in the same directory and renaming over the
// destination, so a crash mid-write never leaves a truncated snapshot
// behind.
func WriteAtomic(path string, snap SessionSnapshot) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("persistence: sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persistence: rename snapshot into place: %w", err)
	}
	return nil
}

// ReadSnapshot loads the snapshot at path. A missing file returns a
// zero-value snapshot with no error: a relay starting for the first
// time has nothing to recover.
func ReadSnapshot(path string) (SessionSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return SessionSnapshot{Entries: map[string]SnapshotEntry{}}, nil
		}
		return SessionSnapshot{}, fmt.Errorf("persistence: read snapshot %s: %w", path, err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return SessionSnapshot{}, fmt.Errorf("persistence: decode snapshot %s: %w", path, err)
	}
	if snap.Entries == nil {
		snap.Entries = map[string]SnapshotEntry{}
	}
	return snap, nil
}
