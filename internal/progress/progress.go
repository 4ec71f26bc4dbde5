// Package progress writes and reads the per-execution snapshot files shared
// between workers and the parent. The ledger stays authoritative for status;
// these files only feed UI progress polls, so readers tolerate stale or
// partial snapshots.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is one task's point-in-time progress
type Snapshot struct {
	ExecutionID       string         `json:"execution_id"`
	TaskKey           string         `json:"task_key"` // "<strategy_id>_<timeframe>"
	CurrentFilter     string         `json:"current_filter,omitempty"`
	TimepointIndex    int            `json:"timepoint_index"`
	PlannedTimepoints int            `json:"planned_timepoints"`
	GateHistogram     map[string]int `json:"gate_histogram,omitempty"`
	Trades            int            `json:"trades"`
	NoSignal          int            `json:"no_signal"`
	EarlyExits        map[string]int `json:"early_exits,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Percent is the task's completion fraction in [0, 100]
func (s *Snapshot) Percent() float64 {
	if s.PlannedTimepoints == 0 {
		return 0
	}
	pct := float64(s.TimepointIndex) / float64(s.PlannedTimepoints) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// TaskKey builds the snapshot filename stem for a task
func TaskKey(strategyID int64, timeframe string) string {
	return fmt.Sprintf("%d_%s", strategyID, timeframe)
}

// Writer persists snapshots for one task. Writes are atomic (temp file and
// rename) and monotonic: a snapshot with a lower timepoint index than the
// last written one is dropped.
type Writer struct {
	dir       string
	path      string
	lastIndex int
}

// NewWriter creates the per-execution directory and binds a writer to one
// task's snapshot file
func NewWriter(root, executionID string, strategyID int64, timeframe string) (*Writer, error) {
	dir := filepath.Join(root, executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress dir: %w", err)
	}
	return &Writer{
		dir:  dir,
		path: filepath.Join(dir, TaskKey(strategyID, timeframe)+".json"),
	}, nil
}

// Write persists the snapshot, enforcing monotonic progress
func (w *Writer) Write(snap *Snapshot) error {
	if snap.TimepointIndex < w.lastIndex {
		return nil
	}
	w.lastIndex = snap.TimepointIndex
	snap.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, ".snap-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	return nil
}

// ReadAll loads every task snapshot of one execution. Unreadable or
// half-written files are skipped, not errors.
func ReadAll(root, executionID string) []Snapshot {
	dir := filepath.Join(root, executionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	snaps := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			log.Debug().Str("file", entry.Name()).Err(err).Msg("Skipping unreadable snapshot")
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

// ExecutionPercent aggregates task snapshots into one execution-level figure
func ExecutionPercent(snaps []Snapshot, totalTasks int) float64 {
	if totalTasks == 0 {
		return 0
	}
	var sum float64
	for _, s := range snaps {
		sum += s.Percent()
	}
	return sum / float64(totalTasks)
}
