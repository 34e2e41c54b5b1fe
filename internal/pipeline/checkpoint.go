package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Checkpoint persistence failures.
var (
	// ErrCheckpointCorrupt marks persisted stage output that cannot be
	// deserialized into the expected shape.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")
	// ErrStoreLocked means another run holds the checkpoint directory.
	ErrStoreLocked = errors.New("checkpoint directory locked by another run")
)

const (
	checkpointExt = ".checkpoint.json"
	lockFileName  = "stocktake.lock"
)

// Checkpoint is the persisted proof that a stage completed with a given
// configuration fingerprint, together with the state snapshot downstream
// stages resume from.
type Checkpoint struct {
	Stage       string     `json:"stage"`
	Fingerprint string     `json:"fingerprint"`
	RunID       string     `json:"run_id"`
	CompletedAt time.Time  `json:"completed_at"`
	Stats       StageStats `json:"stats"`
	State       *State     `json:"state"`
}

// lockInfo is what the lock file records about the holding run.
type lockInfo struct {
	RunID string `json:"run_id"`
	PID   int    `json:"pid"`
}

// Store persists one checkpoint file per stage under a directory. It takes
// an exclusive lock on open so two concurrent runs can never interleave
// checkpoints in the same directory.
type Store struct {
	dir      string
	lockPath string
}

// OpenStore creates the directory if needed and acquires the writer lock.
func OpenStore(dir, runID string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	lockPath := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStoreLocked, lockPath)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	data, _ := json.Marshal(lockInfo{RunID: runID, PID: os.Getpid()})
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	return &Store{dir: dir, lockPath: lockPath}, nil
}

// Close releases the writer lock.
func (s *Store) Close() error {
	return os.Remove(s.lockPath)
}

func (s *Store) path(stage string) string {
	return filepath.Join(s.dir, stage+checkpointExt)
}

// Save persists a checkpoint atomically: the payload is written to a temp
// file in the same directory and renamed into place, so a crash mid-write
// never leaves a file Load would accept.
func (s *Store) Save(cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Stage, err)
	}

	tmp, err := os.CreateTemp(s.dir, cp.Stage+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint %s: %w", cp.Stage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint %s: %w", cp.Stage, err)
	}
	if err := os.Rename(tmp.Name(), s.path(cp.Stage)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit checkpoint %s: %w", cp.Stage, err)
	}
	return nil
}

// Load reads a stage's checkpoint. A missing checkpoint returns (nil, nil);
// a file that cannot be decoded into the expected shape returns
// ErrCheckpointCorrupt.
func (s *Store) Load(stage string) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path(stage))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", stage, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCheckpointCorrupt, stage, err)
	}
	if cp.Stage != stage || cp.Fingerprint == "" || cp.State == nil || cp.State.Table == nil {
		return nil, fmt.Errorf("%w: %s: missing required fields", ErrCheckpointCorrupt, stage)
	}
	return &cp, nil
}

// Delete removes a stage's checkpoint if present.
func (s *Store) Delete(stage string) error {
	err := os.Remove(s.path(stage))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the stage names that currently have a checkpoint, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var stages []string
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name(), checkpointExt); ok {
			stages = append(stages, name)
		}
	}
	sort.Strings(stages)
	return stages, nil
}

// Clear removes every checkpoint in the directory.
func (s *Store) Clear() error {
	stages, err := s.List()
	if err != nil {
		return err
	}
	for _, stage := range stages {
		if err := s.Delete(stage); err != nil {
			return err
		}
	}
	return nil
}
