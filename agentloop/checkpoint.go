package agentloop

import (
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const (
	DefaultMaxCheckpoints   = 200
	DefaultMaxSnapshotBytes = 4 << 20
)

// CheckpointKind says what a checkpoint was taken before.
type CheckpointKind string

const (
	CheckpointUserMessage CheckpointKind = "user_message"
	CheckpointToolEdit    CheckpointKind = "tool_edit"
)

// FileSnapshot is one file's content at checkpoint time. Exists is false
// when the file did not exist, in which case rollback deletes it.
type FileSnapshot struct {
	Path    string `json:"path" cbor:"path"`
	Content []byte `json:"content,omitempty" cbor:"content,omitempty"`
	Exists  bool   `json:"exists" cbor:"exists"`
	Hash    string `json:"hash,omitempty" cbor:"hash,omitempty"`
}

// Checkpoint is an immutable set of file snapshots.
type Checkpoint struct {
	ID          string                  `json:"id" cbor:"id"`
	Kind        CheckpointKind          `json:"kind" cbor:"kind"`
	Timestamp   time.Time               `json:"timestamp" cbor:"ts"`
	Description string                  `json:"description" cbor:"description"`
	Snapshots   map[string]FileSnapshot `json:"snapshots" cbor:"snapshots"`
}

// Paths returns the snapshot paths in sorted order.
func (c Checkpoint) Paths() []string {
	paths := make([]string, 0, len(c.Snapshots))
	for p := range c.Snapshots {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (c Checkpoint) clone() Checkpoint {
	out := c
	out.Snapshots = make(map[string]FileSnapshot, len(c.Snapshots))
	for p, s := range c.Snapshots {
		s.Content = append([]byte(nil), s.Content...)
		out.Snapshots[p] = s
	}
	return out
}

// FileError is a per-file rollback failure.
type FileError struct {
	Path string
	Err  error
}

func (e FileError) Error() string { return e.Path + ": " + e.Err.Error() }

// RollbackReport lists what a rollback restored and what it could not.
type RollbackReport struct {
	CheckpointID string
	Restored     []string
	Errors       []FileError
}

// OK reports whether every file was restored.
func (r RollbackReport) OK() bool { return len(r.Errors) == 0 }

// FileSystem is the file access a CheckpointManager needs. ReadFile
// reports exists=false with a nil error for missing files, and RemoveFile
// treats a missing file as already removed.
type FileSystem interface {
	ReadFile(path string) (content []byte, exists bool, err error)
	WriteFile(path string, content []byte) error
	RemoveFile(path string) error
}

// CheckpointManager records file snapshots before mutations and restores
// them on request. The list is append-only and time ordered; when it grows
// past the configured bound the oldest checkpoints are dropped.
type CheckpointManager struct {
	fs               FileSystem
	maxCheckpoints   int
	maxSnapshotBytes int
	logger           *slog.Logger
	now              func() time.Time

	mu          sync.RWMutex
	checkpoints []Checkpoint
}

// CheckpointOption configures a CheckpointManager.
type CheckpointOption func(*CheckpointManager)

// WithCheckpointLimits sets the retained checkpoint count and the largest
// file that may be snapshotted.
func WithCheckpointLimits(maxCheckpoints, maxSnapshotBytes int) CheckpointOption {
	return func(m *CheckpointManager) {
		if maxCheckpoints > 0 {
			m.maxCheckpoints = maxCheckpoints
		}
		if maxSnapshotBytes > 0 {
			m.maxSnapshotBytes = maxSnapshotBytes
		}
	}
}

// WithCheckpointLogger sets the logger.
func WithCheckpointLogger(l *slog.Logger) CheckpointOption {
	return func(m *CheckpointManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewCheckpointManager creates a manager over fs.
func NewCheckpointManager(fs FileSystem, opts ...CheckpointOption) *CheckpointManager {
	m := &CheckpointManager{
		fs:               fs,
		maxCheckpoints:   DefaultMaxCheckpoints,
		maxSnapshotBytes: DefaultMaxSnapshotBytes,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot reads the current content of each path. Missing files are
// recorded as non-existent. A file over the snapshot limit fails the whole
// call with *SnapshotTooLargeError.
func (m *CheckpointManager) Snapshot(paths ...string) (map[string]FileSnapshot, error) {
	snaps := make(map[string]FileSnapshot, len(paths))
	for _, p := range paths {
		p = filepath.Clean(p)
		content, exists, err := m.fs.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if len(content) > m.maxSnapshotBytes {
			return nil, &SnapshotTooLargeError{Path: p, Size: len(content), Limit: m.maxSnapshotBytes}
		}
		snap := FileSnapshot{Path: p, Exists: exists}
		if exists {
			snap.Content = content
			snap.Hash = contentHash(content)
		}
		snaps[p] = snap
	}
	return snaps, nil
}

// Create stores a new checkpoint. The snapshot map is copied; later changes
// to it do not affect the checkpoint.
func (m *CheckpointManager) Create(kind CheckpointKind, description string, snapshots map[string]FileSnapshot) (Checkpoint, error) {
	cp := Checkpoint{
		ID:          uuid.New().String(),
		Kind:        kind,
		Timestamp:   m.now(),
		Description: description,
		Snapshots:   make(map[string]FileSnapshot, len(snapshots)),
	}
	for p, s := range snapshots {
		if s.Exists && len(s.Content) > m.maxSnapshotBytes {
			return Checkpoint{}, &SnapshotTooLargeError{Path: p, Size: len(s.Content), Limit: m.maxSnapshotBytes}
		}
		s.Content = append([]byte(nil), s.Content...)
		if s.Path == "" {
			s.Path = p
		}
		if s.Exists && s.Hash == "" {
			s.Hash = contentHash(s.Content)
		}
		cp.Snapshots[p] = s
	}

	m.mu.Lock()
	m.checkpoints = append(m.checkpoints, cp)
	if over := len(m.checkpoints) - m.maxCheckpoints; over > 0 {
		m.logger.Debug("evicting old checkpoints", "count", over)
		m.checkpoints = append([]Checkpoint(nil), m.checkpoints[over:]...)
	}
	m.mu.Unlock()

	m.logger.Debug("checkpoint created", "checkpoint", cp.ID, "kind", kind, "files", len(cp.Snapshots))
	return cp.clone(), nil
}

// Rollback restores every file in the checkpoint, in path order. A failure
// on one file is recorded and the rest are still restored; the returned
// error is only non-nil when the checkpoint does not exist.
func (m *CheckpointManager) Rollback(id string) (RollbackReport, error) {
	cp, ok := m.Get(id)
	if !ok {
		return RollbackReport{}, ErrCheckpointNotFound
	}
	report := RollbackReport{CheckpointID: id}
	for _, p := range cp.Paths() {
		snap := cp.Snapshots[p]
		var err error
		if snap.Exists {
			err = m.fs.WriteFile(p, snap.Content)
		} else {
			err = m.fs.RemoveFile(p)
		}
		if err != nil {
			m.logger.Warn("rollback failed for file", "checkpoint", id, "path", p, "error", err)
			report.Errors = append(report.Errors, FileError{Path: p, Err: err})
			continue
		}
		report.Restored = append(report.Restored, p)
	}
	return report, nil
}

// Get returns a checkpoint by ID.
func (m *CheckpointManager) Get(id string) (Checkpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.checkpoints {
		if cp.ID == id {
			return cp.clone(), true
		}
	}
	return Checkpoint{}, false
}

// List returns all retained checkpoints, oldest first.
func (m *CheckpointManager) List() []Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, len(m.checkpoints))
	for i, cp := range m.checkpoints {
		out[i] = cp.clone()
	}
	return out
}

// Restore replaces the checkpoint list with persisted checkpoints.
func (m *CheckpointManager) Restore(cps []Checkpoint) {
	sorted := make([]Checkpoint, len(cps))
	for i, cp := range cps {
		sorted[i] = cp.clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	if over := len(sorted) - m.maxCheckpoints; over > 0 {
		sorted = sorted[over:]
	}
	m.mu.Lock()
	m.checkpoints = sorted
	m.mu.Unlock()
}

func contentHash(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
