package agentloop

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ErrThreadNotFound is returned by ThreadStore.Load for unknown threads.
var ErrThreadNotFound = errors.New("agentloop: thread not found in store")

const threadRecordExt = ".cbor.zst"

// PersistedState is what survives a restart for one thread.
type PersistedState struct {
	Thread      ThreadSnapshot   `cbor:"thread"`
	Checkpoints []Checkpoint     `cbor:"checkpoints"`
	Handoff     *HandoffDocument `cbor:"handoff,omitempty"`
	SavedAt     time.Time        `cbor:"saved_at"`
}

// ThreadStore keeps thread records in a workspace-scoped directory:
//
//	threads/<id>.cbor.zst   zstd-compressed CBOR record
//	objects/<hash>          zstd-compressed snapshot content, by blake3 hash
//
// Snapshot content is stored once per distinct file version, so repeated
// checkpoints of an unchanged file cost nothing.
type ThreadStore struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	encMode cbor.EncMode
	decMode cbor.DecMode
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// WorkspaceStoreDir returns the store directory for a workspace under base.
// Each workspace root maps to its own directory.
func WorkspaceStoreDir(base, workspaceRoot string) string {
	sum := blake3.Sum256([]byte(filepath.Clean(workspaceRoot)))
	return filepath.Join(base, hex.EncodeToString(sum[:8]))
}

// OpenThreadStore creates the directory layout if needed.
func OpenThreadStore(dir string, logger *slog.Logger) (*ThreadStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	for _, sub := range []string{"threads", "objects"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err := encOptions.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &ThreadStore{
		dir:     dir,
		logger:  logger,
		encMode: encMode,
		decMode: decMode,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// Dir returns the store directory.
func (s *ThreadStore) Dir() string { return s.dir }

// Close releases the compression resources.
func (s *ThreadStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encoder.Close()
	s.decoder.Close()
}

func validStoreID(id string) bool {
	return id != "" && id != "." && id != ".." && filepath.Base(id) == id && !strings.ContainsAny(id, `/\`)
}

func (s *ThreadStore) recordPath(id string) string {
	return filepath.Join(s.dir, "threads", id+threadRecordExt)
}

func (s *ThreadStore) objectPath(hash string) string {
	return filepath.Join(s.dir, "objects", hash)
}

// Save writes the state. Snapshot content goes to the object pool and the
// record only references it by hash.
func (s *ThreadStore) Save(state PersistedState) error {
	id := state.Thread.ID
	if !validStoreID(id) {
		return fmt.Errorf("invalid thread id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	record := state
	record.SavedAt = time.Now()
	record.Checkpoints = make([]Checkpoint, len(state.Checkpoints))
	for i, cp := range state.Checkpoints {
		cp = cp.clone()
		for p, snap := range cp.Snapshots {
			if !snap.Exists {
				continue
			}
			if snap.Hash == "" {
				snap.Hash = contentHash(snap.Content)
			}
			if err := s.writeObject(snap.Hash, snap.Content); err != nil {
				return fmt.Errorf("store snapshot of %s: %w", p, err)
			}
			snap.Content = nil
			cp.Snapshots[p] = snap
		}
		record.Checkpoints[i] = cp
	}

	data, err := s.encMode.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", id, err)
	}
	if err := writeFileAtomic(s.recordPath(id), s.encoder.EncodeAll(data, nil)); err != nil {
		return fmt.Errorf("write thread %s: %w", id, err)
	}
	s.logger.Debug("thread saved", "thread", id, "messages", len(state.Thread.Messages), "checkpoints", len(state.Checkpoints))
	return nil
}

func (s *ThreadStore) writeObject(hash string, content []byte) error {
	path := s.objectPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeFileAtomic(path, s.encoder.EncodeAll(content, nil))
}

// Load reads a thread's state back, verifying every snapshot against its
// hash.
func (s *ThreadStore) Load(id string) (PersistedState, error) {
	if !validStoreID(id) {
		return PersistedState{}, fmt.Errorf("invalid thread id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	compressed, err := os.ReadFile(s.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return PersistedState{}, ErrThreadNotFound
	}
	if err != nil {
		return PersistedState{}, fmt.Errorf("read thread %s: %w", id, err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return PersistedState{}, fmt.Errorf("decompress thread %s: %w", id, err)
	}
	var state PersistedState
	if err := s.decMode.Unmarshal(data, &state); err != nil {
		return PersistedState{}, fmt.Errorf("decode thread %s: %w", id, err)
	}

	for i := range state.Checkpoints {
		for p, snap := range state.Checkpoints[i].Snapshots {
			if !snap.Exists {
				continue
			}
			content, err := s.readObject(snap.Hash)
			if err != nil {
				return PersistedState{}, fmt.Errorf("checkpoint %s, %s: %w", state.Checkpoints[i].ID, p, err)
			}
			snap.Content = content
			state.Checkpoints[i].Snapshots[p] = snap
		}
	}
	return state, nil
}

func (s *ThreadStore) readObject(hash string) ([]byte, error) {
	compressed, err := os.ReadFile(s.objectPath(hash))
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	content, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress object: %w", err)
	}
	if got := contentHash(content); got != hash {
		return nil, fmt.Errorf("object %s is corrupt (hash %s)", hash, got)
	}
	return content, nil
}

// List returns the stored thread IDs, most recently saved first.
func (s *ThreadStore) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "threads"))
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	type item struct {
		id  string
		mod time.Time
	}
	var items []item
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, threadRecordExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, item{id: strings.TrimSuffix(name, threadRecordExt), mod: info.ModTime()})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].mod.Equal(items[j].mod) {
			return items[i].id < items[j].id
		}
		return items[i].mod.After(items[j].mod)
	})
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids, nil
}

// Delete removes a thread record. Pooled objects are left for other
// threads that may share them.
func (s *ThreadStore) Delete(id string) error {
	if !validStoreID(id) {
		return fmt.Errorf("invalid thread id %q", id)
	}
	err := os.Remove(s.recordPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrThreadNotFound
	}
	return err
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
