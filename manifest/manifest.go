// Package manifest tracks the authoritative set of live SSTables and the
// monotonic file-number counter used to name new ones. It is persisted as
// a small JSON file with a temp-write-then-atomic-rename update sequence,
// so a crash mid-write never corrupts the previous, still-valid manifest.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/nexuslsm/lsmstore/sys"
)

const (
	manifestFileName    = "MANIFEST"
	manifestTempSuffix  = ".tmp"
	manifestMagic       = "LSMMANIFEST"
	manifestFormatVersion = 1
)

// SSTableEntry is the manifest's record of one live SSTable, enough to open
// a reader without re-deriving it from the file itself.
type SSTableEntry struct {
	FileNumber uint32 `json:"file_number"`
	FilePath   string `json:"file_path"`
}

// State is a full snapshot of the manifest. Callers must treat a value
// returned from GetState as immutable; Manifest never mutates a state it
// has handed out.
type State struct {
	Magic              string         `json:"magic"`
	FormatVersion      int            `json:"format_version"`
	Version            uint64         `json:"version"`
	SSTables           []SSTableEntry `json:"sstables"` // newest-first by FileNumber
	NextFileNumber     uint32         `json:"next_file_number"`
	LastFlushedSeq     uint64         `json:"last_flushed_sequence"`
}

// Edit describes one atomic change to the manifest.
type Edit struct {
	Added                []SSTableEntry
	RemovedFileNumbers   []uint32
	NextFileNumber       uint32 // 0 means "leave unchanged"
	LastFlushedSequence  uint64 // 0 means "leave unchanged"
}

// Manifest guards State behind a mutex and persists every edit atomically.
type Manifest struct {
	path string
	fs   sys.FS

	mu    sync.RWMutex
	state State
}

func emptyState() State {
	return State{Magic: manifestMagic, FormatVersion: manifestFormatVersion, NextFileNumber: 1}
}

// Load opens the manifest at dir/MANIFEST. A missing file is not an error:
// it starts an empty manifest with next_file_number = 1, version = 0.
func Load(dir string, fs sys.FS) (*Manifest, error) {
	if fs == nil {
		fs = sys.Default
	}
	path := dir + "/" + manifestFileName
	m := &Manifest{path: path, fs: fs, state: emptyState()}

	f, err := fs.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("manifest: opening %s: %w", path, err)
	}
	defer f.Close()

	var st State
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return nil, fmt.Errorf("manifest: decoding %s: %w", path, err)
	}
	if st.Magic != manifestMagic {
		return nil, fmt.Errorf("manifest: bad magic %q in %s", st.Magic, path)
	}
	if st.FormatVersion != manifestFormatVersion {
		return nil, fmt.Errorf("manifest: unsupported format version %d in %s", st.FormatVersion, path)
	}
	m.state = st
	return m, nil
}

// GetState returns a snapshot of the current manifest state. The returned
// value is safe to read without further synchronization.
func (m *Manifest) GetState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

func (s State) clone() State {
	sstables := make([]SSTableEntry, len(s.SSTables))
	copy(sstables, s.SSTables)
	s.SSTables = sstables
	return s
}

// ApplyEdit computes the new state (remove then add, keep the list sorted
// newest-first by file_number, advance version), persists it atomically,
// and only then swaps it into memory.
func (m *Manifest) ApplyEdit(edit Edit) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()

	if len(edit.RemovedFileNumbers) > 0 {
		removed := make(map[uint32]bool, len(edit.RemovedFileNumbers))
		for _, fn := range edit.RemovedFileNumbers {
			removed[fn] = true
		}
		filtered := next.SSTables[:0]
		for _, e := range next.SSTables {
			if !removed[e.FileNumber] {
				filtered = append(filtered, e)
			}
		}
		next.SSTables = filtered
	}

	next.SSTables = append(next.SSTables, edit.Added...)
	sort.Slice(next.SSTables, func(i, j int) bool {
		return next.SSTables[i].FileNumber > next.SSTables[j].FileNumber
	})

	if edit.NextFileNumber > 0 {
		next.NextFileNumber = edit.NextFileNumber
	}
	if edit.LastFlushedSequence > 0 {
		next.LastFlushedSeq = edit.LastFlushedSequence
	}
	next.Version = m.state.Version + 1

	if err := m.persist(next); err != nil {
		return State{}, err
	}
	m.state = next
	return next.clone(), nil
}

func (m *Manifest) persist(st State) error {
	tempPath := m.path + manifestTempSuffix

	f, err := m.fs.Create(tempPath)
	if err != nil {
		return fmt.Errorf("manifest: creating temp file %s: %w", tempPath, err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		f.Close()
		m.fs.Remove(tempPath)
		return fmt.Errorf("manifest: encoding: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		m.fs.Remove(tempPath)
		return fmt.Errorf("manifest: fsyncing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		m.fs.Remove(tempPath)
		return fmt.Errorf("manifest: closing temp file: %w", err)
	}
	if err := m.fs.Rename(tempPath, m.path); err != nil {
		return fmt.Errorf("manifest: renaming into place: %w", err)
	}
	return nil
}

// AllocateFileNumber returns the next file number and advances the counter,
// persisting the change immediately so the counter itself never regresses
// even if the caller crashes before finishing the file it names.
func (m *Manifest) AllocateFileNumber() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn := m.state.NextFileNumber
	next := m.state.clone()
	next.NextFileNumber = fn + 1
	next.Version = m.state.Version + 1
	if err := m.persist(next); err != nil {
		return 0, err
	}
	m.state = next
	return fn, nil
}
