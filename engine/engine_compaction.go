package engine

import (
	"github.com/nexuslsm/lsmstore/manifest"
	"github.com/nexuslsm/lsmstore/sstable"
)

// applyCompactionResults is the compactor's OnCompactionComplete callback.
// It reconciles the engine's live reader set against the manifest state a
// completed run just committed: readers for files the run removed are
// closed and dropped, a reader already open for a surviving file is kept
// as-is, and a reader is opened for any newly-added file. e.readers ends up
// newest-first, matching state.SSTables' order, exactly like Initialize.
func (e *Engine) applyCompactionResults(state manifest.State) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byFileNumber := make(map[uint32]*sstable.Reader, len(e.readers))
	for _, r := range e.readers {
		byFileNumber[r.Metadata().FileNumber] = r
	}

	live := make(map[uint32]bool, len(state.SSTables))
	next := make([]*sstable.Reader, 0, len(state.SSTables))
	for _, entry := range state.SSTables {
		live[entry.FileNumber] = true
		if r, ok := byFileNumber[entry.FileNumber]; ok {
			next = append(next, r)
			continue
		}
		r, err := sstable.OpenReader(entry.FilePath, e.fs, e.opts.Logger, e.tracer)
		if err != nil {
			e.logger.Error("compaction: failed to open reader for new sstable", "file_number", entry.FileNumber, "error", err)
			continue
		}
		next = append(next, r)
	}

	for fn, r := range byFileNumber {
		if !live[fn] {
			r.Close()
		}
	}

	e.readers = next
}
