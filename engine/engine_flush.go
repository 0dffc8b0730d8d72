package engine

import (
	"context"
	"path/filepath"

	"github.com/nexuslsm/lsmstore/core"
	"github.com/nexuslsm/lsmstore/manifest"
	"github.com/nexuslsm/lsmstore/memtable"
	"github.com/nexuslsm/lsmstore/ordermap"
	"github.com/nexuslsm/lsmstore/sstable"
)

// maybeFlush swaps the active MemTable for a fresh one and schedules a
// background flush once the active table reaches its size limit. At most
// one immutable MemTable exists at a time; if a flush is already running,
// the trigger is dropped with a warning, the caller's write still lands in
// the (still growing) active MemTable and a later maybeFlush call will retry.
func (e *Engine) maybeFlush(ctx context.Context) {
	if !e.active.Full() {
		return
	}

	e.mu.Lock()
	if e.immutable != nil || e.flushInProgress {
		e.mu.Unlock()
		e.logger.Warn("flush already in progress, dropping flush trigger")
		return
	}
	e.immutable = e.active
	e.active = memtable.New(e.opts.MemtableSizeLimit)
	e.flushInProgress = true
	e.mu.Unlock()

	e.flushWG.Add(1)
	go e.backgroundFlush(context.WithoutCancel(ctx))
}

// backgroundFlush streams the immutable MemTable to a new SSTable, applies
// the manifest edit that makes it live, opens a reader for it and prepends
// it to the live list, checkpoints the WAL, then drops the immutable
// MemTable. The write path is never blocked: writers keep hitting the new
// active MemTable throughout.
func (e *Engine) backgroundFlush(ctx context.Context) {
	defer e.flushWG.Done()
	_, span := e.tracer.Start(ctx, "engine.backgroundFlush")
	defer span.End()

	e.mu.RLock()
	imm := e.immutable
	e.mu.RUnlock()

	pairs := imm.GetAllSorted()
	if len(pairs) == 0 {
		e.finishFlush(nil, nil)
		return
	}

	fileNumber, err := e.manifest.AllocateFileNumber()
	if err != nil {
		e.logger.Error("flush: failed to allocate file number", "error", err)
		e.finishFlush(nil, pairs)
		return
	}

	writer, err := sstable.NewWriter(sstable.WriterOptions{
		Dir:                 flushDir(e.opts.DataDir),
		FileNumber:          fileNumber,
		SparseIndexInterval: e.opts.SparseIndexInterval,
		EstimatedKeys:       uint64(len(pairs)),
		BloomFPR:            e.opts.BloomFPR,
		Now:                 e.opts.Now,
		FS:                  e.fs,
		Logger:              e.opts.Logger,
		Tracer:              e.tracer,
	})
	if err != nil {
		e.logger.Error("flush: failed to open sstable writer", "error", err)
		e.finishFlush(nil, pairs)
		return
	}

	for _, p := range pairs {
		if err := writer.Add(p.Key, p.Value.Value, p.Value.TimestampMs, p.Value.Tombstone); err != nil {
			e.logger.Error("flush: failed to write entry", "error", err)
			e.finishFlush(nil, pairs)
			return
		}
	}

	meta, err := writer.Build()
	if err != nil {
		e.logger.Error("flush: failed to build sstable", "error", err)
		e.finishFlush(nil, pairs)
		return
	}

	if _, err := e.manifest.ApplyEdit(manifest.Edit{
		Added: []manifest.SSTableEntry{{FileNumber: meta.FileNumber, FilePath: meta.FilePath}},
	}); err != nil {
		e.logger.Error("flush: failed to apply manifest edit", "error", err)
		e.finishFlush(nil, pairs)
		return
	}

	reader, err := sstable.OpenReader(meta.FilePath, e.fs, e.opts.Logger, e.tracer)
	if err != nil {
		e.logger.Error("flush: failed to open reader for freshly-built sstable", "error", err)
		e.finishFlush(nil, pairs)
		return
	}

	if err := e.wal.Checkpoint(); err != nil {
		e.logger.Error("flush: wal checkpoint failed", "error", err)
	}

	e.finishFlush(reader, nil)
	e.metrics.FlushCount.Add(1)
	e.logger.Info("memtable flushed", "file_number", meta.FileNumber, "entries", meta.EntryCount)
}

// finishFlush prepends reader (if non-nil) to the live reader list and
// drops the immutable MemTable, unblocking the next flush cycle. When the
// flush failed partway through, failedPairs carries the immutable table's
// contents so they are merged back into the active MemTable instead of
// disappearing from reads until the next restart; the WAL segment covering
// them is left unchecked so a crash before a later successful flush still
// recovers them on replay.
func (e *Engine) finishFlush(reader *sstable.Reader, failedPairs []ordermap.Pair[core.Entry]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if reader != nil {
		e.readers = append([]*sstable.Reader{reader}, e.readers...)
	}
	for _, p := range failedPairs {
		// The active MemTable only ever holds writes made after this flush
		// began, so any key already present there is strictly newer than
		// the frozen immutable snapshot and must not be overwritten by it.
		if _, ok := e.active.Get(p.Key); ok {
			continue
		}
		if p.Value.Tombstone {
			e.active.Delete(p.Key, p.Value.TimestampMs)
		} else {
			e.active.Put(p.Key, p.Value.Value, p.Value.TimestampMs)
		}
	}
	e.immutable = nil
	e.flushInProgress = false
}

func flushDir(dataDir string) string {
	return filepath.Join(dataDir, "sstables")
}
