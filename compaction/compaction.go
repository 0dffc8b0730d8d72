// Package compaction implements the size-tiered background worker that
// merges the live SSTable set once it grows past a threshold, dropping
// tombstones and superseded versions along the way.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"golang.org/x/sync/singleflight"

	"github.com/nexuslsm/lsmstore/core"
	"github.com/nexuslsm/lsmstore/manifest"
	"github.com/nexuslsm/lsmstore/merge"
	"github.com/nexuslsm/lsmstore/sstable"
	"github.com/nexuslsm/lsmstore/sys"
)

// Options configures the compactor.
type Options struct {
	Dir                 string
	Threshold           int // live SSTable count that makes a run eligible; default 4
	CheckInterval        time.Duration // default 60s
	SparseIndexInterval int
	BloomFPR            float64
	FS                  sys.FS
	Now                 func() uint64
	Logger              *slog.Logger

	// OpenReader lets the engine supply readers already open for the live
	// set, so compaction does not need its own reader cache.
	OpenReader func(meta manifest.SSTableEntry) (*sstable.Reader, error)

	// OnCompactionComplete, if set, is called after a run's manifest edit
	// has been applied (before the superseded files are unlinked) so the
	// engine can rebuild its own live reader set from the new state before
	// those files disappear from disk.
	OnCompactionComplete func(manifest.State)
}

// Stats reports the compactor's lifetime and current-run counters.
type Stats struct {
	RunsCompleted int64
	EntriesKept   int64
	LastRunUnixMs int64
	InProgress    bool
}

// Compactor periodically checks the manifest and, when the live SSTable
// count reaches Threshold, merges every live table into one new table via
// the k-way merge iterator, filtering tombstones, then commits the result
// with a single manifest edit before deleting the inputs.
type Compactor struct {
	opts     Options
	manifest *manifest.Manifest
	logger   *slog.Logger

	group      singleflight.Group
	inFlight   *roaring.Bitmap
	inFlightMu sync.Mutex

	stats atomicStats

	stopCh chan struct{}
	doneCh chan struct{}
}

type atomicStats struct {
	runsCompleted atomic.Int64
	entriesKept   atomic.Int64
	lastRunUnixMs atomic.Int64
	inProgress    atomic.Bool
}

// New creates a compactor bound to m. Call Start to begin the periodic
// check loop.
func New(opts Options, m *manifest.Manifest) *Compactor {
	if opts.Threshold <= 0 {
		opts.Threshold = 4
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 60 * time.Second
	}
	if opts.FS == nil {
		opts.FS = sys.Default
	}
	if opts.Now == nil {
		opts.Now = func() uint64 { return 0 }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Compactor{
		opts:     opts,
		manifest: m,
		logger:   opts.Logger.With("component", "compaction"),
		inFlight: roaring.New(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the periodic check loop in a background goroutine.
func (c *Compactor) Start() {
	go c.loop()
}

// Stop signals the loop to exit and waits for it to finish. It does not
// interrupt a compaction run already in progress.
func (c *Compactor) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Compactor) loop() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.maybeRun(context.Background())
		}
	}
}

// maybeRun triggers a compaction if eligible. Only one compaction runs at
// a time; a trigger that arrives while one is in flight is coalesced onto
// it via singleflight and does not start a second run.
func (c *Compactor) maybeRun(ctx context.Context) {
	state := c.manifest.GetState()
	if len(state.SSTables) < c.opts.Threshold {
		return
	}
	_, _, _ = c.group.Do("compact", func() (any, error) {
		return nil, c.runOnce(ctx, state)
	})
}

// RunNow forces an eligibility-independent compaction attempt, used by
// tests and manual triggers. It still honors the single-in-flight
// guarantee.
func (c *Compactor) RunNow(ctx context.Context) error {
	state := c.manifest.GetState()
	_, err, _ := c.group.Do("compact", func() (any, error) {
		return nil, c.runOnce(ctx, state)
	})
	return err
}

// Stats returns a snapshot of the compactor's counters.
func (c *Compactor) Stats() Stats {
	return Stats{
		RunsCompleted: c.stats.runsCompleted.Load(),
		EntriesKept:   c.stats.entriesKept.Load(),
		LastRunUnixMs: c.stats.lastRunUnixMs.Load(),
		InProgress:    c.stats.inProgress.Load(),
	}
}

func (c *Compactor) runOnce(ctx context.Context, state manifest.State) error {
	c.stats.inProgress.Store(true)
	defer c.stats.inProgress.Store(false)

	if len(state.SSTables) == 0 {
		return nil
	}

	c.inFlightMu.Lock()
	for _, e := range state.SSTables {
		c.inFlight.Add(e.FileNumber)
	}
	c.inFlightMu.Unlock()
	defer func() {
		c.inFlightMu.Lock()
		for _, e := range state.SSTables {
			c.inFlight.Remove(e.FileNumber)
		}
		c.inFlightMu.Unlock()
	}()

	readers := make([]*sstable.Reader, 0, len(state.SSTables))
	sources := make([]core.Source, 0, len(state.SSTables))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	// state.SSTables is newest-first; that ordering is exactly the merge
	// iterator's priority order (index 0 = newest).
	for _, e := range state.SSTables {
		r, err := c.opts.OpenReader(e)
		if err != nil {
			return fmt.Errorf("compaction: opening sstable %d: %w", e.FileNumber, err)
		}
		readers = append(readers, r)
		it, err := r.Iterate(nil, nil)
		if err != nil {
			return fmt.Errorf("compaction: iterating sstable %d: %w", e.FileNumber, err)
		}
		sources = append(sources, it)
	}

	fileNumber, err := c.manifest.AllocateFileNumber()
	if err != nil {
		return fmt.Errorf("compaction: allocating file number: %w", err)
	}

	writer, err := sstable.NewWriter(sstable.WriterOptions{
		Dir:                 c.opts.Dir,
		FileNumber:          fileNumber,
		SparseIndexInterval: c.opts.SparseIndexInterval,
		BloomFPR:            c.opts.BloomFPR,
		Now:                 c.opts.Now,
		FS:                  c.opts.FS,
		Logger:              c.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("compaction: opening writer: %w", err)
	}

	it := merge.New(sources, true) // drop tombstones: compaction is the one place they're finally discarded
	var kept int64
	for it.Next() {
		if err := writer.Add(it.Key(), it.Value(), c.opts.Now(), false); err != nil {
			return fmt.Errorf("compaction: writing merged entry: %w", err)
		}
		kept++
	}

	removed := make([]uint32, len(state.SSTables))
	for i, e := range state.SSTables {
		removed[i] = e.FileNumber
	}

	edit := manifest.Edit{RemovedFileNumbers: removed}
	var outputFileNumber uint32
	if kept == 0 {
		// Every input key was a tombstone: there is nothing left to keep, so
		// no replacement SSTable is built at all, just the removal edit.
		if err := writer.Abandon(); err != nil {
			return fmt.Errorf("compaction: abandoning empty writer: %w", err)
		}
	} else {
		meta, err := writer.Build()
		if err != nil {
			return fmt.Errorf("compaction: building merged sstable: %w", err)
		}
		edit.Added = []manifest.SSTableEntry{{FileNumber: meta.FileNumber, FilePath: meta.FilePath}}
		outputFileNumber = meta.FileNumber
	}

	newState, err := c.manifest.ApplyEdit(edit)
	if err != nil {
		return fmt.Errorf("compaction: applying manifest edit: %w", err)
	}

	if c.opts.OnCompactionComplete != nil {
		c.opts.OnCompactionComplete(newState)
	}

	// The manifest edit is the commit point. Deleting the superseded files
	// is best-effort cleanup; a failure here leaves orphaned files but does
	// not affect correctness since the manifest no longer references them.
	for _, e := range state.SSTables {
		if err := c.opts.FS.Remove(e.FilePath); err != nil {
			c.logger.Warn("compaction: failed to remove superseded sstable", "path", e.FilePath, "error", err)
		}
	}

	c.stats.runsCompleted.Add(1)
	c.stats.entriesKept.Add(kept)
	c.stats.lastRunUnixMs.Store(int64(c.opts.Now()))
	c.logger.Info("compaction run completed", "kept", kept, "inputs", len(state.SSTables), "output", outputFileNumber)
	return nil
}
