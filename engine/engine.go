// Package engine orchestrates the write path (WAL then MemTable), the read
// path (active MemTable, then immutable MemTable, then live SSTables
// newest-first), range scans, background flush, and replicated-record
// application. It is the single entry point front-ends are expected to
// call.
package engine

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/nexuslsm/lsmstore/compaction"
	"github.com/nexuslsm/lsmstore/core"
	"github.com/nexuslsm/lsmstore/manifest"
	"github.com/nexuslsm/lsmstore/memtable"
	"github.com/nexuslsm/lsmstore/merge"
	"github.com/nexuslsm/lsmstore/sstable"
	"github.com/nexuslsm/lsmstore/sys"
	"github.com/nexuslsm/lsmstore/wal"
)

// State is the engine's lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Options configures an Engine.
type Options struct {
	DataDir             string
	MemtableSizeLimit   int64 // default 4 MiB
	SyncMode            wal.SyncMode
	SparseIndexInterval int     // default 10
	BloomFPR            float64 // default 0.01
	CompactionThreshold int
	CompactionCheckInterval time.Duration
	SelfMonitoringEnabled bool
	SelfMonitoringInterval time.Duration

	FS     sys.FS
	Now    func() uint64
	Logger *slog.Logger
	Tracer trace.Tracer

	// ReplicationListener, if set, is invoked after every durable WAL
	// append in sequence order — the hook a Primary uses to push records.
	ReplicationListener wal.Listener
}

func (o *Options) setDefaults() {
	if o.MemtableSizeLimit <= 0 {
		o.MemtableSizeLimit = 4 * 1024 * 1024
	}
	if o.SyncMode == "" {
		o.SyncMode = wal.SyncGroupCommit
	}
	if o.SparseIndexInterval <= 0 {
		o.SparseIndexInterval = 10
	}
	if o.BloomFPR <= 0 {
		o.BloomFPR = 0.01
	}
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = 4
	}
	if o.CompactionCheckInterval <= 0 {
		o.CompactionCheckInterval = 60 * time.Second
	}
	if o.SelfMonitoringInterval <= 0 {
		o.SelfMonitoringInterval = 15 * time.Second
	}
	if o.FS == nil {
		o.FS = sys.Default
	}
	if o.Now == nil {
		o.Now = func() uint64 { return uint64(time.Now().UnixMilli()) }
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("lsmstore/engine")
	}
}

// Metrics exposes the engine's expvar counters. Values are process-local;
// nothing here is transported off-box.
type Metrics struct {
	PutCount    *expvar.Int
	DeleteCount *expvar.Int
	GetCount    *expvar.Int
	GetMisses   *expvar.Int
	FlushCount  *expvar.Int
}

func newMetrics(ns string) *Metrics {
	// expvar names are process-global and NewInt panics on a duplicate, so a
	// second Engine in the same process reuses the counters already published.
	intVar := func(name string) *expvar.Int {
		if v, ok := expvar.Get(name).(*expvar.Int); ok {
			return v
		}
		return expvar.NewInt(name)
	}
	return &Metrics{
		PutCount:    intVar(ns + ".puts"),
		DeleteCount: intVar(ns + ".deletes"),
		GetCount:    intVar(ns + ".gets"),
		GetMisses:   intVar(ns + ".get_misses"),
		FlushCount:  intVar(ns + ".flushes"),
	}
}

// Engine is the LSM storage core: a WAL, a chain of at most two MemTables
// (active + at most one immutable, awaiting flush), a manifest-tracked set
// of SSTable readers, and a background compactor.
type Engine struct {
	opts     Options
	fs       sys.FS
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics

	state atomic.Int32

	wal      *wal.WAL
	manifest *manifest.Manifest
	compactor *compaction.Compactor

	mu               sync.RWMutex
	active           *memtable.MemTable
	immutable        *memtable.MemTable
	readers          []*sstable.Reader // newest-first, mirrors manifest order
	flushInProgress  bool
	flushWG          sync.WaitGroup

	stopMonitor chan struct{}
}

// New allocates an Engine but does not open any resources; call Initialize.
func New(opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		opts:    opts,
		fs:      opts.FS,
		logger:  opts.Logger.With("component", "engine"),
		tracer:  opts.Tracer,
		metrics: newMetrics("lsmstore"),
	}
}

// Initialize creates data directories, loads the manifest, opens a reader
// for every listed SSTable (removing any entry whose file fails to open so
// state converges), opens the WAL and replays it into the active MemTable,
// then starts the compactor.
func (e *Engine) Initialize(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateUninitialized), int32(StateReady)) {
		return core.NewError(core.KindStateError, "Initialize", "engine already initialized", nil)
	}

	sstDir := filepath.Join(e.opts.DataDir, "sstables")
	walDir := filepath.Join(e.opts.DataDir, "wal")
	if err := e.fs.MkdirAll(sstDir, 0o755); err != nil {
		return core.NewError(core.KindIoFault, "Initialize", "creating sstable directory", err)
	}
	if err := e.fs.MkdirAll(walDir, 0o755); err != nil {
		return core.NewError(core.KindIoFault, "Initialize", "creating wal directory", err)
	}

	m, err := manifest.Load(e.opts.DataDir, e.fs)
	if err != nil {
		return core.NewError(core.KindCorruptData, "Initialize", "loading manifest", err)
	}
	e.manifest = m

	state := m.GetState()
	var liveEntries []manifest.SSTableEntry
	var readers []*sstable.Reader
	for _, entry := range state.SSTables {
		r, err := sstable.OpenReader(entry.FilePath, e.fs, e.opts.Logger, e.tracer)
		if err != nil {
			e.logger.Warn("dropping unreadable sstable from manifest", "file_number", entry.FileNumber, "error", err)
			continue
		}
		readers = append(readers, r)
		liveEntries = append(liveEntries, entry)
	}
	if len(liveEntries) != len(state.SSTables) {
		removed := make([]uint32, 0)
		keep := make(map[uint32]bool, len(liveEntries))
		for _, e := range liveEntries {
			keep[e.FileNumber] = true
		}
		for _, e := range state.SSTables {
			if !keep[e.FileNumber] {
				removed = append(removed, e.FileNumber)
			}
		}
		if _, err := m.ApplyEdit(manifest.Edit{RemovedFileNumbers: removed}); err != nil {
			return core.NewError(core.KindIoFault, "Initialize", "pruning unreadable sstables from manifest", err)
		}
	}
	e.readers = readers

	e.active = memtable.New(e.opts.MemtableSizeLimit)

	w, records, err := wal.Open(wal.Options{
		Dir:      walDir,
		SyncMode: e.opts.SyncMode,
		Logger:   e.opts.Logger,
		Listener: e.opts.ReplicationListener,
		FS:       e.fs,
		Now:      e.opts.Now,
	})
	if err != nil {
		return core.NewError(core.KindIoFault, "Initialize", "opening wal", err)
	}
	e.wal = w

	for _, rec := range records {
		e.applyRecordToActive(rec)
	}

	e.compactor = compaction.New(compaction.Options{
		Dir:                 sstDir,
		Threshold:           e.opts.CompactionThreshold,
		CheckInterval:       e.opts.CompactionCheckInterval,
		SparseIndexInterval: e.opts.SparseIndexInterval,
		BloomFPR:            e.opts.BloomFPR,
		FS:                  e.fs,
		Now:                 e.opts.Now,
		Logger:              e.opts.Logger,
		OpenReader: func(entry manifest.SSTableEntry) (*sstable.Reader, error) {
			return sstable.OpenReader(entry.FilePath, e.fs, e.opts.Logger, e.tracer)
		},
		OnCompactionComplete: e.applyCompactionResults,
	}, e.manifest)
	e.compactor.Start()

	if e.opts.SelfMonitoringEnabled {
		e.stopMonitor = make(chan struct{})
		go e.selfMonitorLoop()
	}

	e.logger.Info("engine initialized", "data_dir", e.opts.DataDir, "live_sstables", len(e.readers), "replayed_records", len(records))
	return nil
}

func (e *Engine) applyRecordToActive(rec *core.LogRecord) {
	switch rec.Op {
	case core.OpPut:
		e.active.Put(rec.Key, rec.Value, rec.TimestampMs)
	case core.OpDelete:
		e.active.Delete(rec.Key, rec.TimestampMs)
	case core.OpBatchPut:
		for _, kv := range rec.Batch {
			e.active.Put(kv.Key, kv.Value, rec.TimestampMs)
		}
	}
}

func (e *Engine) requireReady(op string) error {
	if State(e.state.Load()) != StateReady {
		return core.NewError(core.KindStateError, op, "engine is not ready", nil)
	}
	return nil
}

// Put durably appends a Put record, applies it to the active MemTable, and
// triggers a background flush if the MemTable has reached its size limit.
func (e *Engine) Put(ctx context.Context, key, value []byte) error {
	if err := e.requireReady("Put"); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "engine.Put")
	defer span.End()

	rec, err := e.wal.Append(core.OpPut, key, value, e.opts.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.NewError(core.KindIoFault, "Put", "appending to wal", err)
	}

	e.mu.Lock()
	e.active.Put(key, value, rec.TimestampMs)
	e.mu.Unlock()
	e.metrics.PutCount.Add(1)

	e.maybeFlush(ctx)
	return nil
}

// Delete durably appends a Delete record and marks a tombstone in the
// active MemTable.
func (e *Engine) Delete(ctx context.Context, key []byte) error {
	if err := e.requireReady("Delete"); err != nil {
		return err
	}
	ctx, span := e.tracer.Start(ctx, "engine.Delete")
	defer span.End()

	rec, err := e.wal.Append(core.OpDelete, key, nil, e.opts.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.NewError(core.KindIoFault, "Delete", "appending to wal", err)
	}

	e.mu.Lock()
	e.active.Delete(key, rec.TimestampMs)
	e.mu.Unlock()
	e.metrics.DeleteCount.Add(1)

	e.maybeFlush(ctx)
	return nil
}

// BatchPut writes one WAL BatchPut record covering every entry, then
// applies them to the active MemTable in input order. Returns the number
// of entries written.
func (e *Engine) BatchPut(ctx context.Context, entries []core.KV) (int, error) {
	if err := e.requireReady("BatchPut"); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	ctx, span := e.tracer.Start(ctx, "engine.BatchPut")
	span.SetAttributes(attribute.Int("engine.batch_size", len(entries)))
	defer span.End()

	rec, err := e.wal.AppendBatch(entries, e.opts.Now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, core.NewError(core.KindIoFault, "BatchPut", "appending batch to wal", err)
	}

	e.mu.Lock()
	for _, kv := range entries {
		e.active.Put(kv.Key, kv.Value, rec.TimestampMs)
	}
	e.mu.Unlock()

	e.maybeFlush(ctx)
	return len(entries), nil
}

// Get returns the current value for key, checking the active MemTable, the
// immutable MemTable (if present), then live SSTables newest-first. The
// first entry found — value or tombstone — wins.
func (e *Engine) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := e.requireReady("Get"); err != nil {
		return nil, err
	}
	_, span := e.tracer.Start(ctx, "engine.Get")
	defer span.End()
	e.metrics.GetCount.Add(1)

	e.mu.RLock()
	if entry, ok := e.active.Get(key); ok {
		e.mu.RUnlock()
		if entry.Tombstone {
			e.metrics.GetMisses.Add(1)
			return nil, core.ErrNotFound
		}
		return entry.Value, nil
	}
	if e.immutable != nil {
		if entry, ok := e.immutable.Get(key); ok {
			e.mu.RUnlock()
			if entry.Tombstone {
				e.metrics.GetMisses.Add(1)
				return nil, core.ErrNotFound
			}
			return entry.Value, nil
		}
	}
	readers := e.readers
	e.mu.RUnlock()

	for _, r := range readers {
		entry, err := r.Get(ctx, key)
		if err == sstable.ErrNotFound || err == sstable.ErrOutOfRange {
			continue
		}
		if err != nil {
			return nil, core.NewError(core.KindIoFault, "Get", "reading sstable", err)
		}
		if entry.Tombstone {
			e.metrics.GetMisses.Add(1)
			return nil, core.ErrNotFound
		}
		return entry.Value, nil
	}

	e.metrics.GetMisses.Add(1)
	return nil, core.ErrNotFound
}

// KV is one entry of a range scan result.
type KV struct {
	Key   []byte
	Value []byte
}

// ReadKeyRange returns up to limit live (non-tombstone) keys in [start, end],
// ascending, merging the active MemTable, the immutable MemTable, and every
// live SSTable with newest-wins semantics. A limit <= 0 means unbounded.
func (e *Engine) ReadKeyRange(ctx context.Context, start, end []byte, limit int) ([]KV, error) {
	if err := e.requireReady("ReadKeyRange"); err != nil {
		return nil, err
	}
	_, span := e.tracer.Start(ctx, "engine.ReadKeyRange")
	defer span.End()

	e.mu.RLock()
	var sources []core.Source
	sources = append(sources, e.active.NewSource(start, end))
	if e.immutable != nil {
		sources = append(sources, e.immutable.NewSource(start, end))
	}
	readers := e.readers
	e.mu.RUnlock()

	var rangeIters []*sstable.RangeIterator
	for _, r := range readers {
		it, err := r.Iterate(start, end)
		if err != nil {
			for _, ri := range rangeIters {
				ri.Close()
			}
			return nil, core.NewError(core.KindIoFault, "ReadKeyRange", "opening sstable range iterator", err)
		}
		rangeIters = append(rangeIters, it)
		sources = append(sources, it)
	}
	defer func() {
		for _, ri := range rangeIters {
			ri.Close()
		}
	}()

	it := merge.New(sources, true)
	var out []KV
	for it.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, KV{Key: append([]byte(nil), it.Key()...), Value: append([]byte(nil), it.Value()...)})
	}
	return out, nil
}

// ApplyReplicatedRecord is used on a backup: it appends the record locally
// to the WAL (assigning a fresh local sequence number), applies it to the
// active MemTable, and triggers a flush check, exactly like a local write.
func (e *Engine) ApplyReplicatedRecord(ctx context.Context, rec *core.LogRecord) error {
	if err := e.requireReady("ApplyReplicatedRecord"); err != nil {
		return err
	}
	switch rec.Op {
	case core.OpPut:
		if _, err := e.wal.Append(core.OpPut, rec.Key, rec.Value, rec.TimestampMs); err != nil {
			return core.NewError(core.KindIoFault, "ApplyReplicatedRecord", "appending to wal", err)
		}
	case core.OpDelete:
		if _, err := e.wal.Append(core.OpDelete, rec.Key, nil, rec.TimestampMs); err != nil {
			return core.NewError(core.KindIoFault, "ApplyReplicatedRecord", "appending to wal", err)
		}
	case core.OpBatchPut:
		if _, err := e.wal.AppendBatch(rec.Batch, rec.TimestampMs); err != nil {
			return core.NewError(core.KindIoFault, "ApplyReplicatedRecord", "appending batch to wal", err)
		}
	default:
		return core.NewError(core.KindProtocolError, "ApplyReplicatedRecord", fmt.Sprintf("unknown op %v", rec.Op), nil)
	}

	e.mu.Lock()
	e.applyRecordToActive(rec)
	e.mu.Unlock()

	e.maybeFlush(ctx)
	return nil
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Close stops the compactor, awaits any in-flight flush, closes every
// SSTable reader, and closes the WAL.
func (e *Engine) Close(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateReady), int32(StateClosing)) {
		return core.NewError(core.KindStateError, "Close", "engine is not ready", nil)
	}

	if e.stopMonitor != nil {
		close(e.stopMonitor)
	}
	if e.compactor != nil {
		e.compactor.Stop()
	}
	e.flushWG.Wait()

	e.mu.Lock()
	readers := e.readers
	e.readers = nil
	e.mu.Unlock()
	for _, r := range readers {
		r.Close()
	}

	var err error
	if e.wal != nil {
		err = e.wal.Close()
	}
	e.state.Store(int32(StateClosed))
	e.logger.Info("engine closed")
	return err
}
