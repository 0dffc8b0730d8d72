package wal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/nexuslsm/lsmstore/core"
	"github.com/nexuslsm/lsmstore/sys"
)

// DefaultMaxSegmentSize bounds how large a single segment file grows before
// a new one is rotated in.
const DefaultMaxSegmentSize int64 = 64 * 1024 * 1024

var errCommitterClosed = errors.New("wal: committer is closed")

// Listener is invoked, in sequence order, after each record's fsync
// completes. Replication uses this to push newly-durable records.
type Listener func(rec *core.LogRecord)

// Options configures a WAL instance.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	Logger         *slog.Logger
	Listener       Listener
	FS             sys.FS
	Now            func() uint64 // milliseconds since epoch
}

// WAL is a directory of append-only segments with a group-commit pipeline.
// A single logical writer goroutine (runCommitter) owns all mutation of
// on-disk state so that sequence-id order always matches disk order.
type WAL struct {
	dir  string
	opts Options
	fs   sys.FS
	now  func() uint64

	mu             sync.Mutex
	activeSegment  *segmentWriter
	segmentStamps  []uint64
	nextSeqNum     uint64

	listener Listener
	logger   *slog.Logger

	appendCh chan *pendingAppend
	ctrlCh   chan ctrlRequest
	closeCh  chan struct{}
	doneCh   chan struct{}
	closeOnce sync.Once
}

type ctrlRequest struct {
	run    func() error
	result chan error
}

// Open loads (or creates) the WAL directory, replays every segment with
// torn-tail truncation, and returns the recovered records alongside the
// live WAL ready to accept new appends starting after the highest recovered
// sequence id.
func Open(opts Options) (*WAL, []*core.LogRecord, error) {
	if opts.FS == nil {
		opts.FS = sys.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncGroupCommit
	}
	if opts.Now == nil {
		opts.Now = func() uint64 { return 0 }
	}

	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("wal: creating directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:      opts.Dir,
		opts:     opts,
		fs:       opts.FS,
		now:      opts.Now,
		listener: opts.Listener,
		logger:   opts.Logger.With("component", "wal"),
		appendCh: make(chan *pendingAppend, 256),
		ctrlCh:   make(chan ctrlRequest),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	stamps, err := listSegments(opts.Dir, opts.FS)
	if err != nil {
		return nil, nil, err
	}
	w.segmentStamps = stamps

	records, replayErr := w.replay()
	if replayErr != nil {
		w.logger.Warn("wal replay stopped early on torn tail or corrupt record", "error", replayErr)
	}
	for _, r := range records {
		if r.SeqNum >= w.nextSeqNum {
			w.nextSeqNum = r.SeqNum + 1
		}
	}
	if w.nextSeqNum == 0 {
		w.nextSeqNum = 1
	}

	if err := w.openForAppend(); err != nil {
		return nil, nil, fmt.Errorf("wal: opening for append: %w", err)
	}

	go w.runCommitter()

	return w, records, nil
}

// replay scans every known segment in filename (timestamp) order and
// flattens their frames into LogRecords. Per §4.7, corruption or a short
// read in one segment stops replay entirely at that point — it does not
// skip ahead to later segments.
func (w *WAL) replay() ([]*core.LogRecord, error) {
	var records []*core.LogRecord
	for _, stamp := range w.segmentStamps {
		path := filepath.Join(w.dir, formatSegmentFileName(stamp))
		err := readSegmentFrames(path, w.fs, func(f decodedFrame) error {
			rec, decErr := decodePayload(f.SeqNum, f.TimestampMs, f.Op, f.Payload)
			if decErr != nil {
				return decErr
			}
			records = append(records, rec)
			return nil
		})
		if err != nil {
			return records, err
		}
	}
	return records, nil
}

func (w *WAL) openForAppend() error {
	ts := w.now()
	for len(w.segmentStamps) > 0 && w.segmentStamps[len(w.segmentStamps)-1] >= ts {
		ts++
	}
	seg, err := createSegment(w.dir, ts, w.fs)
	if err != nil {
		return err
	}
	w.activeSegment = seg
	w.segmentStamps = append(w.segmentStamps, ts)
	return nil
}

// rotateIfNeededLocked rotates the active segment if appending nextRecordSize
// bytes would exceed MaxSegmentSize and the segment already holds data.
// Must be called with w.mu held.
func (w *WAL) rotateIfNeededLocked(nextRecordSize int64) error {
	if w.activeSegment.size > 0 && w.activeSegment.size+nextRecordSize > w.opts.MaxSegmentSize {
		return w.rotateLocked()
	}
	return nil
}

func (w *WAL) rotateLocked() error {
	if w.activeSegment != nil {
		if err := w.activeSegment.close(); err != nil {
			w.logger.Error("wal: error closing segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}
	ts := w.now()
	for len(w.segmentStamps) > 0 && w.segmentStamps[len(w.segmentStamps)-1] >= ts {
		ts++
	}
	seg, err := createSegment(w.dir, ts, w.fs)
	if err != nil {
		return err
	}
	w.activeSegment = seg
	w.segmentStamps = append(w.segmentStamps, ts)
	w.logger.Info("wal segment rotated", "path", seg.path)
	return nil
}

// Append durably appends a single Put or Delete record and returns once
// its durability policy is satisfied.
func (w *WAL) Append(op core.Op, key, value []byte, timestampMs uint64) (*core.LogRecord, error) {
	rec := &core.LogRecord{Op: op, Key: key, Value: value, TimestampMs: timestampMs}
	return w.appendRecord(rec)
}

// AppendBatch durably appends a single BatchPut record covering every kv
// pair as one atomic frame.
func (w *WAL) AppendBatch(kvs []core.KV, timestampMs uint64) (*core.LogRecord, error) {
	rec := &core.LogRecord{Op: core.OpBatchPut, Batch: kvs, TimestampMs: timestampMs}
	return w.appendRecord(rec)
}

func (w *WAL) appendRecord(rec *core.LogRecord) (*core.LogRecord, error) {
	p := &pendingAppend{rec: rec, result: make(chan error, 1)}
	select {
	case <-w.doneCh:
		return nil, errCommitterClosed
	default:
	}
	select {
	case w.appendCh <- p:
	case <-w.doneCh:
		return nil, errCommitterClosed
	}
	var err error
	select {
	case err = <-p.result:
	case <-w.doneCh:
		// The committer resolves a batch before it exits, so a result may
		// already be waiting; otherwise p was never picked up.
		select {
		case err = <-p.result:
		default:
			err = errCommitterClosed
		}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Sync forces a flush of any batched-but-unsynced writes. It is a no-op
// under sync-every-write, since every append already synced.
func (w *WAL) Sync() error {
	return w.control(func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.activeSegment == nil {
			return nil
		}
		return w.activeSegment.sync()
	})
}

// Rotate closes the active segment and opens a new one.
func (w *WAL) Rotate() error {
	return w.control(func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.rotateLocked()
	})
}

// Checkpoint flushes pending writes, rotates to a fresh segment, then
// deletes every prior segment. Callers must guarantee everything in the
// deleted segments is already reflected in durable SSTables.
func (w *WAL) Checkpoint() error {
	return w.control(func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		if err := w.rotateLocked(); err != nil {
			return err
		}
		var remaining []uint64
		for _, stamp := range w.segmentStamps {
			if stamp == w.activeSegment.timestamp {
				remaining = append(remaining, stamp)
				continue
			}
			path := filepath.Join(w.dir, formatSegmentFileName(stamp))
			if err := w.fs.Remove(path); err != nil {
				w.logger.Error("wal: failed to remove checkpointed segment", "path", path, "error", err)
			}
		}
		w.segmentStamps = remaining
		return nil
	})
}

// control funnels an operation through the single committer goroutine so it
// is serialized with respect to appends, then executes it.
func (w *WAL) control(fn func() error) error {
	req := ctrlRequest{run: fn, result: make(chan error, 1)}
	select {
	case w.ctrlCh <- req:
	case <-w.doneCh:
		return errCommitterClosed
	}
	return <-req.result
}

// Close stops accepting new appends, flushes and closes the active segment.
func (w *WAL) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closeCh)
		<-w.doneCh
		w.mu.Lock()
		if w.activeSegment != nil {
			err = w.activeSegment.close()
			w.activeSegment = nil
		}
		w.mu.Unlock()
	})
	return err
}

// Path returns the WAL's directory.
func (w *WAL) Path() string { return w.dir }
