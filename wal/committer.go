package wal

import (
	"time"

	"github.com/nexuslsm/lsmstore/core"
)

// SyncMode selects the WAL's durability/latency tradeoff.
type SyncMode string

const (
	SyncEveryWrite SyncMode = "sync"     // fsync before every append resolves
	SyncGroupCommit SyncMode = "group"   // batch fsyncs, 100ms timer
	SyncPeriodic   SyncMode = "periodic" // batch fsyncs, 10ms timer
)

const (
	defaultGroupCommitInterval = 100 * time.Millisecond
	periodicCommitInterval     = 10 * time.Millisecond
	implicitFlushThreshold     = 100
)

func intervalFor(mode SyncMode) time.Duration {
	if mode == SyncPeriodic {
		return periodicCommitInterval
	}
	return defaultGroupCommitInterval
}

// pendingAppend is one caller's request to append a record, resolved by the
// committer goroutine once its batch is durable (or immediately, in
// sync-every-write mode).
type pendingAppend struct {
	rec    *core.LogRecord
	result chan error
}

// runCommitter is the single logical writer: every append, rotate and sync
// request funnels through this loop so that on-disk order matches
// sequence-id order, per the spec's cooperative-single-writer model.
func (w *WAL) runCommitter() {
	defer close(w.doneCh)

	interval := intervalFor(w.opts.SyncMode)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	var batch []*pendingAppend

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.commitBatch(batch)
		batch = nil
	}

	for {
		select {
		case p, ok := <-w.appendCh:
			if !ok {
				flush()
				return
			}
			if w.opts.SyncMode == SyncEveryWrite {
				w.commitBatch([]*pendingAppend{p})
				continue
			}
			batch = append(batch, p)
			if len(batch) >= implicitFlushThreshold {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(interval)
			}
		case <-timer.C:
			flush()
			timer.Reset(interval)
		case req := <-w.ctrlCh:
			flush()
			req.result <- req.run()
		case <-w.closeCh:
			flush()
			return
		}
	}
}

// commitBatch writes every pending record to the active segment, assigning
// sequence ids in submission order, then performs a single fsync and
// resolves every waiter with the same outcome. On success it invokes the durability listener, in order,
// after the fsync completes.
func (w *WAL) commitBatch(batch []*pendingAppend) {
	w.mu.Lock()
	if w.activeSegment == nil {
		w.mu.Unlock()
		for _, p := range batch {
			p.result <- errCommitterClosed
		}
		return
	}

	type committed struct {
		rec *core.LogRecord
	}
	var toNotify []committed

	var writeErr error
	for _, p := range batch {
		seq := w.nextSeqNum
		w.nextSeqNum++
		p.rec.SeqNum = seq

		payload, err := encodePayload(p.rec)
		if err != nil {
			writeErr = err
			break
		}
		if err := w.rotateIfNeededLocked(int64(len(payload) + 17 + 8)); err != nil {
			writeErr = err
			break
		}
		if _, err := w.activeSegment.writeFrame(seq, p.rec.TimestampMs, p.rec.Op, payload); err != nil {
			writeErr = err
			break
		}
		toNotify = append(toNotify, committed{rec: p.rec})
	}

	if writeErr == nil {
		writeErr = w.activeSegment.sync()
	}
	w.mu.Unlock()

	if writeErr != nil {
		for _, p := range batch {
			p.result <- writeErr
		}
		return
	}

	if w.listener != nil {
		for _, c := range toNotify {
			w.listener(c.rec)
		}
	}
	for _, p := range batch {
		p.result <- nil
	}
}
