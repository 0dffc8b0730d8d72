package replication

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/nexuslsm/lsmstore/core"
)

// PrimaryOptions configures a Primary's connection to its Backup.
type PrimaryOptions struct {
	BackupAddr         string
	ReconnectInterval  time.Duration // fixed-interval backoff
	DialTimeout        time.Duration
	Logger             *slog.Logger
}

func (o *PrimaryOptions) setDefaults() {
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Metrics reports the counters and gauges a Primary exposes about its
// replication stream.
type Metrics struct {
	RecordsReplicated uint64
	BytesReplicated   uint64
	FailedAttempts    uint64
	LastSuccessUnixMs int64
	LastFailureUnixMs int64

	// ObservedLagMs is now minus the timestamp of the oldest still-pending
	// (unacknowledged) record, or zero when nothing is pending.
	ObservedLagMs float64

	// ObservedLagP50Ms is the median, over past acks, of ack arrival time
	// minus the acked record's timestamp, a steadier signal than the
	// instantaneous gauge above.
	ObservedLagP50Ms float64
}

// pendingRecord is an in-flight, unacknowledged Replicate send. The Primary
// keeps these in FIFO order so an incoming ack (matched only by arrival
// order, never by seq lookup) always resolves the oldest send.
type pendingRecord struct {
	seq         uint64
	timestampMs uint64
}

// Primary maintains a single persistent connection to a Backup and pushes
// every WAL-committed record downstream. It is wired as a wal.Listener: the
// WAL calls Enqueue after a record is durable, and Primary never blocks that
// call on network I/O.
type Primary struct {
	opts       PrimaryOptions
	sessionID  string
	logger     *slog.Logger

	mu       sync.Mutex
	writer   *bufio.Writer
	pending  []pendingRecord
	digest   *tdigest.TDigest
	metrics  Metrics

	sendCh   chan *core.LogRecord
	closeCh  chan struct{}
	doneCh   chan struct{}
	closeOnce sync.Once
}

// NewPrimary creates a Primary and starts its connection-management and
// send-pump goroutines. Call Enqueue (directly, or via wal.Listener) for
// every committed record; call Close to shut down.
func NewPrimary(opts PrimaryOptions) *Primary {
	opts.setDefaults()
	digest, _ := tdigest.New()
	p := &Primary{
		opts:      opts,
		sessionID: uuid.NewString(),
		logger:    opts.Logger.With("component", "replication.primary", "backup", opts.BackupAddr),
		digest:    digest,
		sendCh:    make(chan *core.LogRecord, 1024),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Listener returns a wal.Listener that enqueues every committed record for
// replication. Replication is best-effort: a full send queue drops the
// record being enqueued rather than block the caller.
func (p *Primary) Listener() func(rec *core.LogRecord) {
	return func(rec *core.LogRecord) {
		p.Enqueue(rec)
	}
}

// Enqueue hands a durably-committed record to the send pump. It never
// blocks: if the pump is backed up, the record is dropped and counted as a
// failed attempt, matching the "does not block commit" requirement.
func (p *Primary) Enqueue(rec *core.LogRecord) {
	select {
	case p.sendCh <- rec:
	default:
		p.mu.Lock()
		p.metrics.FailedAttempts++
		p.mu.Unlock()
		p.logger.Warn("replication send queue full, dropping record", "seq", rec.SeqNum)
	}
}

// Metrics returns a snapshot of the Primary's counters.
func (p *Primary) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.metrics
	m.ObservedLagP50Ms = p.digest.Quantile(0.5)
	if len(p.pending) > 0 {
		m.ObservedLagMs = float64(nowMs()) - float64(p.pending[0].timestampMs)
	}
	return m
}

// Close stops the connection-management loop and closes the current
// connection, if any.
func (p *Primary) Close() error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		<-p.doneCh
	})
	return nil
}

// run owns the connection lifecycle: connect, pump sends and acks until the
// connection breaks, then reconnect after a fixed interval. The ack reader
// and Metrics share writer and pending with the send path, so both are
// guarded by p.mu.
func (p *Primary) run() {
	defer close(p.doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-p.closeCh
		cancel()
	}()
	defer cancel()

	for {
		select {
		case <-p.closeCh:
			return
		default:
		}

		conn, err := p.dialWithBackoff(ctx)
		if err != nil {
			// Only reachable once the primary is closing.
			return
		}

		p.logger.Info("connected to backup", "session", p.sessionID)
		p.mu.Lock()
		p.writer = bufio.NewWriter(conn)
		p.pending = p.pending[:0]
		p.mu.Unlock()

		p.pumpConnection(conn)

		// Connection lost: drop the in-flight send and reject any pending
		// pseudo-awaiters. Since acks are best-effort and nothing blocks on
		// them, "rejecting" simply means discarding the FIFO queue; the
		// records themselves are not resent, matching the protocol's
		// best-effort semantics.
		p.mu.Lock()
		dropped := len(p.pending)
		p.pending = p.pending[:0]
		p.writer = nil
		p.mu.Unlock()
		if dropped > 0 {
			p.logger.Warn("connection lost, discarding pending acks", "count", dropped)
		}
	}
}

// dialWithBackoff retries the TCP dial on a fixed interval, per the
// protocol's fixed-interval reconnect schedule, until it succeeds or ctx is
// cancelled by Close.
func (p *Primary) dialWithBackoff(ctx context.Context) (net.Conn, error) {
	policy := backoff.NewConstantBackOff(p.opts.ReconnectInterval)
	return backoff.Retry(ctx, func() (net.Conn, error) {
		conn, err := net.DialTimeout("tcp", p.opts.BackupAddr, p.opts.DialTimeout)
		if err != nil {
			p.recordFailure()
			p.logger.Warn("failed to connect to backup", "error", err)
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(0), backoff.WithMaxElapsedTime(0))
}

// pumpConnection pipelines sends from sendCh and matches acks in FIFO order
// until either the connection breaks or Close is requested.
func (p *Primary) pumpConnection(conn net.Conn) {
	ackErrCh := make(chan error, 1)
	go p.readAcks(conn, ackErrCh)

	for {
		select {
		case <-p.closeCh:
			conn.Close()
			<-ackErrCh
			return
		case err := <-ackErrCh:
			p.logger.Warn("backup connection closed", "error", err)
			conn.Close()
			return
		case rec := <-p.sendCh:
			if err := p.send(rec); err != nil {
				p.logger.Warn("failed to send replicate frame", "error", err)
				conn.Close()
				<-ackErrCh
				return
			}
		}
	}
}

func (p *Primary) send(rec *core.LogRecord) error {
	body, err := encodeReplicateBody(rec)
	if err != nil {
		return err
	}
	p.mu.Lock()
	w := p.writer
	if w == nil {
		p.mu.Unlock()
		return net.ErrClosed
	}
	if err := writeFrame(w, OpReplicate, body); err != nil {
		p.mu.Unlock()
		return err
	}
	if err := w.Flush(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.pending = append(p.pending, pendingRecord{seq: rec.SeqNum, timestampMs: rec.TimestampMs})
	p.metrics.BytesReplicated += uint64(len(body))
	p.mu.Unlock()
	return nil
}

// readAcks reads ReplicateAck frames and resolves the oldest pending send
// in FIFO order, per the protocol's pipelined-send/FIFO-ack contract.
func (p *Primary) readAcks(conn net.Conn, errCh chan<- error) {
	r := bufio.NewReader(conn)
	for {
		opcode, body, err := readFrame(r)
		if err != nil {
			errCh <- err
			return
		}
		if opcode != OpReplicateAck {
			continue
		}
		status, seq, err := decodeAckBody(body)
		if err != nil {
			continue
		}
		p.resolveAck(status, seq)
	}
}

func (p *Primary) resolveAck(status Status, seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return
	}
	head := p.pending[0]
	p.pending = p.pending[1:]

	now := nowMs()
	if lag := float64(now) - float64(head.timestampMs); lag >= 0 {
		_ = p.digest.AddWeighted(lag, 1)
	}

	if status == StatusOK {
		p.metrics.RecordsReplicated++
		p.metrics.LastSuccessUnixMs = now
	} else {
		p.metrics.FailedAttempts++
		p.metrics.LastFailureUnixMs = now
	}
	_ = seq // acks are matched purely by FIFO order, not by seq lookup
}

func (p *Primary) recordFailure() {
	p.mu.Lock()
	p.metrics.FailedAttempts++
	p.metrics.LastFailureUnixMs = nowMs()
	p.mu.Unlock()
}

func nowMs() int64 { return time.Now().UnixMilli() }
