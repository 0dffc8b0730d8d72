package replication

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/nexuslsm/lsmstore/core"
)

// Applier is the subset of the engine a Backup needs: applying an already
// ordered log record as if it had been produced locally.
type Applier interface {
	ApplyReplicatedRecord(ctx context.Context, rec *core.LogRecord) error
}

// BackupOptions configures the listener side of the protocol.
type BackupOptions struct {
	ListenAddr string
	Logger     *slog.Logger
}

func (o *BackupOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Backup accepts a single active Primary connection at a time and applies
// every Replicate frame it receives to the local engine, acking OK or ERR.
type Backup struct {
	opts     BackupOptions
	applier  Applier
	logger   *slog.Logger
	listener net.Listener

	mu       sync.Mutex
	active   net.Conn

	closeCh chan struct{}
	doneCh  chan struct{}
	closeOnce sync.Once
}

// NewBackup binds ListenAddr and starts accepting connections. Only one
// Primary connection is honored at a time; further connection attempts are
// refused (closed immediately) while one is active.
func NewBackup(opts BackupOptions, applier Applier) (*Backup, error) {
	opts.setDefaults()
	lis, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		return nil, err
	}
	b := &Backup{
		opts:     opts,
		applier:  applier,
		logger:   opts.Logger.With("component", "replication.backup"),
		listener: lis,
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go b.acceptLoop()
	return b, nil
}

// Addr returns the address the Backup is actually listening on, useful when
// ListenAddr used an ephemeral port.
func (b *Backup) Addr() net.Addr {
	return b.listener.Addr()
}

func (b *Backup) acceptLoop() {
	defer close(b.doneCh)
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.closeCh:
				return
			default:
				b.logger.Warn("accept failed", "error", err)
				continue
			}
		}

		b.mu.Lock()
		if b.active != nil {
			b.mu.Unlock()
			b.logger.Warn("refusing connection: a primary is already connected", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		b.active = conn
		b.mu.Unlock()

		go b.serve(conn)
	}
}

// serve handles one Primary connection until it disconnects, applying every
// Replicate frame in arrival order and acking synchronously.
func (b *Backup) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.active == conn {
			b.active = nil
		}
		b.mu.Unlock()
	}()

	b.logger.Info("primary connected", "remote", conn.RemoteAddr())
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		opcode, body, err := readFrame(r)
		if err != nil {
			b.logger.Info("primary disconnected", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if opcode != OpReplicate {
			continue
		}

		rec, err := decodeReplicateBody(body)
		if err != nil {
			b.logger.Warn("dropping malformed replicate frame", "error", err)
			continue
		}

		status := StatusOK
		if err := b.applier.ApplyReplicatedRecord(context.Background(), rec); err != nil {
			b.logger.Error("failed to apply replicated record", "seq", rec.SeqNum, "error", err)
			status = StatusError
		}

		if err := writeFrame(w, OpReplicateAck, encodeAckBody(status, rec.SeqNum)); err != nil {
			b.logger.Warn("failed to send ack", "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			b.logger.Warn("failed to flush ack", "error", err)
			return
		}
	}
}

// Close stops accepting new connections and closes the active one, if any.
func (b *Backup) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
		b.listener.Close()
		b.mu.Lock()
		if b.active != nil {
			b.active.Close()
		}
		b.mu.Unlock()
		<-b.doneCh
	})
	return nil
}
