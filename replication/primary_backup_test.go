package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caio/go-tdigest/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuslsm/lsmstore/core"
)

type fakeApplier struct {
	mu      sync.Mutex
	applied []*core.LogRecord
	fail    bool
}

func (a *fakeApplier) ApplyReplicatedRecord(ctx context.Context, rec *core.LogRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return core.NewError(core.KindIoFault, "ApplyReplicatedRecord", "forced failure", nil)
	}
	a.applied = append(a.applied, rec)
	return nil
}

func (a *fakeApplier) snapshot() []*core.LogRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*core.LogRecord, len(a.applied))
	copy(out, a.applied)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func TestPrimaryBackupEndToEndReplication(t *testing.T) {
	applier := &fakeApplier{}
	backup, err := NewBackup(BackupOptions{ListenAddr: "127.0.0.1:0"}, applier)
	require.NoError(t, err)
	defer backup.Close()

	primary := NewPrimary(PrimaryOptions{
		BackupAddr:        backup.Addr().String(),
		ReconnectInterval: 20 * time.Millisecond,
		DialTimeout:       time.Second,
	})
	defer primary.Close()

	for i := uint64(1); i <= 3; i++ {
		primary.Enqueue(&core.LogRecord{SeqNum: i, TimestampMs: i, Op: core.OpPut, Key: []byte{byte('a' + i)}, Value: []byte("v")})
	}

	waitFor(t, 2*time.Second, func() bool { return len(applier.snapshot()) == 3 })
	got := applier.snapshot()
	assert.Equal(t, uint64(1), got[0].SeqNum)
	assert.Equal(t, uint64(2), got[1].SeqNum)
	assert.Equal(t, uint64(3), got[2].SeqNum)

	waitFor(t, 2*time.Second, func() bool { return primary.Metrics().RecordsReplicated == 3 })
}

func TestPrimaryEnqueueDropsWhenQueueFull(t *testing.T) {
	digest, err := tdigest.New()
	require.NoError(t, err)
	primary := &Primary{
		opts:    PrimaryOptions{Logger: nil},
		sendCh:  make(chan *core.LogRecord), // unbuffered so it's immediately "full" with no reader
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
		digest:  digest,
	}
	primary.opts.setDefaults()
	primary.logger = primary.opts.Logger

	primary.Enqueue(&core.LogRecord{SeqNum: 1})
	assert.Equal(t, uint64(1), primary.Metrics().FailedAttempts)
}

func TestBackupRefusesSecondConcurrentConnection(t *testing.T) {
	applier := &fakeApplier{}
	backup, err := NewBackup(BackupOptions{ListenAddr: "127.0.0.1:0"}, applier)
	require.NoError(t, err)
	defer backup.Close()

	p1 := NewPrimary(PrimaryOptions{BackupAddr: backup.Addr().String(), ReconnectInterval: 20 * time.Millisecond, DialTimeout: time.Second})
	defer p1.Close()
	p1.Enqueue(&core.LogRecord{SeqNum: 1, Op: core.OpPut, Key: []byte("a"), Value: []byte("1")})
	waitFor(t, 2*time.Second, func() bool { return len(applier.snapshot()) == 1 })

	// A second primary racing for the same backup should never get its
	// records applied while the first connection remains active.
	p2 := NewPrimary(PrimaryOptions{BackupAddr: backup.Addr().String(), ReconnectInterval: 20 * time.Millisecond, DialTimeout: time.Second})
	defer p2.Close()
	p2.Enqueue(&core.LogRecord{SeqNum: 1, Op: core.OpPut, Key: []byte("z"), Value: []byte("9")})

	time.Sleep(200 * time.Millisecond)
	for _, rec := range applier.snapshot() {
		assert.NotEqual(t, "z", string(rec.Key))
	}
}

func TestBackupAcksErrorStatusOnApplyFailure(t *testing.T) {
	applier := &fakeApplier{fail: true}
	backup, err := NewBackup(BackupOptions{ListenAddr: "127.0.0.1:0"}, applier)
	require.NoError(t, err)
	defer backup.Close()

	primary := NewPrimary(PrimaryOptions{BackupAddr: backup.Addr().String(), ReconnectInterval: 20 * time.Millisecond, DialTimeout: time.Second})
	defer primary.Close()
	primary.Enqueue(&core.LogRecord{SeqNum: 1, Op: core.OpPut, Key: []byte("a"), Value: []byte("1")})

	waitFor(t, 2*time.Second, func() bool { return primary.Metrics().FailedAttempts > 0 })
}
