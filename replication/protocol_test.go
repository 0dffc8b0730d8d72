package replication

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuslsm/lsmstore/core"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, OpReplicate, []byte("hello")))

	opcode, body, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, OpReplicate, opcode)
	assert.Equal(t, "hello", string(body))
}

func TestWriteReadFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, OpReplicateAck, nil))

	opcode, body, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, OpReplicateAck, opcode)
	assert.Empty(t, body)
}

func TestReadFrameRejectsZeroLength(t *testing.T) {
	buf := []byte{0, 0, 0, 0, 0}
	_, _, err := readFrame(bufio.NewReader(bytes.NewReader(buf)))
	assert.Error(t, err)
}

func TestReadFrameTruncatedBodyErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, OpReplicate, []byte("full body")))
	truncated := buf.Bytes()[:len(buf.Bytes())-3]
	_, _, err := readFrame(bufio.NewReader(bytes.NewReader(truncated)))
	assert.Error(t, err)
}

func TestEncodeDecodeReplicateBodyPut(t *testing.T) {
	rec := &core.LogRecord{SeqNum: 7, TimestampMs: 1234, Op: core.OpPut, Key: []byte("k"), Value: []byte("v")}
	body, err := encodeReplicateBody(rec)
	require.NoError(t, err)

	decoded, err := decodeReplicateBody(body)
	require.NoError(t, err)
	assert.Equal(t, rec.SeqNum, decoded.SeqNum)
	assert.Equal(t, rec.TimestampMs, decoded.TimestampMs)
	assert.Equal(t, rec.Op, decoded.Op)
	assert.Equal(t, "k", string(decoded.Key))
	assert.Equal(t, "v", string(decoded.Value))
}

func TestEncodeDecodeReplicateBodyBatchPut(t *testing.T) {
	rec := &core.LogRecord{
		SeqNum: 9, TimestampMs: 55, Op: core.OpBatchPut,
		Batch: []core.KV{{Key: []byte("a"), Value: []byte("1")}, {Key: []byte("b"), Value: []byte("2")}},
	}
	body, err := encodeReplicateBody(rec)
	require.NoError(t, err)

	decoded, err := decodeReplicateBody(body)
	require.NoError(t, err)
	require.Len(t, decoded.Batch, 2)
	assert.Equal(t, "a", string(decoded.Batch[0].Key))
}

func TestDecodeReplicateBodyRejectsShortBody(t *testing.T) {
	_, err := decodeReplicateBody([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestEncodeDecodeAckBodyRoundTrip(t *testing.T) {
	body := encodeAckBody(StatusOK, 42)
	status, seq, err := decodeAckBody(body)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, uint64(42), seq)
}

func TestDecodeAckBodyRejectsWrongLength(t *testing.T) {
	_, _, err := decodeAckBody([]byte{1, 2, 3})
	assert.Error(t, err)
}
