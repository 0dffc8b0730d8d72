// Package replication implements the best-effort, push-based Primary to
// Backup protocol: a length-prefixed frame format over a single persistent
// TCP connection, carrying every durably-committed WAL record downstream.
package replication

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/nexuslsm/lsmstore/core"
	"github.com/nexuslsm/lsmstore/wal"
)

// Opcode identifies a replication frame's body shape.
type Opcode byte

const (
	OpReplicate    Opcode = 0x10
	OpReplicateAck Opcode = 0x11
)

// Status is carried in a ReplicateAck body.
type Status byte

const (
	StatusOK    Status = 0x00
	StatusError Status = 0x01
)

// frame on the wire: [payload_len:u32][opcode:u8][body], big-endian.
// payload_len covers opcode + body.

func writeFrame(w io.Writer, opcode Opcode, body []byte) error {
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(1+len(body)))
	hdr[4] = byte(opcode)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// readFrame reads one frame, returning its opcode and body.
func readFrame(r *bufio.Reader) (Opcode, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	payloadLen := binary.BigEndian.Uint32(hdr[0:4])
	opcode := Opcode(hdr[4])
	if payloadLen == 0 {
		return 0, nil, core.NewError(core.KindProtocolError, "readFrame", "zero-length frame", nil)
	}
	body := make([]byte, payloadLen-1)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, io.ErrUnexpectedEOF
		}
	}
	return opcode, body, nil
}

// encodeReplicateBody renders a log record as
// [seq:u64][ts:u64][op:u8][payload], payload per op as in the WAL codec.
func encodeReplicateBody(rec *core.LogRecord) ([]byte, error) {
	payload, err := wal.EncodePayloadForReplication(rec)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 17+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], rec.SeqNum)
	binary.BigEndian.PutUint64(buf[8:16], rec.TimestampMs)
	buf[16] = byte(rec.Op)
	copy(buf[17:], payload)
	return buf, nil
}

func decodeReplicateBody(body []byte) (*core.LogRecord, error) {
	if len(body) < 17 {
		return nil, core.NewError(core.KindProtocolError, "decodeReplicateBody", "frame shorter than fixed header", nil)
	}
	seq := binary.BigEndian.Uint64(body[0:8])
	ts := binary.BigEndian.Uint64(body[8:16])
	op := core.Op(body[16])
	return wal.DecodePayloadForReplication(seq, ts, op, body[17:])
}

func encodeAckBody(status Status, seq uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(status)
	binary.BigEndian.PutUint64(buf[1:9], seq)
	return buf
}

func decodeAckBody(body []byte) (Status, uint64, error) {
	if len(body) != 9 {
		return 0, 0, core.NewError(core.KindProtocolError, "decodeAckBody", "ack body must be 9 bytes", nil)
	}
	return Status(body[0]), binary.BigEndian.Uint64(body[1:9]), nil
}
