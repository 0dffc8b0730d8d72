package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/nexuslsm/lsmstore/core"
)

// encodePayload renders a LogRecord's op-specific payload per §4.7:
//   Put:      [key_len:u16][key][value_len:u32][value]
//   Delete:   [key_len:u16][key]
//   BatchPut: [count:u32] · count x {[key_len:u16][key][value_len:u32][value]}
func encodePayload(rec *core.LogRecord) ([]byte, error) {
	switch rec.Op {
	case core.OpPut:
		return encodeKV(rec.Key, rec.Value), nil
	case core.OpDelete:
		if len(rec.Key) > 0xFFFF {
			return nil, fmt.Errorf("wal: key too long (%d bytes)", len(rec.Key))
		}
		buf := make([]byte, 2+len(rec.Key))
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(rec.Key)))
		copy(buf[2:], rec.Key)
		return buf, nil
	case core.OpBatchPut:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(len(rec.Batch)))
		for _, kv := range rec.Batch {
			buf = append(buf, encodeKV(kv.Key, kv.Value)...)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("wal: unknown op %v", rec.Op)
	}
}

// EncodePayloadForReplication exposes encodePayload to the replication
// package, which reuses the exact §4.7 payload layouts inside its own
// Replicate frame body.
func EncodePayloadForReplication(rec *core.LogRecord) ([]byte, error) {
	return encodePayload(rec)
}

// DecodePayloadForReplication exposes decodePayload to the replication
// package.
func DecodePayloadForReplication(seqNum, timestampMs uint64, op core.Op, payload []byte) (*core.LogRecord, error) {
	return decodePayload(seqNum, timestampMs, op, payload)
}

func encodeKV(key, value []byte) []byte {
	buf := make([]byte, 2+len(key)+4+len(value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	copy(buf[2:], key)
	off := 2 + len(key)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(value)))
	copy(buf[off+4:], value)
	return buf
}

// decodePayload parses a frame's payload back into a LogRecord, given the
// op/seq/timestamp already extracted from the frame header.
func decodePayload(seqNum, timestampMs uint64, op core.Op, payload []byte) (*core.LogRecord, error) {
	rec := &core.LogRecord{SeqNum: seqNum, TimestampMs: timestampMs, Op: op}
	switch op {
	case core.OpPut:
		key, value, _, err := decodeKV(payload, 0)
		if err != nil {
			return nil, err
		}
		rec.Key, rec.Value = key, value
	case core.OpDelete:
		if len(payload) < 2 {
			return nil, ErrCorrupt
		}
		keyLen := int(binary.BigEndian.Uint16(payload[0:2]))
		if len(payload) < 2+keyLen {
			return nil, ErrCorrupt
		}
		rec.Key = payload[2 : 2+keyLen]
	case core.OpBatchPut:
		if len(payload) < 4 {
			return nil, ErrCorrupt
		}
		count := binary.BigEndian.Uint32(payload[0:4])
		off := 4
		rec.Batch = make([]core.KV, 0, count)
		for i := uint32(0); i < count; i++ {
			key, value, n, err := decodeKV(payload, off)
			if err != nil {
				return nil, err
			}
			rec.Batch = append(rec.Batch, core.KV{Key: key, Value: value})
			off = n
		}
	default:
		return nil, fmt.Errorf("%w: unknown op %v", ErrCorrupt, op)
	}
	return rec, nil
}

func decodeKV(payload []byte, off int) (key, value []byte, next int, err error) {
	if off+2 > len(payload) {
		return nil, nil, 0, ErrCorrupt
	}
	keyLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	if off+keyLen > len(payload) {
		return nil, nil, 0, ErrCorrupt
	}
	key = payload[off : off+keyLen]
	off += keyLen

	if off+4 > len(payload) {
		return nil, nil, 0, ErrCorrupt
	}
	valueLen := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if off+valueLen > len(payload) {
		return nil, nil, 0, ErrCorrupt
	}
	value = payload[off : off+valueLen]
	off += valueLen

	return key, value, off, nil
}
