package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// entry on-disk layout:
//   [key_len:u16][key][value_len:u32][value][timestamp:u64][tombstone:u8]
// all integers big-endian.

func encodeEntry(w io.Writer, key, value []byte, timestampMs uint64, tombstone bool) (int, error) {
	if len(key) > 0xFFFF {
		return 0, fmt.Errorf("sstable: key too long (%d bytes)", len(key))
	}
	n := 0
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(key)))
	if written, err := w.Write(hdr[:]); err != nil {
		return n, err
	} else {
		n += written
	}
	if written, err := w.Write(key); err != nil {
		return n, err
	} else {
		n += written
	}
	var vlen [4]byte
	binary.BigEndian.PutUint32(vlen[:], uint32(len(value)))
	if written, err := w.Write(vlen[:]); err != nil {
		return n, err
	} else {
		n += written
	}
	if written, err := w.Write(value); err != nil {
		return n, err
	} else {
		n += written
	}
	var tail [9]byte
	binary.BigEndian.PutUint64(tail[0:8], timestampMs)
	if tombstone {
		tail[8] = 1
	}
	if written, err := w.Write(tail[:]); err != nil {
		return n, err
	} else {
		n += written
	}
	return n, nil
}

// decodedEntry is a single parsed data-section record.
type decodedEntry struct {
	Key         []byte
	Value       []byte
	TimestampMs uint64
	Tombstone   bool
}

// decodeEntry reads one entry from r. io.EOF is returned only if the reader
// is exhausted before any byte of a new entry is read (a clean end of the
// data region); any other short read is io.ErrUnexpectedEOF.
func decodeEntry(r *bufio.Reader) (*decodedEntry, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	keyLen := binary.BigEndian.Uint16(hdr[:])
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	var vlen [4]byte
	if _, err := io.ReadFull(r, vlen[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	valueLen := binary.BigEndian.Uint32(vlen[:])
	value := make([]byte, valueLen)
	if valueLen > 0 {
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
	}

	var tail [9]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	ts := binary.BigEndian.Uint64(tail[0:8])
	tombstone := tail[8] != 0

	return &decodedEntry{Key: key, Value: value, TimestampMs: ts, Tombstone: tombstone}, nil
}

// index entry on-disk layout: [key_len:u16][key][data_offset:u64]

func encodeIndexEntry(w io.Writer, key []byte, dataOffset uint64) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(key)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(key); err != nil {
		return err
	}
	var off [8]byte
	binary.BigEndian.PutUint64(off[:], dataOffset)
	_, err := w.Write(off[:])
	return err
}

// indexEntry is one parsed sparse-index record, held fully in memory once a
// reader is opened.
type indexEntry struct {
	Key        []byte
	DataOffset uint64
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("sstable: reading index count: %w", err)
	}
	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var hdr [2]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("sstable: reading index entry %d key length: %w", i, err)
		}
		keyLen := binary.BigEndian.Uint16(hdr[:])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("sstable: reading index entry %d key: %w", i, err)
		}
		var off [8]byte
		if _, err := io.ReadFull(r, off[:]); err != nil {
			return nil, fmt.Errorf("sstable: reading index entry %d offset: %w", i, err)
		}
		entries = append(entries, indexEntry{Key: key, DataOffset: binary.BigEndian.Uint64(off[:])})
	}
	return entries, nil
}

// footer layout (version 2), all fields big-endian, in order:
//   file_number:u32, entry_count:u32, data_offset:u64, index_offset:u64,
//   filter_offset:u64, first_key_len:u16, first_key, last_key_len:u16,
//   last_key, created_at:u64, version:u16, footer_size:u32, magic:u32
//
// filter_offset is written as 0xFFFFFFFFFFFFFFFF when the table has no
// filter (Metadata.FilterOffset == -1).

const noFilterSentinel = ^uint64(0)

func encodeFooter(w io.Writer, m *Metadata) (int, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, m.FileNumber)
	binary.Write(buf, binary.BigEndian, m.EntryCount)
	binary.Write(buf, binary.BigEndian, m.DataOffset)
	binary.Write(buf, binary.BigEndian, m.IndexOffset)
	if m.FilterOffset < 0 {
		binary.Write(buf, binary.BigEndian, noFilterSentinel)
	} else {
		binary.Write(buf, binary.BigEndian, uint64(m.FilterOffset))
	}
	binary.Write(buf, binary.BigEndian, uint16(len(m.FirstKey)))
	buf.Write(m.FirstKey)
	binary.Write(buf, binary.BigEndian, uint16(len(m.LastKey)))
	buf.Write(m.LastKey)
	binary.Write(buf, binary.BigEndian, m.CreatedAt)
	binary.Write(buf, binary.BigEndian, FooterVersion)

	footerSize := uint32(buf.Len() + 4 + 4) // + footer_size field + magic field
	binary.Write(buf, binary.BigEndian, footerSize)
	binary.Write(buf, binary.BigEndian, FooterMagic)

	return w.Write(buf.Bytes())
}

// decodeFooter parses the fixed-plus-variable footer starting at buf[0].
// buf must contain exactly the footer bytes (footer_size long).
func decodeFooter(buf []byte) (*Metadata, error) {
	r := bufio.NewReader(bytes.NewReader(buf))
	m := &Metadata{}

	if err := binary.Read(r, binary.BigEndian, &m.FileNumber); err != nil {
		return nil, fmt.Errorf("sstable: reading footer file_number: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.EntryCount); err != nil {
		return nil, fmt.Errorf("sstable: reading footer entry_count: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.DataOffset); err != nil {
		return nil, fmt.Errorf("sstable: reading footer data_offset: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.IndexOffset); err != nil {
		return nil, fmt.Errorf("sstable: reading footer index_offset: %w", err)
	}
	var filterOffset uint64
	if err := binary.Read(r, binary.BigEndian, &filterOffset); err != nil {
		return nil, fmt.Errorf("sstable: reading footer filter_offset: %w", err)
	}
	if filterOffset == noFilterSentinel {
		m.FilterOffset = -1
	} else {
		m.FilterOffset = int64(filterOffset)
	}

	var firstLen uint16
	if err := binary.Read(r, binary.BigEndian, &firstLen); err != nil {
		return nil, fmt.Errorf("sstable: reading footer first_key_len: %w", err)
	}
	m.FirstKey = make([]byte, firstLen)
	if _, err := io.ReadFull(r, m.FirstKey); err != nil {
		return nil, fmt.Errorf("sstable: reading footer first_key: %w", err)
	}

	var lastLen uint16
	if err := binary.Read(r, binary.BigEndian, &lastLen); err != nil {
		return nil, fmt.Errorf("sstable: reading footer last_key_len: %w", err)
	}
	m.LastKey = make([]byte, lastLen)
	if _, err := io.ReadFull(r, m.LastKey); err != nil {
		return nil, fmt.Errorf("sstable: reading footer last_key: %w", err)
	}

	if err := binary.Read(r, binary.BigEndian, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("sstable: reading footer created_at: %w", err)
	}
	var version uint16
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, fmt.Errorf("sstable: reading footer version: %w", err)
	}
	if version != FooterVersion {
		return nil, fmt.Errorf("%w: footer version %d, want %d", ErrCorrupt, version, FooterVersion)
	}

	return m, nil
}
