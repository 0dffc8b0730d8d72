// Package sstable implements the on-disk Sorted String Table: an immutable,
// key-ascending file with a sparse index and an optional Bloom filter,
// closed by a fixed-plus-variable footer whose last 8 bytes always locate
// it from the tail of the file.
package sstable

import "errors"

// FooterMagic identifies this file format at the tail of every SSTable.
const FooterMagic uint32 = 0x5353544C // "SSTL"

// FooterVersion is the only format version this core writes and reads.
// Version 2 is the first (and only) version to carry a filter offset.
const FooterVersion uint16 = 2

var (
	ErrNotFound      = errors.New("sstable: key not found")
	ErrOutOfRange    = errors.New("sstable: key outside table's [first_key, last_key] range")
	ErrCorrupt       = errors.New("sstable: corrupt file")
	ErrNotAscending  = errors.New("sstable: keys must be added in strictly ascending order")
	ErrWriterClosed  = errors.New("sstable: writer already built")
	ErrReaderClosed  = errors.New("sstable: reader is closed")
)

// Metadata describes a built SSTable: everything the manifest and the read
// path need without opening the file.
type Metadata struct {
	FileNumber  uint32
	FilePath    string
	EntryCount  uint32
	FirstKey    []byte
	LastKey     []byte
	FileSize    int64
	CreatedAt   uint64
	IndexOffset uint64
	DataOffset  uint64
	// FilterOffset is -1 when the table has no filter.
	FilterOffset int64
}

// HasFilter reports whether the table was built with a Bloom filter.
func (m *Metadata) HasFilter() bool { return m.FilterOffset >= 0 }
