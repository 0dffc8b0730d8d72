package sstable

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexuslsm/lsmstore/bloom"
	"github.com/nexuslsm/lsmstore/sys"
)

// trailerSize is the fixed-length tail of every SSTable: footer_size:u32
// followed by magic:u32, used to locate the (variable-length) footer that
// precedes it.
const trailerSize = 8

// Reader provides point lookups and range iteration over a built SSTable.
// A Reader loads the sparse index (and filter, if present) fully into
// memory at Open time and re-opens the underlying file for each read, since
// this format keeps no persistent read handle open across calls.
type Reader struct {
	fs     sys.FS
	path   string
	meta   *Metadata
	index  []indexEntry
	filter *bloom.Filter
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	closed bool
}

// OpenReader opens path, parses its footer, loads the sparse index, and
// loads the Bloom filter if present.
func OpenReader(path string, fs sys.FS, logger *slog.Logger, tracer trace.Tracer) (*Reader, error) {
	if fs == nil {
		fs = sys.Default
	}
	if logger == nil {
		logger = slog.Default()
	}

	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("sstable: statting %s: %w", path, err)
	}
	size := info.Size()
	if size < trailerSize {
		return nil, fmt.Errorf("%w: %s is smaller than the trailer", ErrCorrupt, path)
	}

	var trailer [trailerSize]byte
	if _, err := f.ReadAt(trailer[:], size-trailerSize); err != nil {
		return nil, fmt.Errorf("sstable: reading trailer of %s: %w", path, err)
	}
	footerSize := binary.BigEndian.Uint32(trailer[0:4])
	magic := binary.BigEndian.Uint32(trailer[4:8])
	if magic != FooterMagic {
		return nil, fmt.Errorf("%w: %s has bad magic %#x", ErrCorrupt, path, magic)
	}
	if int64(footerSize) > size {
		return nil, fmt.Errorf("%w: %s footer_size %d exceeds file size %d", ErrCorrupt, path, footerSize, size)
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, size-int64(footerSize)); err != nil {
		return nil, fmt.Errorf("sstable: reading footer of %s: %w", path, err)
	}
	meta, err := decodeFooter(footerBuf)
	if err != nil {
		return nil, fmt.Errorf("sstable: parsing footer of %s: %w", path, err)
	}
	meta.FilePath = path
	meta.FileSize = size

	indexEnd := size - int64(footerSize)
	if meta.FilterOffset >= 0 {
		indexEnd = meta.FilterOffset
	}
	if indexEnd < int64(meta.IndexOffset) {
		return nil, fmt.Errorf("%w: %s has negative-length index region", ErrCorrupt, path)
	}
	indexBuf := make([]byte, indexEnd-int64(meta.IndexOffset))
	if len(indexBuf) > 0 {
		if _, err := f.ReadAt(indexBuf, int64(meta.IndexOffset)); err != nil {
			return nil, fmt.Errorf("sstable: reading index of %s: %w", path, err)
		}
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		return nil, fmt.Errorf("sstable: decoding index of %s: %w", path, err)
	}

	var filter *bloom.Filter
	if meta.FilterOffset >= 0 {
		filterEnd := size - int64(footerSize)
		filterBuf := make([]byte, filterEnd-meta.FilterOffset)
		if _, err := f.ReadAt(filterBuf, meta.FilterOffset); err != nil {
			return nil, fmt.Errorf("sstable: reading filter of %s: %w", path, err)
		}
		filter, err = bloom.Deserialize(filterBuf)
		if err != nil {
			return nil, fmt.Errorf("sstable: decoding filter of %s: %w", path, err)
		}
	}

	return &Reader{
		fs:     fs,
		path:   path,
		meta:   meta,
		index:  index,
		filter: filter,
		logger: logger.With("component", "sstable_reader", "file_number", meta.FileNumber),
		tracer: tracer,
	}, nil
}

// Metadata returns the table's metadata.
func (r *Reader) Metadata() *Metadata { return r.meta }

// MaybeContains reports whether key could be present, consulting the Bloom
// filter when one was built. Returns true (i.e. "check the table") when
// there is no filter.
func (r *Reader) MaybeContains(key []byte) bool {
	if r.filter == nil {
		return true
	}
	return r.filter.MaybeContains(key)
}

// Get looks up key. ErrNotFound is returned if the key is absent; a present
// tombstone is returned as a decodedEntry with Tombstone == true, not as an
// error, since the caller decides how to surface deletions.
func (r *Reader) Get(ctx context.Context, key []byte) (*decodedEntry, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrReaderClosed
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "sstable.Reader.Get")
		span.SetAttributes(attribute.Int64("sstable.file_number", int64(r.meta.FileNumber)))
		defer span.End()
	}

	if bytes.Compare(key, r.meta.FirstKey) < 0 || bytes.Compare(key, r.meta.LastKey) > 0 {
		return nil, ErrOutOfRange
	}
	if !r.MaybeContains(key) {
		return nil, ErrNotFound
	}

	f, err := r.fs.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("sstable: opening %s: %w", r.path, err)
	}
	defer f.Close()

	startOffset, scanEnd := r.dataRangeFor(key)

	sr := io.NewSectionReader(f, startOffset, scanEnd-startOffset)
	br := bufio.NewReader(sr)
	for {
		entry, err := decodeEntry(br)
		if err == io.EOF {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("sstable: decoding entry in %s: %w", r.path, err)
		}
		cmp := bytes.Compare(entry.Key, key)
		if cmp == 0 {
			return entry, nil
		}
		if cmp > 0 {
			return nil, ErrNotFound
		}
	}
}

// dataRangeFor returns the byte range [start, end) of the data section that
// must be linearly scanned to find key, using the sparse index to skip
// directly to the last index entry not greater than key.
func (r *Reader) dataRangeFor(key []byte) (start, end int64) {
	n := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].Key, key) > 0
	})
	if n == 0 {
		start = 0
	} else {
		start = int64(r.index[n-1].DataOffset)
	}
	end = int64(r.meta.IndexOffset)
	return start, end
}

// Close releases the reader. The underlying file is not kept open between
// calls, so Close only marks the reader unusable.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// RangeIterator scans the data section in ascending key order over
// [startKey, endKey]. A nil bound is unbounded on that side.
type RangeIterator struct {
	f       sys.File
	br      *bufio.Reader
	endKey  []byte
	cur     *decodedEntry
	pending *decodedEntry
	err     error
	done    bool
}

// Iterate opens a fresh handle onto the table and positions a
// RangeIterator at the first entry >= startKey (or the first entry, if
// startKey is nil).
func (r *Reader) Iterate(startKey, endKey []byte) (*RangeIterator, error) {
	f, err := r.fs.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("sstable: opening %s: %w", r.path, err)
	}

	dataStart := int64(0)
	if startKey != nil {
		dataStart, _ = r.dataRangeFor(startKey)
	}
	dataEnd := int64(r.meta.IndexOffset)

	sr := io.NewSectionReader(f, dataStart, dataEnd-dataStart)
	it := &RangeIterator{f: f, br: bufio.NewReader(sr), endKey: endKey}

	// Skip forward past entries strictly less than startKey (the sparse
	// index only gets us to the block, not the exact record).
	if startKey != nil {
		for it.Next() {
			if bytes.Compare(it.Key(), startKey) >= 0 {
				break
			}
		}
		if it.err != nil {
			f.Close()
			return nil, it.err
		}
		// Rewind logical cursor by one step: Next() already advanced onto
		// the first qualifying entry, so the caller's first Next() call
		// must not skip it. We stash it and mark a re-serve.
		it.pending = it.cur
	}
	return it, nil
}

func (it *RangeIterator) Next() bool {
	if it.done {
		return false
	}
	if it.pending != nil {
		it.cur = it.pending
		it.pending = nil
		return true
	}
	e, err := decodeEntry(it.br)
	if err == io.EOF {
		it.done = true
		it.cur = nil
		return false
	}
	if err != nil {
		it.err = err
		it.done = true
		it.cur = nil
		return false
	}
	if it.endKey != nil && bytes.Compare(e.Key, it.endKey) > 0 {
		it.done = true
		it.cur = nil
		return false
	}
	it.cur = e
	return true
}

func (it *RangeIterator) Key() []byte         { return it.cur.Key }
func (it *RangeIterator) Value() []byte       { return it.cur.Value }
func (it *RangeIterator) Timestamp() uint64   { return it.cur.TimestampMs }
func (it *RangeIterator) Tombstone() bool     { return it.cur.Tombstone }
func (it *RangeIterator) Err() error          { return it.err }
func (it *RangeIterator) Close() error        { return it.f.Close() }
