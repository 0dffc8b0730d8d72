package sstable

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nexuslsm/lsmstore/bloom"
	"github.com/nexuslsm/lsmstore/sys"
)

// WriterOptions configures a new SSTable build.
type WriterOptions struct {
	Dir                 string
	FileNumber          uint32
	SparseIndexInterval int // 1..1000; a sparse index entry every N data entries.
	EstimatedKeys       uint64
	BloomFPR            float64 // 0 disables the filter.
	Now                 func() uint64
	FS                  sys.FS
	Logger              *slog.Logger
	Tracer              trace.Tracer
}

// Writer builds one immutable SSTable file. Keys must be Add()ed in
// strictly ascending order; Build() streams the index, optional filter and
// footer, fsyncs, and atomically renames the temp file into place.
type Writer struct {
	opts     WriterOptions
	fs       sys.FS
	tempPath string
	finalPath string
	file     sys.File
	buf      *bufio.Writer
	offset   int64

	index       []indexEntry
	sinceIndex  int
	filter      *bloom.Filter
	entryCount  uint32
	firstKey    []byte
	lastKey     []byte
	hasPrevKey  bool
	built       bool
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewWriter opens a temporary file under opts.Dir named
// "sstable-<file_number, 5-digit zero-padded>.sst.tmp".
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.SparseIndexInterval <= 0 {
		opts.SparseIndexInterval = 10
	}
	if opts.Now == nil {
		opts.Now = func() uint64 { return 0 }
	}
	if opts.FS == nil {
		opts.FS = sys.Default
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "sstable_writer", "file_number", opts.FileNumber)

	finalPath := filepath.Join(opts.Dir, formatSSTableFileName(opts.FileNumber))
	tempPath := finalPath + ".tmp"

	f, err := opts.FS.Create(tempPath)
	if err != nil {
		return nil, fmt.Errorf("sstable: creating temp file %s: %w", tempPath, err)
	}

	var filter *bloom.Filter
	if opts.BloomFPR > 0 {
		filter, err = bloom.New(opts.EstimatedKeys, opts.BloomFPR)
		if err != nil {
			f.Close()
			opts.FS.Remove(tempPath)
			return nil, fmt.Errorf("sstable: creating bloom filter: %w", err)
		}
	}

	return &Writer{
		opts:      opts,
		fs:        opts.FS,
		tempPath:  tempPath,
		finalPath: finalPath,
		file:      f,
		buf:       bufio.NewWriter(f),
		filter:    filter,
		logger:    logger,
		tracer:    opts.Tracer,
	}, nil
}

// formatSSTableFileName renders a 5-digit-minimum file number into a name.
func formatSSTableFileName(fileNumber uint32) string {
	return fmt.Sprintf("sstable-%05d.sst", fileNumber)
}

// Add appends the next entry. key must sort strictly after the previously
// added key.
func (w *Writer) Add(key, value []byte, timestampMs uint64, tombstone bool) error {
	if w.built {
		return ErrWriterClosed
	}
	if w.hasPrevKey && bytes.Compare(key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: key %q is not greater than previous key %q", ErrNotAscending, key, w.lastKey)
	}

	if w.sinceIndex == 0 {
		keyCopy := append([]byte(nil), key...)
		w.index = append(w.index, indexEntry{Key: keyCopy, DataOffset: uint64(w.offset)})
	}
	w.sinceIndex = (w.sinceIndex + 1) % w.opts.SparseIndexInterval

	n, err := encodeEntry(w.buf, key, value, timestampMs, tombstone)
	if err != nil {
		return fmt.Errorf("sstable: writing entry: %w", err)
	}
	w.offset += int64(n)

	if w.filter != nil {
		w.filter.Insert(key)
	}
	if !w.hasPrevKey {
		w.firstKey = append([]byte(nil), key...)
		w.hasPrevKey = true
	}
	w.lastKey = append([]byte(nil), key...)
	w.entryCount++
	return nil
}

// Abandon discards the writer without producing a file: it closes and
// removes the temp file. Used when the caller decides, after adding zero
// entries, that no SSTable should exist at all (e.g. an all-tombstone
// compaction input).
func (w *Writer) Abandon() error {
	if w.built {
		return ErrWriterClosed
	}
	w.built = true
	w.file.Close()
	return w.fs.Remove(w.tempPath)
}

// Build finalizes the file: writes the index, optional filter and footer,
// fsyncs, then atomically renames the temp file to its final name. On any
// error the temp file is removed.
func (w *Writer) Build() (_ *Metadata, err error) {
	if w.built {
		return nil, ErrWriterClosed
	}
	w.built = true

	var span trace.Span
	if w.tracer != nil {
		_, span = w.tracer.Start(context.Background(), "sstable.Writer.Build")
		defer span.End()
	}

	defer func() {
		if err != nil {
			w.file.Close()
			w.fs.Remove(w.tempPath)
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
		}
	}()

	dataOffset := int64(0)
	indexOffset := uint64(w.offset)

	var idxCountBuf [4]byte
	putUint32(idxCountBuf[:], uint32(len(w.index)))
	if _, err = w.buf.Write(idxCountBuf[:]); err != nil {
		return nil, fmt.Errorf("sstable: writing index count: %w", err)
	}
	w.offset += 4
	for _, e := range w.index {
		if err = encodeIndexEntry(w.buf, e.Key, e.DataOffset); err != nil {
			return nil, fmt.Errorf("sstable: writing index entry: %w", err)
		}
		w.offset += int64(2 + len(e.Key) + 8)
	}

	filterOffset := int64(-1)
	if w.filter != nil {
		filterOffset = w.offset
		filterBytes := w.filter.Serialize()
		if _, err = w.buf.Write(filterBytes); err != nil {
			return nil, fmt.Errorf("sstable: writing filter: %w", err)
		}
		w.offset += int64(len(filterBytes))
	}

	meta := &Metadata{
		FileNumber:   w.opts.FileNumber,
		FilePath:     w.finalPath,
		EntryCount:   w.entryCount,
		FirstKey:     w.firstKey,
		LastKey:      w.lastKey,
		DataOffset:   uint64(dataOffset),
		IndexOffset:  indexOffset,
		FilterOffset: filterOffset,
		CreatedAt:    w.opts.Now(),
	}

	footerN, err := encodeFooter(w.buf, meta)
	if err != nil {
		return nil, fmt.Errorf("sstable: writing footer: %w", err)
	}
	w.offset += int64(footerN)

	if err = w.buf.Flush(); err != nil {
		return nil, fmt.Errorf("sstable: flushing: %w", err)
	}
	if err = w.file.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: fsyncing: %w", err)
	}
	if err = w.file.Close(); err != nil {
		return nil, fmt.Errorf("sstable: closing: %w", err)
	}

	if err = w.fs.Rename(w.tempPath, w.finalPath); err != nil {
		return nil, fmt.Errorf("sstable: renaming into place: %w", err)
	}

	meta.FileSize = w.offset
	w.logger.Info("sstable built", "path", w.finalPath, "entries", meta.EntryCount, "size", meta.FileSize)
	if span != nil {
		span.SetAttributes(
			attribute.Int64("sstable.entry_count", int64(meta.EntryCount)),
			attribute.Int64("sstable.file_size", meta.FileSize),
		)
	}
	return meta, nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
