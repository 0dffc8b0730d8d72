package sstable

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuslsm/lsmstore/sys"
)

func buildTestTable(t *testing.T, fileNumber uint32, sparse int, bloomFPR float64, entries []struct {
	key       string
	value     string
	tombstone bool
}) *Metadata {
	t.Helper()
	w, err := NewWriter(WriterOptions{
		Dir:                 t.TempDir(),
		FileNumber:          fileNumber,
		SparseIndexInterval: sparse,
		BloomFPR:            bloomFPR,
		Now:                 func() uint64 { return 100 },
		FS:                  sys.Default,
	})
	require.NoError(t, err)
	for i, e := range entries {
		require.NoError(t, w.Add([]byte(e.key), []byte(e.value), uint64(i), e.tombstone))
	}
	meta, err := w.Build()
	require.NoError(t, err)
	return meta
}

type kv struct {
	key       string
	value     string
	tombstone bool
}

func TestReaderGetHitsAndMisses(t *testing.T) {
	meta := buildTestTable(t, 1, 2, 0.01, toEntries([]kv{
		{"a", "1", false},
		{"b", "2", false},
		{"c", "3", true},
		{"d", "4", false},
	}))

	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	entry, err := r.Get(context.Background(), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(entry.Value))
	assert.False(t, entry.Tombstone)

	entry, err = r.Get(context.Background(), []byte("c"))
	require.NoError(t, err)
	assert.True(t, entry.Tombstone)

	_, err = r.Get(context.Background(), []byte("zzz"))
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = r.Get(context.Background(), []byte("0"))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestReaderGetMissingKeyWithinRange(t *testing.T) {
	meta := buildTestTable(t, 1, 1, 0.01, toEntries([]kv{
		{"a", "1", false},
		{"c", "3", false},
		{"e", "5", false},
	}))
	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get(context.Background(), []byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaderMaybeContainsWithoutFilter(t *testing.T) {
	meta := buildTestTable(t, 1, 1, 0, toEntries([]kv{{"a", "1", false}}))
	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, r.MaybeContains([]byte("anything")))
}

func TestReaderGetAfterCloseFails(t *testing.T) {
	meta := buildTestTable(t, 1, 1, 0.01, toEntries([]kv{{"a", "1", false}}))
	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Get(context.Background(), []byte("a"))
	assert.ErrorIs(t, err, ErrReaderClosed)
}

func TestReaderRangeIteratorFullScan(t *testing.T) {
	entries := toEntries([]kv{
		{"a", "1", false},
		{"b", "2", false},
		{"c", "3", false},
		{"d", "4", false},
	})
	meta := buildTestTable(t, 1, 2, 0.01, entries)
	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.Iterate(nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestReaderRangeIteratorBounded(t *testing.T) {
	entries := toEntries([]kv{
		{"a", "1", false},
		{"b", "2", false},
		{"c", "3", false},
		{"d", "4", false},
		{"e", "5", false},
	})
	meta := buildTestTable(t, 1, 2, 0.01, entries)
	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.Iterate([]byte("b"), []byte("d"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"b", "c", "d"}, keys)
}

func TestReaderRangeIteratorStartBeyondAllKeys(t *testing.T) {
	entries := toEntries([]kv{{"a", "1", false}, {"b", "2", false}})
	meta := buildTestTable(t, 1, 1, 0.01, entries)
	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	it, err := r.Iterate([]byte("z"), nil)
	require.NoError(t, err)
	defer it.Close()
	assert.False(t, it.Next())
}

func TestReaderManyEntriesSparseIndexBinarySearch(t *testing.T) {
	var entries []kv
	for i := 0; i < 200; i++ {
		entries = append(entries, kv{key: fmt.Sprintf("k%04d", i), value: fmt.Sprintf("v%d", i)})
	}
	meta := buildTestTable(t, 1, 10, 0.01, toEntries(entries))
	r, err := OpenReader(meta.FilePath, sys.Default, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	entry, err := r.Get(context.Background(), []byte("k0155"))
	require.NoError(t, err)
	assert.Equal(t, "v155", string(entry.Value))
}

func toEntries(kvs []kv) []struct {
	key       string
	value     string
	tombstone bool
} {
	out := make([]struct {
		key       string
		value     string
		tombstone bool
	}, len(kvs))
	for i, e := range kvs {
		out[i] = struct {
			key       string
			value     string
			tombstone bool
		}{e.key, e.value, e.tombstone}
	}
	return out
}
