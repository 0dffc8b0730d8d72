// Package memtable implements the in-memory ordered write buffer that sits
// in front of the SSTable layer: an ordermap.Map of key to Entry, with
// byte-footprint accounting used to decide when to flush.
package memtable

import (
	"sync"

	"github.com/nexuslsm/lsmstore/core"
	"github.com/nexuslsm/lsmstore/ordermap"
)

// entryOverhead approximates the fixed cost of storing one entry beyond its
// key and value bytes (timestamp, tombstone flag, map bookkeeping).
const entryOverhead = 24

// MemTable is a single generation of the write buffer. Put/Delete/size
// accounting are safe for concurrent use; the returned Source snapshots are
// consistent point-in-time views built at request-time.
type MemTable struct {
	mu        sync.RWMutex
	data      *ordermap.Map[core.Entry]
	sizeLimit int64
	size      int64
}

// New creates an empty MemTable that reports full() once its footprint
// reaches sizeLimit bytes.
func New(sizeLimit int64) *MemTable {
	return &MemTable{data: ordermap.New[core.Entry](), sizeLimit: sizeLimit}
}

func footprint(key []byte, e core.Entry) int64 {
	return int64(len(key)+len(e.Value)) + entryOverhead
}

// Put inserts or overwrites key with value, refreshing its timestamp and
// clearing any tombstone. Size accounting subtracts the previous entry's
// footprint (if any) before adding the new one.
func (m *MemTable) Put(key, value []byte, timestampMs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, core.Entry{Value: value, TimestampMs: timestampMs, Tombstone: false})
}

// Delete writes a tombstone for key, shadowing any older version at read
// time until compaction drops it entirely.
func (m *MemTable) Delete(key []byte, timestampMs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, core.Entry{TimestampMs: timestampMs, Tombstone: true})
}

func (m *MemTable) setLocked(key []byte, e core.Entry) {
	if old, ok := m.data.Get(key); ok {
		m.size -= footprint(key, old)
	}
	m.size += footprint(key, e)
	keyCopy := append([]byte(nil), key...)
	m.data.Set(keyCopy, e)
}

// Get returns the entry for key, whether it is a live value or a tombstone.
func (m *MemTable) Get(key []byte) (core.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Get(key)
}

// Full reports whether the current footprint has reached the size limit.
func (m *MemTable) Full() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size >= m.sizeLimit
}

// Size returns the current tracked footprint in bytes.
func (m *MemTable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Len returns the number of distinct keys held (live entries and tombstones
// both count).
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// Clear resets the table to empty, dropping both the map and the size
// counter.
func (m *MemTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.Clear()
	m.size = 0
}

// GetAllSorted returns every entry in ascending key order, used when
// flushing an immutable MemTable to an SSTable.
func (m *MemTable) GetAllSorted() []ordermap.Pair[core.Entry] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.All()
}

// Range returns entries with keys in [start, end], ascending.
func (m *MemTable) Range(start, end []byte) []ordermap.Pair[core.Entry] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Range(start, end)
}

// Source adapts a point-in-time snapshot of the MemTable to core.Source,
// the shape the merge iterator consumes.
type Source struct {
	pairs []ordermap.Pair[core.Entry]
	pos   int
}

// NewSource snapshots the MemTable's current contents (optionally bounded
// to [start, end]) for use as one merge-iterator input.
func (m *MemTable) NewSource(start, end []byte) *Source {
	var pairs []ordermap.Pair[core.Entry]
	if start == nil && end == nil {
		pairs = m.GetAllSorted()
	} else {
		pairs = m.Range(start, end)
	}
	return &Source{pairs: pairs, pos: -1}
}

func (s *Source) Next() bool {
	s.pos++
	return s.pos < len(s.pairs)
}

func (s *Source) Key() []byte       { return s.pairs[s.pos].Key }
func (s *Source) Value() []byte     { return s.pairs[s.pos].Value.Value }
func (s *Source) Timestamp() uint64 { return s.pairs[s.pos].Value.TimestampMs }
func (s *Source) Tombstone() bool   { return s.pairs[s.pos].Value.Tombstone }
func (s *Source) Close() error      { return nil }

var _ core.Source = (*Source)(nil)
