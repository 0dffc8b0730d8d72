// Package ordermap implements the ordered in-memory map: an O(log n)
// keyed store with ascending iteration and bounded range scan, backed by a
// skip list so mutation and iteration stay balanced without manual rotation
// bookkeeping.
package ordermap

import (
	"bytes"

	"github.com/INLOpen/skiplist"
)

// Map is a balanced ordered map keyed by a byte-string, iterating in
// lexicographic order. It is not safe for concurrent mutation; callers that
// need concurrent access (memtable) add their own locking around it.
type Map[V any] struct {
	list *skiplist.SkipList[[]byte, V]
}

func compareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// New creates an empty ordered map.
func New[V any]() *Map[V] {
	return &Map[V]{
		list: skiplist.NewWithComparator[[]byte, V](compareKeys),
	}
}

// Set inserts or overwrites the value for key.
func (m *Map[V]) Set(key []byte, value V) {
	m.list.Insert(key, value)
}

// Get returns the value for key and whether it was present.
func (m *Map[V]) Get(key []byte) (V, bool) {
	node, ok := m.list.Seek(key)
	if ok {
		nodeKey := node.Key()
		if bytes.Equal(nodeKey, key) {
			return node.Value(), true
		}
	}
	var zero V
	return zero, false
}

// Has reports whether key is present.
func (m *Map[V]) Has(key []byte) bool {
	_, ok := m.Get(key)
	return ok
}

// Remove deletes key, reporting whether it was present.
func (m *Map[V]) Remove(key []byte) bool {
	return m.list.Delete(key)
}

// Clear empties the map.
func (m *Map[V]) Clear() {
	m.list = skiplist.NewWithComparator[[]byte, V](compareKeys)
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	return m.list.Len()
}

// Pair is a single key/value observed during iteration.
type Pair[V any] struct {
	Key   []byte
	Value V
}

// All returns every entry in ascending key order.
func (m *Map[V]) All() []Pair[V] {
	out := make([]Pair[V], 0, m.list.Len())
	iter := m.list.NewIterator()
	for iter.Next() {
		out = append(out, Pair[V]{Key: iter.Key(), Value: iter.Value()})
	}
	return out
}

// Range returns every entry with start <= key <= end (half-closed-inclusive
// per the spec: both bounds are inclusive), in ascending order. The scan
// walks from the first key and stops past end, so it is O(n) in the worst
// case. A nil start means "from the first key"; a nil end means "to the last
// key".
func (m *Map[V]) Range(start, end []byte) []Pair[V] {
	var out []Pair[V]
	iter := m.list.NewIterator()
	for iter.Next() {
		k := iter.Key()
		if start != nil && bytes.Compare(k, start) < 0 {
			continue
		}
		if end != nil && bytes.Compare(k, end) > 0 {
			break
		}
		out = append(out, Pair[V]{Key: k, Value: iter.Value()})
	}
	return out
}
