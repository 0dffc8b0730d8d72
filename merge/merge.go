// Package merge implements the k-way merge iterator that unifies the
// active MemTable, the immutable MemTable (if any), and every live
// SSTable into a single ascending, deduplicated stream: exactly one
// emission per unique key, with the newest source winning.
package merge

import (
	"bytes"

	"github.com/nexuslsm/lsmstore/core"
	"github.com/nexuslsm/lsmstore/pqueue"
)

// cursor tracks one input source's current position. priority is the
// source's insertion index: 0 is the newest (active MemTable), higher
// numbers are progressively older (immutable MemTable, then SSTables
// newest-first).
type cursor struct {
	source   core.Source
	priority int
	valid    bool
}

func less(a, b *cursor) bool {
	c := bytes.Compare(a.source.Key(), b.source.Key())
	if c != 0 {
		return c < 0
	}
	return a.priority < b.priority
}

// Iterator yields {key, value, tombstone} in ascending key order, one
// emission per unique key, from the newest-priority source that has it.
type Iterator struct {
	heap             *pqueue.Heap[*cursor]
	filterTombstones bool

	curKey       []byte
	curValue     []byte
	curTombstone bool
}

// New builds a merge iterator over sources, in newest-to-oldest order
// (sources[0] is priority 0, the newest). If filterTombstones is true,
// keys whose winning version is a tombstone are skipped entirely instead
// of being emitted.
func New(sources []core.Source, filterTombstones bool) *Iterator {
	h := pqueue.New(less)
	for i, s := range sources {
		c := &cursor{source: s, priority: i}
		if c.source.Next() {
			c.valid = true
			h.Push(c)
		}
	}
	return &Iterator{heap: h, filterTombstones: filterTombstones}
}

// Next advances to the next unique key. It returns false once every source
// is exhausted.
func (it *Iterator) Next() bool {
	for {
		winner, ok := it.heap.PopMin()
		if !ok {
			return false
		}
		key := append([]byte(nil), winner.source.Key()...)
		value := append([]byte(nil), winner.source.Value()...)
		tombstone := winner.source.Tombstone()

		// Drain every other source currently positioned at the same key;
		// they are shadowed by the winner (lower priority number wins).
		for {
			next, ok := it.heap.PeekMin()
			if !ok || !bytes.Equal(next.source.Key(), key) {
				break
			}
			it.heap.PopMin()
			it.advance(next)
		}
		it.advance(winner)

		if tombstone && it.filterTombstones {
			continue
		}

		it.curKey, it.curValue, it.curTombstone = key, value, tombstone
		return true
	}
}

func (it *Iterator) advance(c *cursor) {
	if c.source.Next() {
		it.heap.Push(c)
	}
}

func (it *Iterator) Key() []byte     { return it.curKey }
func (it *Iterator) Value() []byte   { return it.curValue }
func (it *Iterator) Tombstone() bool { return it.curTombstone }

// Close closes every underlying source, collecting the first error.
func (it *Iterator) Close(sources []core.Source) error {
	var first error
	for _, s := range sources {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
