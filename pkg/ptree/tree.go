// Package ptree provides the generic key-ordered tree collaborator that
// spec.md §6 describes as an external, interchangeable dependency: ordered
// lookup (LE, GE, EQ), single-step prev/next probes from a missed EQ, and
// insert/upsert/delete with in-place values.
//
// The concrete backing structure is github.com/google/btree, the ordered
// tree library already required by the teacher's go.mod. Every persistent
// and in-memory index in package vea (offset-keyed free tree, size-keyed
// sized-class tree, offset-keyed bitmap tree, per-chunk and per-instance
// aging trees) is one ptree.Tree instance.
package ptree

import (
	"github.com/google/btree"
)

const degree = 32

// Ordered is the key constraint: anything google/btree's generic tree can
// compare with plain "<". Block offsets and counts (uint64/uint32) and
// uint64 hint ids all satisfy it.
type Ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64 | ~string
}

// Tree is an ordered map keyed by K, values stored by copy (callers that
// need in-place mutation of a value should store a pointer type as V).
type Tree[K Ordered, V any] struct {
	bt *btree.BTreeG[item[K, V]]
}

type item[K Ordered, V any] struct {
	key K
	val V
}

func less[K Ordered, V any](a, b item[K, V]) bool {
	return a.key < b.key
}

// New returns an empty tree.
func New[K Ordered, V any]() *Tree[K, V] {
	return &Tree[K, V]{bt: btree.NewG[item[K, V]](degree, less[K, V])}
}

// Len reports the number of entries.
func (t *Tree[K, V]) Len() int { return t.bt.Len() }

// Get performs an EQ probe.
func (t *Tree[K, V]) Get(k K) (V, bool) {
	it, ok := t.bt.Get(item[K, V]{key: k})
	return it.val, ok
}

// LE performs a "less than or equal" probe: the entry with the greatest
// key <= k, or ok=false if none exists.
func (t *Tree[K, V]) LE(k K) (key K, val V, ok bool) {
	t.bt.DescendLessOrEqual(item[K, V]{key: k}, func(it item[K, V]) bool {
		key, val, ok = it.key, it.val, true
		return false
	})
	return
}

// GE performs a "greater than or equal" probe: the entry with the least
// key >= k, or ok=false if none exists.
func (t *Tree[K, V]) GE(k K) (key K, val V, ok bool) {
	t.bt.AscendGreaterOrEqual(item[K, V]{key: k}, func(it item[K, V]) bool {
		key, val, ok = it.key, it.val, true
		return false
	})
	return
}

// Prev returns the entry with the greatest key strictly less than k. Used
// after a missed EQ probe at k to find the left merge neighbor.
func (t *Tree[K, V]) Prev(k K) (key K, val V, ok bool) {
	t.bt.DescendLessOrEqual(item[K, V]{key: k}, func(it item[K, V]) bool {
		if it.key == k {
			return true // keep descending past an exact (shouldn't happen post-EQ-miss)
		}
		key, val, ok = it.key, it.val, true
		return false
	})
	return
}

// Next returns the entry with the least key strictly greater than k.
func (t *Tree[K, V]) Next(k K) (key K, val V, ok bool) {
	t.bt.AscendGreaterOrEqual(item[K, V]{key: k}, func(it item[K, V]) bool {
		if it.key == k {
			return true
		}
		key, val, ok = it.key, it.val, true
		return false
	})
	return
}

// Min returns the smallest-keyed entry.
func (t *Tree[K, V]) Min() (key K, val V, ok bool) {
	it, ok := t.bt.Min()
	return it.key, it.val, ok
}

// Upsert inserts or replaces the value at k, returning the previous value
// if one existed.
func (t *Tree[K, V]) Upsert(k K, v V) (old V, existed bool) {
	prev, existed := t.bt.ReplaceOrInsert(item[K, V]{key: k, val: v})
	return prev.val, existed
}

// Delete removes the entry at k, reporting whether it existed.
func (t *Tree[K, V]) Delete(k K) (old V, existed bool) {
	it, existed := t.bt.Delete(item[K, V]{key: k})
	return it.val, existed
}

// Ascend visits every entry in ascending key order until fn returns false.
func (t *Tree[K, V]) Ascend(fn func(k K, v V) bool) {
	t.bt.Ascend(func(it item[K, V]) bool {
		return fn(it.key, it.val)
	})
}
