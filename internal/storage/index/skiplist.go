// Package index holds the ordered in-memory primary index of a collection.
package index

import (
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

type node[V any] struct {
	key     string
	value   V
	forward []*node[V]
}

// SkipList is an ordered map from document key to V. It is not safe for
// concurrent use; the owning collection guards it with its read-mostly lock.
type SkipList[V any] struct {
	head  *node[V]
	level int
	size  int
	rnd   *rand.Rand
}

// NewSkipList creates an empty skip list
func NewSkipList[V any]() *SkipList[V] {
	return &SkipList[V]{
		head: &node[V]{forward: make([]*node[V], MaxLevel)},
		rnd:  rand.New(rand.NewSource(rand.Int63())),
	}
}

func (sl *SkipList[V]) randomLevel() int {
	level := 0
	for sl.rnd.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node before key on every
// level and returns the candidate node at level 0.
func (sl *SkipList[V]) findPredecessors(key string, update []*node[V]) *node[V] {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.forward[0]
}

// Put adds or replaces the value stored under key
func (sl *SkipList[V]) Put(key string, value V) {
	update := make([]*node[V], MaxLevel)
	candidate := sl.findPredecessors(key, update)
	if candidate != nil && candidate.key == key {
		candidate.value = value
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node[V]{
		key:     key,
		value:   value,
		forward: make([]*node[V], newLevel+1),
	}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
}

// Get returns the value stored under key
func (sl *SkipList[V]) Get(key string) (V, bool) {
	candidate := sl.findPredecessors(key, nil)
	if candidate != nil && candidate.key == key {
		return candidate.value, true
	}
	var zero V
	return zero, false
}

// Delete removes key and reports whether it was present
func (sl *SkipList[V]) Delete(key string) bool {
	update := make([]*node[V], MaxLevel)
	candidate := sl.findPredecessors(key, update)
	if candidate == nil || candidate.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != candidate {
			break
		}
		update[i].forward[i] = candidate.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// Len returns the number of keys
func (sl *SkipList[V]) Len() int {
	return sl.size
}

// Ascend calls fn for every entry in key order until fn returns false
func (sl *SkipList[V]) Ascend(fn func(key string, value V) bool) {
	for n := sl.head.forward[0]; n != nil; n = n.forward[0] {
		if !fn(n.key, n.value) {
			return
		}
	}
}

// Iterator returns an iterator positioned before the first entry
func (sl *SkipList[V]) Iterator() *Iterator[V] {
	return &Iterator[V]{current: sl.head}
}

// Iterator walks skip list entries in key order
type Iterator[V any] struct {
	current *node[V]
}

// Next moves to the next element
func (it *Iterator[V]) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *Iterator[V]) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.key
}

// Value returns the current value
func (it *Iterator[V]) Value() V {
	if it.current == nil {
		var zero V
		return zero
	}
	return it.current.value
}
