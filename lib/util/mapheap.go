package util

import (
	"container/heap"
	"strconv"
)

// Item is an entry of a MapHeap
type Item[V any] struct {
	Key      uint64 // unique identifier
	Priority uint64 // heap order, lowest first
	Value    V
	index    int
}

func (i *Item[V]) String() string {
	return "{Key: " + strconv.FormatUint(i.Key, 10) + ", Priority: " + strconv.FormatUint(i.Priority, 10) + "}"
}

// MapHeap is a min-heap that also indexes its items by key.
//
// Priority operations are O(log n), lookups by key are O(1). The change
// pipeline keeps out-of-order changes in it, keyed and prioritized by change id,
// so the head is always the next candidate for application.
//
// MapHeap is not safe for concurrent use.
type MapHeap[V any] struct {
	items    []*Item[V]
	itemsMap map[uint64]*Item[V]
}

// NewMapHeap creates an empty heap, ready to use without heap.Init
func NewMapHeap[V any]() *MapHeap[V] {
	return &MapHeap[V]{
		items:    make([]*Item[V], 0),
		itemsMap: make(map[uint64]*Item[V]),
	}
}

// Len is part of heap.Interface
func (h *MapHeap[V]) Len() int { return len(h.items) }

// Less is part of heap.Interface
func (h *MapHeap[V]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

// Swap is part of heap.Interface
func (h *MapHeap[V]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push is part of heap.Interface, use AddItem instead
func (h *MapHeap[V]) Push(x any) {
	it := x.(*Item[V])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

// Pop is part of heap.Interface, use PopItem instead
func (h *MapHeap[V]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// AddItem inserts a new item or updates priority and value of an existing one
func (h *MapHeap[V]) AddItem(key, priority uint64, value V) {
	if it, ok := h.itemsMap[key]; ok {
		it.Priority = priority
		it.Value = value
		heap.Fix(h, it.index)
		return
	}
	heap.Push(h, &Item[V]{Key: key, Priority: priority, Value: value})
}

// PopItem removes and returns the item with the lowest priority
func (h *MapHeap[V]) PopItem() (*Item[V], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*Item[V]), true
}

// RemoveByKey removes an item by its key
func (h *MapHeap[V]) RemoveByKey(key uint64) (V, bool) {
	it, ok := h.itemsMap[key]
	if !ok {
		var zero V
		return zero, false
	}
	heap.Remove(h, it.index)
	return it.Value, true
}

// Peek returns the item with the lowest priority without removing it
func (h *MapHeap[V]) Peek() (*Item[V], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// Contains checks if a key is queued
func (h *MapHeap[V]) Contains(key uint64) bool {
	_, ok := h.itemsMap[key]
	return ok
}

// GetByKey returns an item without removing it
func (h *MapHeap[V]) GetByKey(key uint64) (*Item[V], bool) {
	it, ok := h.itemsMap[key]
	return it, ok
}

// Each calls fn for every item in unspecified order
func (h *MapHeap[V]) Each(fn func(it *Item[V])) {
	for _, it := range h.items {
		fn(it)
	}
}
