package util

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapHeapAddAndPeek(t *testing.T) {
	mh := NewMapHeap[string]()
	assert.Equal(t, 0, mh.Len())

	mh.AddItem(1, 100, "a")
	mh.AddItem(2, 200, "b")
	mh.AddItem(3, 50, "c")

	require.Equal(t, 3, mh.Len())
	assert.True(t, mh.Contains(1))
	assert.True(t, mh.Contains(3))
	assert.False(t, mh.Contains(4))

	it, ok := mh.Peek()
	require.True(t, ok)
	assert.Equal(t, uint64(3), it.Key)
	assert.Equal(t, "c", it.Value)
}

func TestMapHeapUpdate(t *testing.T) {
	mh := NewMapHeap[int]()
	mh.AddItem(1, 100, 1)
	mh.AddItem(2, 200, 2)

	// raising the priority of the head moves it back
	mh.AddItem(1, 300, 10)
	it, ok := mh.GetByKey(1)
	require.True(t, ok)
	assert.Equal(t, uint64(300), it.Priority)
	assert.Equal(t, 10, it.Value)

	head, _ := mh.Peek()
	assert.Equal(t, uint64(2), head.Key)

	mh.AddItem(2, 50, 2)
	head, _ = mh.Peek()
	assert.Equal(t, uint64(50), head.Priority)
}

func TestMapHeapRemoveByKey(t *testing.T) {
	mh := NewMapHeap[string]()
	mh.AddItem(1, 100, "a")
	mh.AddItem(2, 200, "b")
	mh.AddItem(3, 300, "c")

	v, ok := mh.RemoveByKey(2)
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Equal(t, 2, mh.Len())
	assert.False(t, mh.Contains(2))

	_, ok = mh.RemoveByKey(99)
	assert.False(t, ok)
}

func TestMapHeapPopOrder(t *testing.T) {
	mh := NewMapHeap[uint64]()
	keys := []uint64{5, 3, 1, 4, 2, 9, 7}
	for _, k := range keys {
		mh.AddItem(k, k*10, k)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, want := range keys {
		it, ok := mh.PopItem()
		require.True(t, ok)
		assert.Equal(t, want, it.Key)
		assert.Equal(t, want, it.Value)
	}

	_, ok := mh.PopItem()
	assert.False(t, ok)
	_, ok = mh.Peek()
	assert.False(t, ok)
}

func TestMapHeapEach(t *testing.T) {
	mh := NewMapHeap[int]()
	for i := 1; i <= 5; i++ {
		mh.AddItem(uint64(i), uint64(i), i)
	}
	sum := 0
	mh.Each(func(it *Item[int]) { sum += it.Value })
	assert.Equal(t, 15, sum)
}
