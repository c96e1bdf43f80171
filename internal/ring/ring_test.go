package ring_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signalforge/signalbus/internal/ring"
)

// TestCyclicBufferScenario exercises the exact sequence from the dispatch
// engine's spec: capacity 3, add 0..3, remove the value 2, then resize to
// 6 while keeping what remains.
func TestCyclicBufferScenario(t *testing.T) {
	b := ring.New[int](3)
	for _, v := range []int{0, 1, 2, 3} {
		b.Add(v)
	}
	require.Equal(t, []int{1, 2, 3}, b.Items())

	removed := b.RemoveFunc(func(v int) bool { return v == 2 })
	require.True(t, removed)
	require.Equal(t, []int{1, 3}, b.Items())

	b.Resize(6)
	require.Equal(t, []int{1, 3}, b.Items())
	require.Equal(t, 6, b.Capacity())
}

func TestResizeShrinkKeepsNewest(t *testing.T) {
	b := ring.New[int](5)
	for _, v := range []int{10, 20, 30, 40, 50} {
		b.Add(v)
	}
	b.Resize(2)
	require.Equal(t, []int{40, 50}, b.Items())
	require.Equal(t, 2, b.Len())
}

func TestRemoveFuncMissingReturnsFalse(t *testing.T) {
	b := ring.New[int](3)
	b.Add(1)
	require.False(t, b.RemoveFunc(func(v int) bool { return v == 99 }))
}

func TestZeroCapacityRetainsNothing(t *testing.T) {
	b := ring.New[int](0)
	b.Add(1)
	b.Add(2)
	require.Equal(t, 0, b.Len())
	require.Empty(t, b.Items())
}

func TestAllIteratesOldestFirst(t *testing.T) {
	b := ring.New[int](3)
	for _, v := range []int{1, 2, 3} {
		b.Add(v)
	}

	var seen []int
	for v := range b.All() {
		seen = append(seen, v)
	}
	require.Equal(t, []int{1, 2, 3}, seen)
}

func TestAllStopsOnFalseYield(t *testing.T) {
	b := ring.New[int](5)
	for _, v := range []int{1, 2, 3, 4} {
		b.Add(v)
	}

	var seen []int
	for v := range b.All() {
		seen = append(seen, v)
		if v == 2 {
			break
		}
	}
	require.Equal(t, []int{1, 2}, seen)
}
