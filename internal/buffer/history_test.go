package buffer

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_Empty(t *testing.T) {
	h := NewHistory[int](4)

	_, ok := h.Latest()
	assert.False(t, ok)
	assert.Nil(t, h.Snapshot())
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 4, h.Cap())
}

func TestHistory_PushAndSnapshot(t *testing.T) {
	h := NewHistory[string](3)

	h.Push("a")
	h.Push("b")
	assert.Equal(t, []string{"a", "b"}, h.Snapshot())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, "b", latest)
}

func TestHistory_OverflowDiscardsOldest(t *testing.T) {
	h := NewHistory[int](3)

	for i := 1; i <= 5; i++ {
		h.Push(i)
	}

	assert.Equal(t, []int{3, 4, 5}, h.Snapshot())
	assert.Equal(t, 3, h.Len())

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, 5, latest)
}

func TestHistory_Clear(t *testing.T) {
	h := NewHistory[int](3)
	h.Push(1)
	h.Push(2)

	h.Clear()
	assert.Equal(t, 0, h.Len())
	_, ok := h.Latest()
	assert.False(t, ok)

	// Reusable after clearing.
	h.Push(9)
	assert.Equal(t, []int{9}, h.Snapshot())
}

func TestHistory_InvalidCapacityDefaultsToOne(t *testing.T) {
	h := NewHistory[int](0)
	assert.Equal(t, 1, h.Cap())

	h.Push(1)
	h.Push(2)
	assert.Equal(t, []int{2}, h.Snapshot())
}

func TestHistory_ConcurrentPush(t *testing.T) {
	h := NewHistory[int](64)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			h.Push(v)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 64, h.Len())
}

func TestHistory_SnapshotMatchesTailProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot equals the last min(n, cap) pushes in order", prop.ForAll(
		func(values []int, capacity int) bool {
			h := NewHistory[int](capacity)
			for _, v := range values {
				h.Push(v)
			}

			expected := values
			if len(expected) > h.Cap() {
				expected = expected[len(expected)-h.Cap():]
			}

			got := h.Snapshot()
			if len(got) != len(expected) {
				return false
			}
			for i := range got {
				if got[i] != expected[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int()),
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}
