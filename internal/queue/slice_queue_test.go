package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceQueue(t *testing.T) {
	t.Run("fifo order", func(t *testing.T) {
		q := NewSliceQueue[int](4)
		require.True(t, q.IsEmpty())

		q.Enqueue(1)
		q.Enqueue(2)
		q.Enqueue(3)
		require.Equal(t, 3, q.Length())

		for want := 1; want <= 3; want++ {
			got, ok := q.Dequeue()
			require.True(t, ok)
			require.Equal(t, want, got)
		}
		require.True(t, q.IsEmpty())
	})

	t.Run("dequeue empty", func(t *testing.T) {
		q := NewSliceQueue[string](0)
		got, ok := q.Dequeue()
		require.False(t, ok)
		require.Empty(t, got)
	})

	t.Run("peek does not consume", func(t *testing.T) {
		q := NewSliceQueue[int](1)
		_, ok := q.Peek()
		require.False(t, ok)

		q.Enqueue(7)
		got, ok := q.Peek()
		require.True(t, ok)
		require.Equal(t, 7, got)
		require.Equal(t, 1, q.Length())
	})

	t.Run("reset empties", func(t *testing.T) {
		q := NewSliceQueue[int](2)
		q.Enqueue(1)
		q.Enqueue(2)
		q.Reset()

		require.True(t, q.IsEmpty())
		_, ok := q.Dequeue()
		require.False(t, ok)

		q.Enqueue(9)
		got, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, 9, got)
	})

	t.Run("grows past preallocation", func(t *testing.T) {
		q := NewSliceQueue[int](1)
		for i := 0; i < 100; i++ {
			q.Enqueue(i)
		}
		require.Equal(t, 100, q.Length())

		got, ok := q.Dequeue()
		require.True(t, ok)
		require.Zero(t, got)
	})
}
