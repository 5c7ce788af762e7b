package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedbackSpace(t *testing.T) {
	t.Run("grow returns the previous size as base", func(t *testing.T) {
		f := NewFeedbackSpace()
		require.Zero(t, f.Size())

		require.Equal(t, 0, f.Grow(FeedbackGroupBits))
		require.Equal(t, FeedbackGroupBits, f.Grow(FeedbackGroupBits))
		require.Equal(t, 2*FeedbackGroupBits, f.Size())
	})

	t.Run("reserve extends without moving existing bases", func(t *testing.T) {
		f := NewFeedbackSpace()
		f.Reserve(200)
		require.Equal(t, 200, f.Size())

		f.Reserve(100)
		require.Equal(t, 200, f.Size(), "shrinking is not a thing")
	})

	t.Run("set reports changes only", func(t *testing.T) {
		f := NewFeedbackSpace()
		f.Reserve(64)

		require.True(t, f.Set(10, true))
		require.False(t, f.Set(10, true))
		require.True(t, f.Get(10))

		require.True(t, f.Set(10, false))
		require.False(t, f.Get(10))
	})

	t.Run("out of range is ignored", func(t *testing.T) {
		f := NewFeedbackSpace()
		f.Reserve(8)

		require.False(t, f.Set(8, true))
		require.False(t, f.Set(-1, true))
		require.False(t, f.Get(100))
	})

	t.Run("range packs bits lsb first", func(t *testing.T) {
		f := NewFeedbackSpace()
		f.Reserve(128)

		f.Set(0, true)
		f.Set(9, true)
		f.Set(64, true)

		bits := f.Range(0, 16)
		require.Equal(t, []byte{0x01, 0x02}, bits)

		bits = f.Range(64, 8)
		require.Equal(t, []byte{0x01}, bits)
	})

	t.Run("range clips to the space", func(t *testing.T) {
		f := NewFeedbackSpace()
		f.Reserve(4)
		f.Set(3, true)

		require.Equal(t, []byte{0x08}, f.Range(0, 8))
	})
}
