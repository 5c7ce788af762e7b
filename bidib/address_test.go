package bidib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressPackedForm(t *testing.T) {
	require := require.New(t)

	a := NewAddress(1, 2, 3)
	require.Equal(Address(0x01020300), a)
	require.Equal(3, a.Depth())
	require.Equal(uint8(1), a.Level(0))
	require.Equal(uint8(2), a.Level(1))
	require.Equal(uint8(3), a.Level(2))
	require.Equal(uint8(0), a.Level(3))
	require.Equal("1.2.3", a.String())

	require.Equal(0, SelfAddr.Depth())
	require.True(SelfAddr.IsSelf())
	require.Equal("self", SelfAddr.String())

	// a zero level terminates the stack early
	require.Equal(NewAddress(5), NewAddress(5, 0, 9))
}

func TestAddressEncodeDecode(t *testing.T) {
	require := require.New(t)

	t.Run("three levels", func(t *testing.T) {
		a := Address(0x01020300)
		wire := a.Encode(nil)
		require.Equal([]byte{1, 2, 3, 0}, wire)
		require.Equal(4, a.EncodedLen())

		decoded, n, err := DecodeAddress(wire)
		require.NoError(err)
		require.Equal(4, n)
		require.Equal(a, decoded)
	})

	t.Run("self is a single zero byte", func(t *testing.T) {
		wire := SelfAddr.Encode(nil)
		require.Equal([]byte{0}, wire)

		decoded, n, err := DecodeAddress(wire)
		require.NoError(err)
		require.Equal(1, n)
		require.True(decoded.IsSelf())
	})

	t.Run("full depth", func(t *testing.T) {
		a := NewAddress(9, 8, 7, 6)
		wire := a.Encode(nil)
		require.Len(wire, 5)

		decoded, n, err := DecodeAddress(wire)
		require.NoError(err)
		require.Equal(5, n)
		require.Equal(a, decoded)
	})

	t.Run("missing terminator", func(t *testing.T) {
		_, _, err := DecodeAddress([]byte{1, 2, 3, 4, 5})
		require.ErrorIs(err, ErrMalformedAddr)

		_, _, err = DecodeAddress([]byte{1, 2})
		require.ErrorIs(err, ErrMalformedAddr)

		_, _, err = DecodeAddress(nil)
		require.ErrorIs(err, ErrMalformedAddr)
	})
}

func TestAddressRelations(t *testing.T) {
	require := require.New(t)

	a := NewAddress(1, 2, 3)
	require.Equal(NewAddress(1, 2), a.Parent())
	require.Equal(SelfAddr, NewAddress(1).Parent())
	require.Equal(SelfAddr, SelfAddr.Parent())

	require.Equal(a, NewAddress(1, 2).Child(3))
	require.Equal(NewAddress(7), SelfAddr.Child(7))

	require.True(a.HasPrefix(NewAddress(1, 2)))
	require.True(a.HasPrefix(a))
	require.True(a.HasPrefix(SelfAddr))
	require.False(a.HasPrefix(NewAddress(2)))
}

func TestAddressAppend(t *testing.T) {
	require := require.New(t)

	// a bus layer attributes a local packet to the device at address 4
	require.Equal(NewAddress(4), SelfAddr.Append(4))
	require.Equal(NewAddress(4, 1, 2), NewAddress(1, 2).Append(4))

	// full stacks and zero levels are left unchanged
	full := NewAddress(1, 2, 3, 4)
	require.Equal(full, full.Append(9))
	require.Equal(NewAddress(1), NewAddress(1).Append(0))
}
