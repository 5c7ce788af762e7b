package bidib

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUIDFields(t *testing.T) {
	require := require.New(t)

	uid, err := ParseUID([]byte{0xD0, 0x00, 0x0D, 0x68, 0x00, 0x01, 0x00})
	require.NoError(err)
	require.Equal(uint8(0xD0), uid.Class())
	require.Equal(uint8(0x0D), uid.VendorID())
	require.Equal(uint8(0x68), uid.ProductID())
	require.Equal(uint32(0x000100), uid.Serial())
	require.Equal("V 0D P 68000100", uid.String())

	_, err = ParseUID([]byte{1, 2, 3})
	require.ErrorIs(err, ErrInvalidUID)
}

func TestUIDClassBits(t *testing.T) {
	require := require.New(t)

	uid := UID{ClassBridge | ClassOccupancy | ClassDCCMain}
	require.True(uid.IsBridge())
	require.True(uid.HasOccupancy())
	require.True(uid.HasClass(ClassBridge|ClassOccupancy))
	require.False(uid.HasClass(ClassBooster))
	require.False(uid.HasClass(ClassBridge|ClassBooster))

	require.False(UID{}.IsBridge())
	require.False(UID{}.HasOccupancy())
}

func TestShortUID(t *testing.T) {
	require := require.New(t)

	a := UID{0xD0, 0x00, 0x0D, 0x68, 0x00, 0x01, 0x00}
	b := UID{0x40, 0x01, 0x0D, 0x68, 0x00, 0x01, 0x00}

	// class bytes do not contribute to the short form
	require.Equal(a.Short(), b.Short())
	require.Equal(ShortUID{0x0D, 0x68, 0x00, 0x01, 0x00}, a.Short())
	require.Equal("0D68000100", a.Short().String())
}
