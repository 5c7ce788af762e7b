package serial

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openrail/go-bidib/bidib"
)

func TestCRC8(t *testing.T) {
	t.Run("residue zero over payload plus crc", func(t *testing.T) {
		data := []byte{0x0B, 0x00, 0x01, 0x86, 0xAF, 0xFE}
		withCRC := append(append([]byte{}, data...), CRC8(data))
		require.Zero(t, CRC8(withCRC))
	})

	t.Run("single byte", func(t *testing.T) {
		// 0x01 through the reflected 0x8C table
		require.Equal(t, uint8(0x5E), CRC8([]byte{0x01}))
	})

	t.Run("empty input", func(t *testing.T) {
		require.Zero(t, CRC8(nil))
	})
}

func TestBuildVerifyPacket(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		payload := []byte{4, 0, 1, 0x86, 0xFE}
		pkt, err := BuildPacket(payload)
		require.NoError(t, err)
		require.Len(t, pkt, len(payload)+2)
		require.Equal(t, byte(len(payload)), pkt[0])

		got, err := VerifyPacket(pkt)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	})

	t.Run("corrupted byte fails crc", func(t *testing.T) {
		pkt, err := BuildPacket([]byte{4, 0, 1, 0x86, 0xFE})
		require.NoError(t, err)

		pkt[2] ^= 0x40
		_, err = VerifyPacket(pkt)
		require.ErrorIs(t, err, ErrCRCMismatch)
	})

	t.Run("length mismatch", func(t *testing.T) {
		pkt, err := BuildPacket([]byte{4, 0, 1, 0x86, 0xFE})
		require.NoError(t, err)

		_, err = VerifyPacket(pkt[:len(pkt)-1])
		require.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("oversized payload rejected", func(t *testing.T) {
		_, err := BuildPacket(make([]byte, MaxPacketPayload+1))
		require.ErrorIs(t, err, ErrLengthMismatch)
	})
}

func TestPollToken(t *testing.T) {
	require.Equal(t, byte(0x80), pollToken(0))
	require.Equal(t, byte(0x81), pollToken(1))
	require.Equal(t, byte(0xBF), pollToken(63))
}

func TestLogonReply(t *testing.T) {
	uid := bidib.UID{0x81, 0x00, 0x0D, 0x68, 0x00, 0x01, 0x02}

	t.Run("round trip", func(t *testing.T) {
		raw := BuildLogonReply(uid)
		require.Len(t, raw, LogonReplySize)

		got, err := ParseLogonReply(raw)
		require.NoError(t, err)
		require.Equal(t, uid, got)
	})

	t.Run("truncated is a collision", func(t *testing.T) {
		raw := BuildLogonReply(uid)
		_, err := ParseLogonReply(raw[:LogonReplySize-1])
		require.Error(t, err)
	})

	t.Run("flipped bit is a collision", func(t *testing.T) {
		raw := BuildLogonReply(uid)
		raw[5] ^= 0x01
		_, err := ParseLogonReply(raw)
		require.Error(t, err)
	})

	t.Run("wrong message type is a collision", func(t *testing.T) {
		msg := bidib.Message{Addr: bidib.SelfAddr, Type: bidib.MsgLocalPong, Data: uid[:]}
		payload, err := msg.Pack(nil)
		require.NoError(t, err)
		pkt, err := BuildPacket(payload)
		require.NoError(t, err)

		_, err = ParseLogonReply(pkt)
		require.Error(t, err)
	})
}
