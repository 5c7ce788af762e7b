package nettrans

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openrail/go-bidib/bidib"
)

func TestCheckSignature(t *testing.T) {
	tests := []struct {
		name string
		msg  *bidib.Message
		ok   bool
	}{
		{"own greeting", signatureMsg(), true},
		{"bare magic", localMsg(bidib.MsgLocalProtocolSig, []byte("BiDiB")...), true},
		{"foreign implementation", localMsg(bidib.MsgLocalProtocolSig, []byte("BiDiBwizard/2.0")...), true},
		{"wrong magic", localMsg(bidib.MsgLocalProtocolSig, []byte("HELLO")...), false},
		{"truncated", localMsg(bidib.MsgLocalProtocolSig, []byte("BiD")...), false},
		{"wrong type", localMsg(bidib.MsgLocalPing, []byte("BiDiB")...), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkSignature(tt.msg)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, errBadSignature)
			}
		})
	}
}

func TestLinkCodec(t *testing.T) {
	uid := bidib.UID{0x40, 0x00, 0x0D, 0x6B, 0x01, 0x02, 0x03}

	t.Run("uid descriptor round trip", func(t *testing.T) {
		m := uidDescriptor(uid)
		require.Equal(t, bidib.MsgLocalLink, m.Type)
		require.Equal(t, LinkDescriptorUID, m.Data[0])

		got, err := parseLinkUID(m.Data[1:])
		require.NoError(t, err)
		require.Equal(t, uid, got)
	})

	t.Run("short uid", func(t *testing.T) {
		_, err := parseLinkUID([]byte{1, 2, 3})
		require.ErrorIs(t, err, errShortLink)
	})

	t.Run("string descriptor round trip", func(t *testing.T) {
		m := stringDescriptor(LinkDescriptorUserString, "depot west")
		got, err := parseLinkString(m.Data[1:])
		require.NoError(t, err)
		require.Equal(t, "depot west", got)
	})

	t.Run("overlong string is clamped", func(t *testing.T) {
		long := "this user name certainly does not fit the wire format"
		m := stringDescriptor(LinkDescriptorUserString, long)
		got, err := parseLinkString(m.Data[1:])
		require.NoError(t, err)
		require.Equal(t, long[:bidib.MaxStringSize], got)
	})

	t.Run("lying length prefix", func(t *testing.T) {
		_, err := parseLinkString([]byte{10, 'a', 'b'})
		require.ErrorIs(t, err, errShortLink)
	})

	t.Run("pairing message carries both uids", func(t *testing.T) {
		m := pairingMsg(LinkPairingRequest, uid, ownUID)
		require.Equal(t, LinkPairingRequest, m.Data[0])
		require.Equal(t, uid[:], m.Data[1:1+bidib.UIDSize])
		require.Equal(t, ownUID[:], m.Data[1+bidib.UIDSize:])
	})
}
