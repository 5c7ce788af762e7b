package serial

import (
	"fmt"

	"github.com/openrail/go-bidib/bidib"
)

// Bus packet framing: [P_LEN][message...][CRC8]. P_LEN excludes itself and
// the CRC byte. The first byte of a poll response distinguishes control
// replies from packets: values 0-3 are reserved control replies, anything
// else is a real length.
const (
	// ReplyReady is sent by a polled node that has nothing to transmit.
	ReplyReady byte = 0
	// ReplyBusy is sent by a polled node that cannot answer right now.
	ReplyBusy byte = 1

	// minPacketLen is the smallest real length value; smaller first bytes
	// are control replies.
	minPacketLen = 4

	// MaxPacketPayload is the maximum value of P_LEN.
	MaxPacketPayload = 250
)

// Token bytes the master places on the idle line. The top bit marks a
// token; data bytes inside a packet are only ever read after a length
// byte, so the ranges cannot be confused.
const (
	// tokenPoll ORed with a bus address polls that node.
	tokenPoll byte = 0x80
	// TokenLogon invites not-yet-addressed devices to claim an address.
	TokenLogon byte = 0xFE
)

// pollToken returns the poll token for a bus address (1..63). Address 0
// polls "self": the master's own transmit slot.
func pollToken(addr uint8) byte {
	return tokenPoll | (addr & 0x3F)
}

// BuildPacket frames the already-packed message bytes into a wire packet.
func BuildPacket(payload []byte) ([]byte, error) {
	if len(payload) > MaxPacketPayload {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrLengthMismatch, len(payload))
	}

	pkt := make([]byte, 0, len(payload)+2)
	pkt = append(pkt, byte(len(payload)))
	pkt = append(pkt, payload...)
	pkt = append(pkt, CRC8(pkt))

	return pkt, nil
}

// VerifyPacket checks the framed packet: length consistency and the CRC
// property that the checksum over payload plus CRC evaluates to zero. It
// returns the payload (without length byte and CRC).
func VerifyPacket(pkt []byte) ([]byte, error) {
	if len(pkt) < 2 {
		return nil, fmt.Errorf("%w: packet of %d bytes", ErrLengthMismatch, len(pkt))
	}

	plen := int(pkt[0])
	if plen != len(pkt)-2 {
		return nil, fmt.Errorf("%w: P_LEN %d for %d wire bytes", ErrLengthMismatch, plen, len(pkt))
	}

	if CRC8(pkt) != 0 {
		return nil, fmt.Errorf("%w: residue 0x%02X", ErrCRCMismatch, CRC8(pkt))
	}

	return pkt[1 : len(pkt)-1], nil
}

// LogonReplySize is the exact size of a LOGON response on the wire: a
// packet carrying one MSG_LOCAL_LOGON message with an empty address stack,
// sequence 0 and the 7-byte UID. A device answering a LOGON token holds no
// bus address yet, so there is no control-byte exchange; the packet starts
// immediately.
//
//	[P_LEN][MSG_LEN][0][0][MSG_LOCAL_LOGON][UID x7][CRC]
const LogonReplySize = 2 + 1 + 1 + 1 + bidib.UIDSize + 1

// BuildLogonReply frames the LOGON response a joining device sends. Only
// tests and device simulators call this; the master parses it.
func BuildLogonReply(uid bidib.UID) []byte {
	msg := bidib.Message{Addr: bidib.SelfAddr, Type: bidib.MsgLocalLogonUp, Data: uid[:]}
	payload, _ := msg.Pack(nil)
	pkt, _ := BuildPacket(payload)

	return pkt
}

// ParseLogonReply validates a complete 13-byte LOGON response and extracts
// the advertised UID. Any deviation (size, framing, CRC, message type)
// classifies the response as a collision.
func ParseLogonReply(raw []byte) (bidib.UID, error) {
	var uid bidib.UID

	if len(raw) != LogonReplySize {
		return uid, fmt.Errorf("%w: logon reply of %d bytes", ErrLengthMismatch, len(raw))
	}

	payload, err := VerifyPacket(raw)
	if err != nil {
		return uid, err
	}

	msgs, err := bidib.Unpack(payload, bidib.SelfAddr)
	if err != nil {
		return uid, err
	}
	if len(msgs) != 1 {
		return uid, fmt.Errorf("%w: %d messages in logon reply", ErrLengthMismatch, len(msgs))
	}

	m := msgs[0]
	if m.Type != bidib.MsgLocalLogonUp || m.Seq != 0 || !m.Addr.IsSelf() {
		return uid, fmt.Errorf("%w: unexpected logon message %v", ErrLengthMismatch, m.Type)
	}

	return bidib.ParseUID(m.Data)
}
