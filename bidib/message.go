package bidib

import (
	"bytes"
	"fmt"
)

// MaxDataSize is the maximum number of data bytes in one message.
const MaxDataSize = 127

// MaxMsgSize is the maximum wire size of one message including the length byte.
const MaxMsgSize = 1 + MaxAddressDepth + 1 + 1 + 1 + MaxDataSize

// Message is one BiDiB message: an address stack locating the target (or
// origin) node, a per-node sequence number, a type and up to 127 data bytes.
//
// Seq 0 is reserved for broadcast and link-local messages, which are not
// sequence-tracked. Producers hand messages off by value of the slice that
// carries them; a message is consumed by exactly one transport write.
type Message struct {
	Addr Address
	Seq  uint8
	Type MsgType
	Data []byte
}

// NewMessage builds a message for the given target with sequence 0.
// The sequence number is assigned by the sending layer at transmit time.
func NewMessage(addr Address, t MsgType, data ...byte) *Message {
	return &Message{Addr: addr, Type: t, Data: data}
}

// Size returns the wire size of the message excluding the length byte:
// address stack (with terminator) + seq + type + data.
func (m *Message) Size() int {
	return m.Addr.EncodedLen() + 2 + len(m.Data)
}

// WireSize returns the full wire size including the length byte.
func (m *Message) WireSize() int { return m.Size() + 1 }

// Pack appends the wire form of the message to dst:
//
//	[LENGTH][ADDR_STACK...0][SEQ][MSG_TYPE][DATA...]
//
// It returns an error if the data exceeds MaxDataSize.
func (m *Message) Pack(dst []byte) ([]byte, error) {
	if len(m.Data) > MaxDataSize {
		return dst, fmt.Errorf("%w: %d data bytes", ErrMsgTooLarge, len(m.Data))
	}

	dst = append(dst, byte(m.Size()))
	dst = m.Addr.Encode(dst)
	dst = append(dst, m.Seq, byte(m.Type))
	dst = append(dst, m.Data...)

	return dst, nil
}

// Equal reports whether two messages are identical in address, sequence,
// type and data.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}

	return m.Addr == o.Addr && m.Seq == o.Seq && m.Type == o.Type &&
		bytes.Equal(m.Data, o.Data)
}

// String renders a short human-readable form for logging.
func (m *Message) String() string {
	return fmt.Sprintf("%s seq=%d type=0x%02X len=%d", m.Addr, m.Seq, m.Type, len(m.Data))
}

// PackAll greedily packs messages into dst until the next message would
// exceed maxLen bytes of total output. It returns the extended buffer and
// the number of messages consumed.
func PackAll(msgs []*Message, dst []byte, maxLen int) ([]byte, int, error) {
	packed := 0
	for _, m := range msgs {
		if len(dst)+m.WireSize() > maxLen {
			break
		}

		var err error
		dst, err = m.Pack(dst)
		if err != nil {
			return dst, packed, err
		}
		packed++
	}

	return dst, packed, nil
}

// Unpack splits a buffer of concatenated messages into a message list.
//
// origin is prefixed onto each decoded address stack; a lower bus layer uses
// this to attribute a packet to the local address of the device it came
// from. Pass SelfAddr when no attribution is needed.
//
// A malformed length field aborts unpacking: the messages decoded so far are
// returned together with ErrMalformedPacket for the unparsed tail.
func Unpack(data []byte, origin Address) ([]*Message, error) {
	var msgs []*Message

	for off := 0; off < len(data); {
		length := int(data[off])
		// Minimum message: empty stack terminator + seq + type.
		if length < 3 || length >= MaxMsgSize || off+1+length > len(data) {
			return msgs, fmt.Errorf("%w: length %d at offset %d", ErrMalformedPacket, length, off)
		}

		body := data[off+1 : off+1+length]

		addr, n, err := DecodeAddress(body)
		if err != nil {
			return msgs, fmt.Errorf("%w: %w at offset %d", ErrMalformedPacket, err, off)
		}
		if len(body)-n < 2 || len(body)-n-2 > MaxDataSize {
			return msgs, fmt.Errorf("%w: invalid message body at offset %d", ErrMalformedPacket, off)
		}

		msg := &Message{
			Addr: addr,
			Seq:  body[n],
			Type: MsgType(body[n+1]),
		}
		if payload := body[n+2:]; len(payload) > 0 {
			msg.Data = make([]byte, len(payload))
			copy(msg.Data, payload)
		}

		for i := origin.Depth() - 1; i >= 0; i-- {
			msg.Addr = msg.Addr.Append(origin.Level(i))
		}

		msgs = append(msgs, msg)
		off += 1 + length
	}

	return msgs, nil
}
