package nettrans

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/openrail/go-bidib/bidib"
)

// minEnvelopeLen is the smallest valid length byte: an empty address stack
// terminator, the sequence number and the type.
const minEnvelopeLen = 3

// messageReader reads single message envelopes off a stream connection.
//
// Network framing is the bare bus envelope, concatenated without an outer
// length or CRC:
//
//	[LENGTH][ADDR_STACK...0][SEQ][MSG_TYPE][DATA...]
//
// The length byte is read without a deadline so sessions may idle; once it
// arrived the body must follow within the read timeout.
//
// messageReader is not goroutine-safe; one session has exactly one reader.
type messageReader struct {
	readTimeout time.Duration
	buf         [bidib.MaxMsgSize]byte
}

// ReadMessage reads and decodes one message envelope from conn.
func (mr *messageReader) ReadMessage(conn net.Conn) (*bidib.Message, error) {
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear read deadline: %w", err)
	}

	if _, err := io.ReadFull(conn, mr.buf[:1]); err != nil {
		return nil, fmt.Errorf("read message length: %w", err)
	}

	length := int(mr.buf[0])
	if length < minEnvelopeLen || length >= bidib.MaxMsgSize {
		return nil, fmt.Errorf("message length %d outside [%d, %d)", length, minEnvelopeLen, bidib.MaxMsgSize)
	}

	if err := conn.SetReadDeadline(time.Now().Add(mr.readTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	if _, err := io.ReadFull(conn, mr.buf[1:1+length]); err != nil {
		return nil, fmt.Errorf("read message body: %w", err)
	}

	msgs, err := bidib.Unpack(mr.buf[:1+length], bidib.SelfAddr)
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if len(msgs) != 1 {
		return nil, fmt.Errorf("expected one message, got %d", len(msgs))
	}

	return msgs[0], nil
}
