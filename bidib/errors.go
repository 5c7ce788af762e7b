package bidib

import "errors"

var (
	// ErrMalformedAddr indicates an address stack without a terminator within
	// the allowed depth.
	ErrMalformedAddr = errors.New("bidib: malformed address stack")

	// ErrMalformedPacket indicates a packet whose length fields do not add up;
	// unpacking stops and the remaining tail is discarded.
	ErrMalformedPacket = errors.New("bidib: malformed packet")

	// ErrMsgTooLarge indicates a message whose data exceeds MaxDataSize.
	ErrMsgTooLarge = errors.New("bidib: message data too large")

	// ErrInvalidUID indicates a byte slice that is not a valid 7-byte UID.
	ErrInvalidUID = errors.New("bidib: invalid unique ID")
)

// Error codes reported upstream in MSG_SYS_ERROR. The bus loop counts these
// and reports them through the event collaborator; none of them is fatal.
const (
	ErrCodeNone     uint8 = 0x00
	ErrCodeTxt      uint8 = 0x01
	ErrCodeCRC      uint8 = 0x03
	ErrCodeSize     uint8 = 0x04
	ErrCodeSequence uint8 = 0x05
	ErrCodeParity   uint8 = 0x06
	ErrCodeTimeout  uint8 = 0x07
	ErrCodeBusy     uint8 = 0x81
	ErrCodeOverrun  uint8 = 0x82
	ErrCodeSubCRC   uint8 = 0x84
	ErrCodeSubTime  uint8 = 0x85
	ErrCodeSubPkt   uint8 = 0x86
)
