package bidib

import (
	"encoding/binary"
	"fmt"
)

// UIDSize is the size of a BiDiB unique identifier in bytes.
const UIDSize = 7

// ShortUIDSize is the size of a UID with the two class bytes stripped.
const ShortUIDSize = 5

// Class bits of UID byte 0. A device advertises its capabilities by setting
// the corresponding bits; the bring-up machine and the virtual-node factory
// branch on them.
const (
	ClassSwitch    uint8 = 1 << 0 // switching outputs (ports)
	ClassBooster   uint8 = 1 << 1 // track power booster
	ClassAccessory uint8 = 1 << 2 // accessory objects
	ClassDCCProg   uint8 = 1 << 3 // DCC programming track generator
	ClassDCCMain   uint8 = 1 << 4 // DCC main track generator (command station)
	ClassUI        uint8 = 1 << 5 // user interface
	ClassOccupancy uint8 = 1 << 6 // occupancy (feedback) detector
	ClassBridge    uint8 = 1 << 7 // hosts child nodes (sub-bus)
)

// UID is the 7-byte globally unique BiDiB device identifier:
//
//	[class][extended class][vendor][product lo][product hi | serial...]
//
// Byte 0 carries the class bits, byte 1 the extended class, byte 2 the
// vendor ID, byte 3 the product ID and bytes 4-6 the serial number.
type UID [UIDSize]byte

// ParseUID builds a UID from a 7-byte slice.
func ParseUID(b []byte) (UID, error) {
	var uid UID
	if len(b) != UIDSize {
		return uid, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidUID, len(b), UIDSize)
	}
	copy(uid[:], b)

	return uid, nil
}

// Class returns the class-bits byte.
func (u UID) Class() uint8 { return u[0] }

// VendorID returns the vendor identifier byte.
func (u UID) VendorID() uint8 { return u[2] }

// ProductID returns the product identifier byte.
func (u UID) ProductID() uint8 { return u[3] }

// Serial returns the 24-bit serial number.
func (u UID) Serial() uint32 {
	return binary.LittleEndian.Uint32([]byte{u[4], u[5], u[6], 0})
}

// HasClass reports whether all class bits in mask are set.
func (u UID) HasClass(mask uint8) bool { return u[0]&mask == mask }

// IsBridge reports whether the device can host child nodes.
func (u UID) IsBridge() bool { return u.HasClass(ClassBridge) }

// HasOccupancy reports whether the device provides feedback bits.
func (u UID) HasOccupancy() bool { return u.HasClass(ClassOccupancy) }

// ShortUID is a UID with the two class bytes zeroed. Devices may legally
// change their class bits across firmware versions, so persistent lookups
// (trust table, feedback mapping) key on the short form.
type ShortUID [ShortUIDSize]byte

// Short returns the UID with the class bytes stripped.
func (u UID) Short() ShortUID {
	var s ShortUID
	copy(s[:], u[2:])

	return s
}

// String renders the UID in the conventional "V XX P XXXXXXXX" form.
func (u UID) String() string {
	return fmt.Sprintf("V %02X P %02X%02X%02X%02X", u[2], u[3], u[4], u[5], u[6])
}

// String renders the short UID as hex.
func (s ShortUID) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X%02X", s[0], s[1], s[2], s[3], s[4])
}
