package bidib

import (
	"strconv"
	"strings"
)

// MaxAddressDepth is the maximum number of levels in an address stack.
const MaxAddressDepth = 4

// SelfAddr addresses "this node" and doubles as the broadcast address.
const SelfAddr Address = 0

// Address is the packed form of a BiDiB address stack: an ordered sequence
// of 0-4 one-byte local addresses, root-relative level first.
//
// The most significant byte holds the first (root-relative) level. A zero
// byte at any position terminates the stack, so the zero value addresses
// the local node itself.
type Address uint32

// NewAddress builds an Address from up to four local address levels.
// Levels after the first zero are ignored.
func NewAddress(levels ...uint8) Address {
	var a Address
	for i, l := range levels {
		if i >= MaxAddressDepth || l == 0 {
			break
		}
		a |= Address(l) << uint(24-8*i) //nolint:gosec // i < 4
	}

	return a
}

// Level returns the local address at the given depth (0 = root-relative),
// or 0 if the stack terminates earlier.
func (a Address) Level(i int) uint8 {
	if i < 0 || i >= MaxAddressDepth {
		return 0
	}

	return uint8(a >> uint(24-8*i)) //nolint:gosec // intentional truncation
}

// Depth returns the number of levels in the stack (0 for the local node).
func (a Address) Depth() int {
	for i := 0; i < MaxAddressDepth; i++ {
		if a.Level(i) == 0 {
			return i
		}
	}

	return MaxAddressDepth
}

// IsSelf reports whether the address names the local node.
func (a Address) IsSelf() bool { return a == SelfAddr }

// Append returns the address extended by one more level, used when a lower
// bus layer attributes a packet to the sending device.
//
// The new level becomes the first (root-relative) one and the existing
// stack shifts down; an already-full stack is returned unchanged.
func (a Address) Append(local uint8) Address {
	if local == 0 {
		return a
	}
	if a.Depth() >= MaxAddressDepth {
		return a
	}

	return Address(local)<<24 | a>>8
}

// Child returns the address extended by one more level at the bottom of the
// stack, locating a child of the node addressed by a.
func (a Address) Child(local uint8) Address {
	d := a.Depth()
	if local == 0 || d >= MaxAddressDepth {
		return a
	}

	return a | Address(local)<<uint(24-8*d) //nolint:gosec // d < 4
}

// Parent returns the address with the last level removed. The parent of the
// local node is the local node.
func (a Address) Parent() Address {
	d := a.Depth()
	if d == 0 {
		return a
	}

	return a &^ (Address(0xFF) << uint(24-8*(d-1))) //nolint:gosec // d in 1..4
}

// HasPrefix reports whether p is a (possibly equal) prefix of a.
func (a Address) HasPrefix(p Address) bool {
	d := p.Depth()
	for i := 0; i < d; i++ {
		if a.Level(i) != p.Level(i) {
			return false
		}
	}

	return true
}

// Encode appends the variable-length wire form to dst: one byte per level
// followed by the zero terminator (1-5 bytes total).
func (a Address) Encode(dst []byte) []byte {
	for i := 0; i < MaxAddressDepth; i++ {
		l := a.Level(i)
		if l == 0 {
			break
		}
		dst = append(dst, l)
	}

	return append(dst, 0)
}

// EncodedLen returns the wire length of the address including the terminator.
func (a Address) EncodedLen() int { return a.Depth() + 1 }

// DecodeAddress parses the zero-terminated wire form from the head of data.
// It returns the address and the number of bytes consumed (including the
// terminator), or ErrMalformedAddr if no terminator appears within the
// allowed depth.
func DecodeAddress(data []byte) (Address, int, error) {
	var a Address
	for i := 0; i <= MaxAddressDepth; i++ {
		if i >= len(data) {
			return 0, 0, ErrMalformedAddr
		}
		b := data[i]
		if b == 0 {
			return a, i + 1, nil
		}
		if i == MaxAddressDepth {
			return 0, 0, ErrMalformedAddr
		}
		a |= Address(b) << uint(24-8*i) //nolint:gosec // i < 4
	}

	return 0, 0, ErrMalformedAddr
}

// String renders the address as dotted levels, or "self" for the local node.
func (a Address) String() string {
	d := a.Depth()
	if d == 0 {
		return "self"
	}

	var sb strings.Builder
	for i := 0; i < d; i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(int(a.Level(i))))
	}

	return sb.String()
}
