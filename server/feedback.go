package server

import "sync"

// FeedbackSpace is the flat, growable occupancy-bit space all virtual
// feedback groups map into. Bit indexes are global; each group exposes a
// window of it at its configured base offset.
type FeedbackSpace struct {
	mu   sync.Mutex
	bits []uint64
	size int
}

// NewFeedbackSpace creates an empty space.
func NewFeedbackSpace() *FeedbackSpace {
	return &FeedbackSpace{}
}

// FeedbackMapping is the Ext payload of a physical occupancy node: the
// configured base offset of its detector bits in the flat space.
type FeedbackMapping struct {
	Base int
}

// Grow appends n bits to the space and returns their base offset.
func (f *FeedbackSpace) Grow(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	base := f.size
	f.reserve(base + n)

	return base
}

// Reserve makes sure the space covers at least n bits.
func (f *FeedbackSpace) Reserve(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserve(n)
}

func (f *FeedbackSpace) reserve(n int) {
	if n > f.size {
		f.size = n
	}
	words := (f.size + 63) / 64
	for len(f.bits) < words {
		f.bits = append(f.bits, 0)
	}
}

// Size returns the number of reserved bits.
func (f *FeedbackSpace) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.size
}

// Set updates one bit and reports whether it changed.
func (f *FeedbackSpace) Set(i int, occupied bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if i < 0 || i >= f.size {
		return false
	}

	mask := uint64(1) << (i % 64)
	old := f.bits[i/64]&mask != 0
	if old == occupied {
		return false
	}

	if occupied {
		f.bits[i/64] |= mask
	} else {
		f.bits[i/64] &^= mask
	}

	return true
}

// Get returns the state of one bit; out-of-range bits read as free.
func (f *FeedbackSpace) Get(i int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if i < 0 || i >= f.size {
		return false
	}

	return f.bits[i/64]&(uint64(1)<<(i%64)) != 0
}

// Range packs count bits starting at start into a little-endian bitfield,
// eight bits per byte, the way occupancy range replies carry them.
func (f *FeedbackSpace) Range(start, count int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]byte, (count+7)/8)
	for i := 0; i < count; i++ {
		idx := start + i
		if idx < 0 || idx >= f.size {
			continue
		}
		if f.bits[idx/64]&(uint64(1)<<(idx%64)) != 0 {
			out[i/8] |= 1 << (i % 8)
		}
	}

	return out
}
