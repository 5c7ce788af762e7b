package serial

import "github.com/openrail/go-bidib/bidib"

// MaxBusAddr is the highest bus-local address a poll token can carry.
// Address 0 is the master's own transmit slot.
const MaxBusAddr = 63

// BusNode is a snapshot of one occupied bus address.
type BusNode struct {
	Addr uint8
	UID  bidib.UID
}

type busEntry struct {
	uid    bidib.UID
	misses int
	used   bool
}

// busTable tracks which bus addresses are occupied and by whom. It is not
// safe for concurrent use; the master serializes access.
type busTable struct {
	entries [MaxBusAddr + 1]busEntry
}

func (t *busTable) add(addr uint8, uid bidib.UID) {
	t.entries[addr] = busEntry{uid: uid, used: true}
}

func (t *busTable) remove(addr uint8) {
	t.entries[addr] = busEntry{}
}

func (t *busTable) get(addr uint8) *busEntry {
	if addr == 0 || addr > MaxBusAddr || !t.entries[addr].used {
		return nil
	}

	return &t.entries[addr]
}

// freeAddr returns the lowest unoccupied address in 1..MaxBusAddr, or 0
// when the bus is full.
func (t *busTable) freeAddr() uint8 {
	for a := uint8(1); a <= MaxBusAddr; a++ {
		if !t.entries[a].used {
			return a
		}
	}

	return 0
}

// addrs returns the occupied addresses in ascending order.
func (t *busTable) addrs() []uint8 {
	var out []uint8
	for a := uint8(1); a <= MaxBusAddr; a++ {
		if t.entries[a].used {
			out = append(out, a)
		}
	}

	return out
}

func (t *busTable) clear() {
	t.entries = [MaxBusAddr + 1]busEntry{}
}

func (t *busTable) count() int {
	n := 0
	for a := uint8(1); a <= MaxBusAddr; a++ {
		if t.entries[a].used {
			n++
		}
	}

	return n
}
