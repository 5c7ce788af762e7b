package bidib

import (
	"testing"
)

// FuzzUnpack feeds arbitrary byte streams to the packet splitter. Unpack
// must never panic and every message it does return must survive a pack
// round trip.
func FuzzUnpack(f *testing.F) {
	f.Add([]byte{0})
	f.Add([]byte{3, 0, 1, 0x01})
	f.Add([]byte{5, 1, 0, 2, 0x12, 0x00})
	f.Add([]byte{0x7F, 0xFF})

	m := &Message{Addr: NewAddress(1, 2), Seq: 7, Type: MsgFeatureSet, Data: []byte{1, 2}}
	wire, _ := m.Pack(nil)
	f.Add(wire)

	f.Fuzz(func(t *testing.T, data []byte) {
		msgs, err := Unpack(data, SelfAddr)
		if err != nil {
			return
		}

		var buf []byte
		for _, m := range msgs {
			var packErr error
			buf, packErr = m.Pack(buf)
			if packErr != nil {
				t.Fatalf("unpacked message does not re-pack: %v", packErr)
			}
		}

		again, err := Unpack(buf, SelfAddr)
		if err != nil {
			t.Fatalf("re-packed buffer does not unpack: %v", err)
		}
		if len(again) != len(msgs) {
			t.Fatalf("round trip changed message count: %d != %d", len(again), len(msgs))
		}
		for i := range msgs {
			if !msgs[i].Equal(again[i]) {
				t.Fatalf("round trip changed message %d", i)
			}
		}
	})
}
