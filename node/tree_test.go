package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/event"
)

var rootUID = bidib.UID{0xD0, 0x00, 0x0D, 0x68, 0x00, 0x01, 0x00}

func testUID(serial uint8) bidib.UID {
	return bidib.UID{0xA0, 0x00, 0x01, 0xA0, 0x00, 0x00, serial}
}

func TestTreeInsertSorted(t *testing.T) {
	require := require.New(t)

	tree := NewTree(rootUID, nil)
	require.True(tree.Root().IsRoot())

	for _, addr := range []uint8{3, 1, 2} {
		require.NoError(tree.Insert(nil, New(testUID(addr), addr)))
	}

	children := tree.Root().Children()
	require.Len(children, 3)
	require.Equal(uint8(1), children[0].LocalAddr)
	require.Equal(uint8(2), children[1].LocalAddr)
	require.Equal(uint8(3), children[2].LocalAddr)

	// sibling address collision
	require.ErrorIs(tree.Insert(nil, New(testUID(9), 2)), ErrAddrInUse)
	require.Equal(3, tree.Count())
}

func TestTreeLookup(t *testing.T) {
	require := require.New(t)

	tree := NewTree(rootUID, nil)
	hub := New(testUID(1), 1)
	hub.UID[0] |= bidib.ClassBridge
	require.NoError(tree.Insert(nil, hub))

	leaf := New(testUID(2), 4)
	require.NoError(tree.Insert(hub, leaf))

	require.Same(tree.Root(), tree.ByAddress(bidib.SelfAddr))
	require.Same(hub, tree.ByAddress(bidib.NewAddress(1)))
	require.Same(leaf, tree.ByAddress(bidib.NewAddress(1, 4)))
	require.Nil(tree.ByAddress(bidib.NewAddress(2)))
	require.Nil(tree.ByAddress(bidib.NewAddress(1, 5)))

	require.Same(leaf, tree.ByUID(testUID(2)))
	require.Same(leaf, tree.ByShortUID(testUID(2).Short()))
	require.Nil(tree.ByUID(testUID(77)))

	require.Equal(bidib.NewAddress(1, 4), leaf.Address())
}

func TestTreeDropRecursive(t *testing.T) {
	require := require.New(t)

	bus := event.NewBus()
	lost, cancel := bus.Subscribe(8, event.NodeLost)
	defer cancel()

	tree := NewTree(rootUID, bus)
	hub := New(testUID(1), 1)
	require.NoError(tree.Insert(nil, hub))
	leaf := New(testUID(2), 2)
	require.NoError(tree.Insert(hub, leaf))

	require.NoError(tree.Drop(hub))

	// nothing below the dropped subtree remains reachable
	require.Nil(tree.ByUID(testUID(1)))
	require.Nil(tree.ByUID(testUID(2)))
	require.Equal(0, tree.Count())
	require.Nil(hub.Parent())

	// leaves are reported before their parent
	ev := <-lost
	require.Equal(testUID(2), ev.UID)
	require.Equal(bidib.NewAddress(1, 2), ev.Addr)
	ev = <-lost
	require.Equal(testUID(1), ev.UID)

	require.ErrorIs(tree.Drop(hub), ErrNotAttached)
}

func TestTreeNodeTableVersion(t *testing.T) {
	require := require.New(t)

	tree := NewTree(rootUID, nil)
	root := tree.Root()
	require.Equal(uint8(1), root.TabVersion)

	require.NoError(tree.Insert(nil, New(testUID(1), 1)))
	require.Equal(uint8(2), root.TabVersion)

	require.NoError(tree.Drop(root.Children()[0]))
	require.Equal(uint8(3), root.TabVersion)

	// the version skips 0 on wrap
	root.TabVersion = 255
	require.Equal(uint8(1), root.BumpTabVersion())
}

func TestFreeLocalAddr(t *testing.T) {
	require := require.New(t)

	tree := NewTree(rootUID, nil)

	addr, err := tree.FreeLocalAddr(nil, 1)
	require.NoError(err)
	require.Equal(uint8(1), addr)

	for _, a := range []uint8{1, 2, 4} {
		require.NoError(tree.Insert(nil, New(testUID(a), a)))
	}

	addr, err = tree.FreeLocalAddr(nil, 1)
	require.NoError(err)
	require.Equal(uint8(3), addr)

	addr, err = tree.FreeLocalAddr(nil, 4)
	require.NoError(err)
	require.Equal(uint8(5), addr)

	t.Run("virtual range starts above the physical one", func(t *testing.T) {
		addr, err := tree.FreeLocalAddr(nil, MinVirtualAddr)
		require.NoError(err)
		require.Equal(MinVirtualAddr, addr)
	})

	t.Run("physical search never crosses into the virtual range", func(t *testing.T) {
		full := NewTree(rootUID, nil)
		for a := MinPhysicalAddr; a <= MaxPhysicalAddr; a++ {
			require.NoError(full.Insert(nil, New(testUID(a), a)))
		}

		_, err := full.FreeLocalAddr(nil, 1)
		require.ErrorIs(err, ErrAddrExhausted)

		// virtual allocation still works on the same parent
		addr, err := full.FreeLocalAddr(nil, MinVirtualAddr)
		require.NoError(err)
		require.Equal(MinVirtualAddr, addr)
	})
}

func TestTreeWalkPreOrder(t *testing.T) {
	require := require.New(t)

	tree := NewTree(rootUID, nil)
	hub := New(testUID(1), 1)
	require.NoError(tree.Insert(nil, hub))
	require.NoError(tree.Insert(hub, New(testUID(2), 1)))
	require.NoError(tree.Insert(nil, New(testUID(3), 2)))

	var order []uint8
	require.NoError(tree.Walk(func(n *Node) { order = append(order, n.UID[6]) }))
	require.Equal([]uint8{1, 2, 3}, order)
}

func TestSequenceCounters(t *testing.T) {
	require := require.New(t)

	n := New(testUID(1), 1)

	require.Equal(uint8(1), n.NextTxSeq())
	require.Equal(uint8(2), n.NextTxSeq())

	// the counter wraps 255 -> 1, skipping 0
	n.txSeq = 255
	require.Equal(uint8(255), n.NextTxSeq())
	require.Equal(uint8(1), n.NextTxSeq())

	// rx tracking: 0 always matches, a mismatch resynchronizes
	require.True(n.CheckRxSeq(0))
	require.True(n.CheckRxSeq(1))
	require.True(n.CheckRxSeq(2))
	require.False(n.CheckRxSeq(5))
	require.True(n.CheckRxSeq(6))

	n.ResetSeq()
	require.True(n.CheckRxSeq(1))
}

func TestFeatureSet(t *testing.T) {
	require := require.New(t)

	n := New(testUID(1), 1)

	n.Features.Add(Feature{ID: bidib.FeatureStringSize, Value: 24})
	n.Features.Add(Feature{ID: bidib.FeatureBMSize, Value: 16})
	n.Features.Add(Feature{ID: bidib.FeatureBstVolt, Value: 15})

	// sorted on write
	all := n.Features.All()
	require.Equal([]uint8{bidib.FeatureBMSize, bidib.FeatureBstVolt, bidib.FeatureStringSize},
		[]uint8{all[0].ID, all[1].ID, all[2].ID})

	v, ok := n.Features.Get(bidib.FeatureBMSize)
	require.True(ok)
	require.Equal(uint8(16), v)

	_, ok = n.Features.Get(200)
	require.False(ok)
	require.Equal(uint8(7), n.Features.GetDefault(200, 7))

	// replace keeps the set size
	n.Features.Add(Feature{ID: bidib.FeatureBMSize, Value: 32})
	require.Equal(3, n.Features.Len())
	require.Equal(uint8(32), n.Features.GetDefault(bidib.FeatureBMSize, 0))

	// a validator clamps the written value
	n.Features.Add(Feature{
		ID:    bidib.FeatureBstAmpere,
		Value: 10,
		Validate: func(_ *Node, v uint8) uint8 {
			if v > 100 {
				return 100
			}
			return v
		},
	})
	stored, ok := n.Features.Set(n, bidib.FeatureBstAmpere, 250)
	require.True(ok)
	require.Equal(uint8(100), stored)

	_, ok = n.Features.Set(n, 201, 1)
	require.False(ok)

	// a clone is independent of later writes to the original
	cl := n.Features.Clone()
	n.Features.Add(Feature{ID: bidib.FeatureBMSize, Value: 48})
	require.Equal(uint8(32), cl.GetDefault(bidib.FeatureBMSize, 0))
	require.Equal(n.Features.Len(), cl.Len())
}
