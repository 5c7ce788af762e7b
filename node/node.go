// Package node holds the in-memory BiDiB node tree: every device this
// system knows about, real or synthesized, with its features, strings,
// sequence counters and bring-up progress.
//
// The tree is owned by a [Tree] service object constructed once at startup.
// All mutation goes through the Tree under its lock; concurrent readers
// tolerate the tree changing between reads but never observe a
// partially linked node.
package node

import (
	"github.com/openrail/go-bidib/bidib"
)

// Stage is the bring-up progress of a node, driven by the controller
// session state machine.
type Stage uint8

const (
	// StageNew is the initial stage of a freshly discovered node.
	StageNew Stage = iota
	// StageGetMagic verifies the node answers with a live system magic.
	StageGetMagic
	// StageGetPVersion negotiates the protocol version.
	StageGetPVersion
	// StageReadFeatures enumerates features by explicit next-feature polling.
	StageReadFeatures
	// StageAutoReadFeatures consumes features the node streams unsolicited.
	StageAutoReadFeatures
	// StageGetProdString fetches the product string.
	StageGetProdString
	// StageGetUserName fetches the user-assigned name.
	StageGetUserName
	// StageGetSWVersion fetches the software version.
	StageGetSWVersion
	// StageReadNtabCount asks a bridge for its node-table size.
	StageReadNtabCount
	// StageReadNodeTab iterates a bridge's node-table entries.
	StageReadNodeTab
	// StageSysEnable enables spontaneous messages on the node.
	StageSysEnable
	// StageIdle means bring-up is complete.
	StageIdle
	// StageFailed is terminal: retries were exhausted. The node stays
	// visible in the tree but is ignored by further bring-up.
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageNew:
		return "new"
	case StageGetMagic:
		return "get-magic"
	case StageGetPVersion:
		return "get-p-version"
	case StageReadFeatures:
		return "read-features"
	case StageAutoReadFeatures:
		return "auto-read-features"
	case StageGetProdString:
		return "get-prod-string"
	case StageGetUserName:
		return "get-user-name"
	case StageGetSWVersion:
		return "get-sw-version"
	case StageReadNtabCount:
		return "read-ntab-count"
	case StageReadNodeTab:
		return "read-node-tab"
	case StageSysEnable:
		return "sys-enable"
	case StageIdle:
		return "idle"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Done reports whether the stage is one of the two terminal stages.
func (s Stage) Done() bool { return s == StageIdle || s == StageFailed }

// TabCursor is the transient cursor of a running node-table enumeration on
// a bridge node.
type TabCursor struct {
	Version  uint8 // node-table version reported by the bridge
	Expected uint8 // total entries announced by MSG_NODETAB_COUNT
	Read     uint8 // entries received so far
}

// Node is one device in the BiDiB tree.
//
// A node owns its children; the parent pointer is non-owning. Children are
// kept sorted by local address and local addresses are unique among
// siblings. Fields other than the child list are mutated only by the
// controller loop or under the Tree lock.
type Node struct {
	UID       bidib.UID
	LocalAddr uint8

	ProdString string
	UserName   string

	// Protocol and software version as reported by the node.
	PVersion  uint16
	SWVersion uint32

	// Per-direction message sequence counters. txSeq is the next sequence
	// number we will send to the node, rxSeq the next one we expect from
	// it. Both wrap within 1..255; 0 is reserved for broadcast and local
	// messages.
	txSeq uint8
	rxSeq uint8

	Features FeatureSet

	// Stage of the bring-up state machine plus its retry bookkeeping.
	Stage   Stage
	Retries int

	// Cursor of a running node-table enumeration; nil outside one.
	Cursor *TabCursor

	// TabVersion is the node-table version this node reports as a hub.
	// It strictly increases (mod 256, skipping 0) on every membership
	// change below this node.
	TabVersion uint8

	// Flags.
	Virtual     bool // synthesized by this system, not a bus device
	SysDisabled bool // spontaneous messages disabled
	Identify    bool // identify indicator active

	// Ext is an opaque extension slot for specialized node kinds, e.g.
	// the feedback-address mapping of occupancy nodes or the virtual-hub
	// marker.
	Ext any

	parent   *Node
	children []*Node
}

// New creates a detached node with the given UID and local address.
func New(uid bidib.UID, localAddr uint8) *Node {
	return &Node{
		UID:        uid,
		LocalAddr:  localAddr,
		txSeq:      1,
		rxSeq:      1,
		TabVersion: 1,
	}
}

// Parent returns the parent node, or nil for the root and detached nodes.
func (n *Node) Parent() *Node { return n.parent }

// Children returns the child slice. The slice must not be mutated by the
// caller; it is replaced wholesale on membership changes.
func (n *Node) Children() []*Node { return n.children }

// Address returns the full root-relative address stack of the node.
func (n *Node) Address() bidib.Address {
	if n.parent == nil {
		return bidib.SelfAddr
	}

	return n.parent.Address().Child(n.LocalAddr)
}

// IsRoot reports whether the node has no parent.
func (n *Node) IsRoot() bool { return n.parent == nil }

// NextTxSeq returns the next outbound sequence number for the node,
// advancing the counter. The counter wraps within 1..255.
func (n *Node) NextTxSeq() uint8 {
	s := n.txSeq
	n.txSeq++
	if n.txSeq == 0 {
		n.txSeq = 1
	}

	return s
}

// CheckRxSeq validates an inbound sequence number against the expected one.
// On match the expectation advances and true is returned. Sequence 0
// (broadcast/local) is never tracked and always matches. On mismatch the
// expectation resynchronizes to the received value plus one so a single
// recovery action suffices.
func (n *Node) CheckRxSeq(seq uint8) bool {
	if seq == 0 {
		return true
	}

	ok := seq == n.rxSeq
	n.rxSeq = seq + 1
	if n.rxSeq == 0 {
		n.rxSeq = 1
	}

	return ok
}

// ResetSeq resets both sequence counters, used after a node reset.
func (n *Node) ResetSeq() {
	n.txSeq = 1
	n.rxSeq = 1
}

// BumpTabVersion advances the hub's node-table version, skipping 0 on wrap.
func (n *Node) BumpTabVersion() uint8 {
	n.TabVersion++
	if n.TabVersion == 0 {
		n.TabVersion = 1
	}

	return n.TabVersion
}

// childIndex returns the index of the child with the given local address,
// or -1.
func (n *Node) childIndex(localAddr uint8) int {
	for i, c := range n.children {
		if c.LocalAddr == localAddr {
			return i
		}
	}

	return -1
}

// ChildByLocalAddr returns the direct child with the given local address.
func (n *Node) ChildByLocalAddr(localAddr uint8) *Node {
	if i := n.childIndex(localAddr); i >= 0 {
		return n.children[i]
	}

	return nil
}
