package node

import (
	"errors"
	"time"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/event"
	"github.com/openrail/go-bidib/internal/pool"
)

// Address range boundaries for FreeLocalAddr. Physical bus devices claim
// addresses 1..63; virtual nodes synthesized by this system live in
// 64..255. The caller selects the range through the min seed.
const (
	MinPhysicalAddr uint8 = 1
	MaxPhysicalAddr uint8 = 63
	MinVirtualAddr  uint8 = 64
	MaxVirtualAddr  uint8 = 255
)

// DefaultLockTimeout bounds how long a tree operation waits for the tree
// lock before giving up.
const DefaultLockTimeout = 250 * time.Millisecond

var (
	// ErrTreeBusy is returned when the tree lock could not be acquired
	// within its timeout. The operation did not happen; try again later.
	ErrTreeBusy = errors.New("node: tree busy")

	// ErrAddrInUse is returned when inserting a node whose local address
	// collides with a sibling.
	ErrAddrInUse = errors.New("node: local address already in use")

	// ErrAddrExhausted is returned when no free local address exists in
	// the requested range.
	ErrAddrExhausted = errors.New("node: address range exhausted")

	// ErrNotAttached is returned when dropping a node that is not in the tree.
	ErrNotAttached = errors.New("node: node not attached to the tree")
)

// Tree is the process-wide node registry. It owns the root node (which
// represents this system itself and is never destroyed) and serializes all
// mutation through an internal lock with bounded acquisition.
type Tree struct {
	root *Node
	bus  *event.Bus

	// lock is a semaphore-style mutex so acquisition can time out.
	lock chan struct{}

	lockTimeout time.Duration
}

// NewTree creates a tree whose root carries the system's own UID. The event
// bus may be nil; node-changed notifications are then suppressed.
func NewTree(rootUID bidib.UID, bus *event.Bus) *Tree {
	t := &Tree{
		root:        New(rootUID, 0),
		bus:         bus,
		lock:        make(chan struct{}, 1),
		lockTimeout: DefaultLockTimeout,
	}

	return t
}

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// acquire takes the tree lock, giving up after the configured timeout.
func (t *Tree) acquire() bool {
	select {
	case t.lock <- struct{}{}:
		return true
	default:
	}

	timer := pool.GetTimer(t.lockTimeout)
	defer pool.PutTimer(timer)

	select {
	case t.lock <- struct{}{}:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Tree) release() {
	<-t.lock
}

// Insert attaches n as a child of parent (the root when parent is nil),
// keeping the child list sorted by local address. The parent's node-table
// version advances and a node-changed notification fires.
func (t *Tree) Insert(parent *Node, n *Node) error {
	if !t.acquire() {
		return ErrTreeBusy
	}
	defer t.release()

	if parent == nil {
		parent = t.root
	}

	if parent.childIndex(n.LocalAddr) >= 0 {
		return ErrAddrInUse
	}

	// Insert sorted; build a fresh slice so lock-free readers never see a
	// half-updated list.
	children := make([]*Node, 0, len(parent.children)+1)
	inserted := false
	for _, c := range parent.children {
		if !inserted && n.LocalAddr < c.LocalAddr {
			children = append(children, n)
			inserted = true
		}
		children = append(children, c)
	}
	if !inserted {
		children = append(children, n)
	}

	n.parent = parent
	parent.children = children
	parent.BumpTabVersion()

	t.publish(event.Event{Kind: event.NodeNew, UID: n.UID, Addr: n.Address()})
	t.publish(event.Event{Kind: event.NodeChanged, UID: parent.UID, Code: parent.TabVersion})

	return nil
}

// Drop unlinks n from its parent and tears down its whole subtree. Every
// removed node is reported as lost, leaves first. Dropping the root is not
// allowed.
func (t *Tree) Drop(n *Node) error {
	if !t.acquire() {
		return ErrTreeBusy
	}
	defer t.release()

	parent := n.parent
	if parent == nil {
		return ErrNotAttached
	}

	i := parent.childIndex(n.LocalAddr)
	if i < 0 || parent.children[i] != n {
		return ErrNotAttached
	}

	children := make([]*Node, 0, len(parent.children)-1)
	children = append(children, parent.children[:i]...)
	children = append(children, parent.children[i+1:]...)
	parent.children = children
	parent.BumpTabVersion()

	addr := n.Address() // still resolvable through the parent pointer
	t.teardown(n, addr)
	n.parent = nil

	t.publish(event.Event{Kind: event.NodeChanged, UID: parent.UID, Code: parent.TabVersion})

	return nil
}

// teardown recursively detaches the subtree below n and reports each node
// as lost, children before their parent.
func (t *Tree) teardown(n *Node, addr bidib.Address) {
	for _, c := range n.children {
		t.teardown(c, addr.Child(c.LocalAddr))
		c.parent = nil
	}
	n.children = nil

	t.publish(event.Event{Kind: event.NodeLost, UID: n.UID, Addr: addr})
}

// ByAddress walks the tree from the root, consuming one stack byte per
// level. The self address resolves to the root.
func (t *Tree) ByAddress(addr bidib.Address) *Node {
	n := t.root
	for i := 0; i < addr.Depth(); i++ {
		n = n.ChildByLocalAddr(addr.Level(i))
		if n == nil {
			return nil
		}
	}

	return n
}

// ByUID returns the first node with the given UID in pre-order, including
// the root.
func (t *Tree) ByUID(uid bidib.UID) *Node {
	return findNode(t.root, func(n *Node) bool { return n.UID == uid })
}

// ByShortUID returns the first node whose UID matches ignoring the two
// class bytes.
func (t *Tree) ByShortUID(short bidib.ShortUID) *Node {
	return findNode(t.root, func(n *Node) bool { return n.UID.Short() == short })
}

func findNode(n *Node, match func(*Node) bool) *Node {
	if match(n) {
		return n
	}
	for _, c := range n.children {
		if found := findNode(c, match); found != nil {
			return found
		}
	}

	return nil
}

// FreeLocalAddr scans parent's sorted children for the first local address
// >= min without a collision. A min below MinVirtualAddr keeps the search
// in the physical range 1..63; a min of MinVirtualAddr or above searches
// the virtual range up to 255. The search never crosses the 63/64 boundary.
func (t *Tree) FreeLocalAddr(parent *Node, min uint8) (uint8, error) {
	if !t.acquire() {
		return 0, ErrTreeBusy
	}
	defer t.release()

	if parent == nil {
		parent = t.root
	}

	max := MaxPhysicalAddr
	if min >= MinVirtualAddr {
		max = MaxVirtualAddr
	}
	if min == 0 {
		min = MinPhysicalAddr
	}

	addr := min
	for _, c := range parent.children {
		if c.LocalAddr < addr {
			continue
		}
		if c.LocalAddr > addr {
			break
		}
		if addr == max {
			return 0, ErrAddrExhausted
		}
		addr++
	}

	if addr > max {
		return 0, ErrAddrExhausted
	}

	return addr, nil
}

// Walk applies fn to every non-root node, pre-order. It holds the tree lock
// for the duration of the walk, so fn must be short and must not call back
// into the tree.
func (t *Tree) Walk(fn func(*Node)) error {
	if !t.acquire() {
		return ErrTreeBusy
	}
	defer t.release()

	var walk func(*Node)
	walk = func(n *Node) {
		for _, c := range n.children {
			fn(c)
			walk(c)
		}
	}
	walk(t.root)

	return nil
}

// Count returns the number of non-root nodes.
func (t *Tree) Count() int {
	count := 0
	_ = t.Walk(func(*Node) { count++ })

	return count
}

func (t *Tree) publish(ev event.Event) {
	if t.bus != nil {
		t.bus.Publish(ev)
	}
}
