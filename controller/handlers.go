package controller

import (
	"encoding/binary"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/event"
	"github.com/openrail/go-bidib/node"
)

// handleMsg routes one upstream message into the owning node's state
// machine. Messages for unknown addresses are dropped; a sequence gap
// re-issues the current request and discards the message.
func (c *Controller) handleMsg(m *bidib.Message) {
	if m.Type.IsLocal() {
		// link-scoped traffic is consumed by the bus layer
		return
	}

	n := c.tree.ByAddress(m.Addr)
	if n == nil {
		c.log.Warn("message for unknown node", "msg", m)
		return
	}
	if n.Stage == node.StageFailed {
		return
	}

	if !n.CheckRxSeq(m.Seq) {
		c.log.Warn("sequence gap", "addr", m.Addr, "got", m.Seq)
		c.publish(event.Event{Kind: event.ErrorReport, UID: n.UID, Addr: m.Addr, Code: bidib.ErrCodeSequence})
		c.resend(n)

		return
	}

	switch m.Type {
	case bidib.MsgSysMagic:
		c.onMagic(n, m)
	case bidib.MsgSysPVersion:
		c.onPVersion(n, m)
	case bidib.MsgFeatureCount:
		c.onFeatureCount(n, m)
	case bidib.MsgFeature:
		c.onFeature(n, m)
	case bidib.MsgFeatureNA:
		c.onFeatureNA(n)
	case bidib.MsgString:
		c.onString(n, m)
	case bidib.MsgSysSWVersion:
		c.onSWVersion(n, m)
	case bidib.MsgNodeTabCount:
		c.onNodeTabCount(n, m)
	case bidib.MsgNodeTab:
		c.onNodeTab(n, m)
	case bidib.MsgNodeNew:
		c.onNodeNew(n, m)
	case bidib.MsgNodeLost:
		c.onNodeLost(n, m)
	case bidib.MsgSysError:
		c.onSysError(n, m)
	case bidib.MsgSysIdentifyState:
		if len(m.Data) > 0 {
			n.Identify = m.Data[0] != 0
		}
	case bidib.MsgStall:
		c.log.Warn("node stalled", "addr", m.Addr)
	default:
		// spontaneous traffic outside bring-up scope, e.g. occupancy
	}
}

// advance moves the node to the next step and issues its request.
func (c *Controller) advance(n *node.Node, next node.Stage, t bidib.MsgType, data ...byte) {
	n.Stage = next
	n.Retries = 0
	c.request(n, t, data...)
}

func (c *Controller) onMagic(n *node.Node, m *bidib.Message) {
	if n.Stage != node.StageGetMagic || len(m.Data) < 2 {
		return
	}

	magic := binary.LittleEndian.Uint16(m.Data)
	switch magic {
	case bidib.SysMagic:
		c.advance(n, node.StageGetPVersion, bidib.MsgSysGetPVersion)
	case bidib.BootMagic:
		c.log.Error("node stuck in bootloader", "addr", n.Address(), "uid", n.UID)
		c.fail(n)
	default:
		c.log.Warn("unexpected magic", "addr", n.Address(), "magic", magic)
	}
}

func (c *Controller) onPVersion(n *node.Node, m *bidib.Message) {
	if n.Stage != node.StageGetPVersion || len(m.Data) < 2 {
		return
	}

	// minor first on the wire
	n.PVersion = uint16(m.Data[1])<<8 | uint16(m.Data[0])
	c.advance(n, node.StageReadFeatures, bidib.MsgFeatureGetAll)
}

func (c *Controller) onFeatureCount(n *node.Node, m *bidib.Message) {
	if (n.Stage != node.StageReadFeatures && n.Stage != node.StageAutoReadFeatures) || len(m.Data) < 1 {
		return
	}

	count := m.Data[0]
	n.Cursor = &node.TabCursor{Expected: count}

	if count == 0 {
		c.afterFeatures(n)
		return
	}

	// a second data byte marks a device that streams its features
	// unsolicited
	if len(m.Data) > 1 && m.Data[1] != 0 {
		n.Stage = node.StageAutoReadFeatures
		n.Retries = 0
		c.deadlines[n] = c.clock.Now().Add(c.stepTimeout(n))

		return
	}

	n.Stage = node.StageReadFeatures
	n.Retries = 0
	c.request(n, bidib.MsgFeatureGetNext)
}

func (c *Controller) onFeature(n *node.Node, m *bidib.Message) {
	if (n.Stage != node.StageReadFeatures && n.Stage != node.StageAutoReadFeatures) || len(m.Data) < 2 {
		return
	}
	if n.Cursor == nil {
		return
	}

	n.Features.Add(node.Feature{ID: m.Data[0], Value: m.Data[1]})
	n.Cursor.Read++

	if n.Cursor.Read >= n.Cursor.Expected {
		c.afterFeatures(n)
		return
	}

	if n.Stage == node.StageReadFeatures {
		c.request(n, bidib.MsgFeatureGetNext)
	} else {
		c.deadlines[n] = c.clock.Now().Add(c.stepTimeout(n))
	}
}

// onFeatureNA ends the enumeration early: the device has no further
// features to report.
func (c *Controller) onFeatureNA(n *node.Node) {
	if n.Stage != node.StageReadFeatures && n.Stage != node.StageAutoReadFeatures {
		return
	}

	c.afterFeatures(n)
}

// afterFeatures decides whether the device carries readable strings before
// moving on to the software version.
func (c *Controller) afterFeatures(n *node.Node) {
	n.Cursor = nil

	if n.Features.GetDefault(bidib.FeatureStringSize, 0) > 0 {
		c.advance(n, node.StageGetProdString, bidib.MsgStringGet, bidib.StringNamespaceNode, bidib.StringIndexProduct)
		return
	}

	c.advance(n, node.StageGetSWVersion, bidib.MsgSysGetSWVersion)
}

func (c *Controller) onString(n *node.Node, m *bidib.Message) {
	if len(m.Data) < 3 {
		return
	}

	ns, idx, size := m.Data[0], m.Data[1], int(m.Data[2])
	if ns != bidib.StringNamespaceNode || len(m.Data) < 3+size {
		return
	}
	text := string(m.Data[3 : 3+size])

	switch {
	case n.Stage == node.StageGetProdString && idx == bidib.StringIndexProduct:
		n.ProdString = text
		c.advance(n, node.StageGetUserName, bidib.MsgStringGet, bidib.StringNamespaceNode, bidib.StringIndexUserName)
	case n.Stage == node.StageGetUserName && idx == bidib.StringIndexUserName:
		n.UserName = text
		c.advance(n, node.StageGetSWVersion, bidib.MsgSysGetSWVersion)
	}
}

func (c *Controller) onSWVersion(n *node.Node, m *bidib.Message) {
	if n.Stage != node.StageGetSWVersion || len(m.Data) < 3 {
		return
	}

	n.SWVersion = uint32(m.Data[2])<<16 | uint32(m.Data[1])<<8 | uint32(m.Data[0])

	if n.UID.IsBridge() {
		c.advance(n, node.StageReadNtabCount, bidib.MsgNodeTabGetAll)
		return
	}

	c.enable(n)
}

func (c *Controller) onNodeTabCount(n *node.Node, m *bidib.Message) {
	if n.Stage != node.StageReadNtabCount || len(m.Data) < 1 {
		return
	}

	count := m.Data[0]
	if count == 0 {
		c.enable(n)
		return
	}

	n.Cursor = &node.TabCursor{Expected: count}
	n.Stage = node.StageReadNodeTab
	n.Retries = 0
	c.request(n, bidib.MsgNodeTabGetNext)
}

func (c *Controller) onNodeTab(n *node.Node, m *bidib.Message) {
	if n.Stage != node.StageReadNodeTab || n.Cursor == nil {
		return
	}
	if len(m.Data) < 2+bidib.UIDSize {
		return
	}

	version, local := m.Data[0], m.Data[1]
	uid, err := bidib.ParseUID(m.Data[2 : 2+bidib.UIDSize])
	if err != nil {
		c.log.Warn("bad node-table entry", "addr", n.Address(), "error", err)
		return
	}

	if n.Cursor.Version == 0 {
		n.Cursor.Version = version
	} else if version != n.Cursor.Version {
		// the table changed under the enumeration, start over
		c.log.Info("node-table version changed, restarting enumeration",
			"addr", n.Address(), "old", n.Cursor.Version, "new", version)
		n.Cursor = nil
		c.advance(n, node.StageReadNtabCount, bidib.MsgNodeTabGetAll)

		return
	}

	// entry 0 is the bridge itself
	if local != 0 {
		c.insertChild(n, local, uid)
	}

	n.Cursor.Read++
	if n.Cursor.Read >= n.Cursor.Expected {
		n.Cursor = nil
		c.enable(n)

		return
	}

	c.request(n, bidib.MsgNodeTabGetNext)
}

// insertChild adds a bridge's table entry to the tree and schedules its own
// bring-up.
func (c *Controller) insertChild(parent *node.Node, local uint8, uid bidib.UID) {
	if parent.ChildByLocalAddr(local) != nil {
		return
	}

	child := node.New(uid, local)
	if err := c.tree.Insert(parent, child); err != nil {
		c.log.Error("child insert failed", "error", err, "parent", parent.Address(), "local", local)
		return
	}

	c.startBringup(child)
}

// onNodeNew handles a spontaneous table change on an already enumerated
// bridge. The change is acknowledged with the reported version.
func (c *Controller) onNodeNew(n *node.Node, m *bidib.Message) {
	if len(m.Data) < 2+bidib.UIDSize {
		return
	}

	version, local := m.Data[0], m.Data[1]
	uid, err := bidib.ParseUID(m.Data[2 : 2+bidib.UIDSize])
	if err != nil {
		return
	}

	c.insertChild(n, local, uid)
	c.send(n, bidib.MsgNodeChangedAck, version)
}

func (c *Controller) onNodeLost(n *node.Node, m *bidib.Message) {
	if len(m.Data) < 2 {
		return
	}

	version, local := m.Data[0], m.Data[1]
	if child := n.ChildByLocalAddr(local); child != nil {
		if err := c.tree.Drop(child); err != nil {
			c.log.Error("child drop failed", "error", err, "parent", n.Address(), "local", local)
		}
	}

	c.send(n, bidib.MsgNodeChangedAck, version)
}

func (c *Controller) onSysError(n *node.Node, m *bidib.Message) {
	if len(m.Data) < 1 {
		return
	}

	c.log.Warn("node reported error", "addr", n.Address(), "code", m.Data[0])
	c.publish(event.Event{Kind: event.ErrorReport, UID: n.UID, Addr: n.Address(), Code: m.Data[0]})
}

// enable finishes bring-up: spontaneous messages are switched on and the
// node goes idle.
func (c *Controller) enable(n *node.Node) {
	n.Stage = node.StageSysEnable
	c.send(n, bidib.MsgSysEnable)

	// MSG_SYS_ENABLE is not answered
	n.Stage = node.StageIdle
	n.Retries = 0
	n.SysDisabled = false
	delete(c.deadlines, n)
	delete(c.escalations, n)

	c.log.Info("node ready", "addr", n.Address(), "uid", n.UID, "product", n.ProdString)
	c.publish(event.Event{Kind: event.NodeChanged, UID: n.UID, Addr: n.Address()})
}
