package server

import (
	"encoding/binary"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/event"
	"github.com/openrail/go-bidib/node"
)

// handlerFunc executes one dispatched message against its target node.
type handlerFunc func(s *Server, n *node.Node, m *bidib.Message)

type handlerEntry struct {
	typ bidib.MsgType
	fn  handlerFunc
}

// handlerTable is a small static dispatch table, scanned linearly.
type handlerTable []handlerEntry

func (t handlerTable) lookup(typ bidib.MsgType) handlerFunc {
	for _, e := range t {
		if e.typ == typ {
			return e.fn
		}
	}

	return nil
}

// systemTable is the downstream surface every virtual node answers.
var systemTable = handlerTable{
	{bidib.MsgSysGetMagic, handleGetMagic},
	{bidib.MsgSysGetPVersion, handleGetPVersion},
	{bidib.MsgSysGetSWVersion, handleGetSWVersion},
	{bidib.MsgSysGetUniqueID, handleGetUniqueID},
	{bidib.MsgSysPing, handlePing},
	{bidib.MsgSysGetError, handleGetError},
	{bidib.MsgSysIdentify, handleIdentify},
	{bidib.MsgSysEnable, handleEnable},
	{bidib.MsgSysDisable, handleDisable},
	{bidib.MsgGetPktCapacity, handlePktCapacity},
	{bidib.MsgFeatureGetAll, handleFeatureGetAll},
	{bidib.MsgFeatureGetNext, handleFeatureGetNext},
	{bidib.MsgFeatureGet, handleFeatureGet},
	{bidib.MsgFeatureSet, handleFeatureSet},
	{bidib.MsgStringGet, handleStringGet},
	{bidib.MsgStringSet, handleStringSet},
}

// bridgeTable extends the system surface with node-table enumeration on
// nodes that host children.
var bridgeTable = handlerTable{
	{bidib.MsgNodeTabGetAll, handleNodeTabGetAll},
	{bidib.MsgNodeTabGetNext, handleNodeTabGetNext},
}

// rootTable adds the operations only the root answers.
var rootTable = handlerTable{
	{bidib.MsgNodeChangedAck, handleNodeChangedAck},
	{bidib.MsgSysReset, handleReset},
}

// csTable is the command-station surface of the root. The handlers gate
// and confirm the commands; track-signal generation itself is external.
var csTable = handlerTable{
	{bidib.MsgCSSetState, handleCSSetState},
	{bidib.MsgCSDrive, handleCSDrive},
	{bidib.MsgCSAccessory, handleCSAccessory},
	{bidib.MsgCSPom, handleCSPom},
}

// feedbackTable covers the occupancy range and mirror queries of virtual
// feedback groups.
var feedbackTable = handlerTable{
	{bidib.MsgBmGetRange, handleBmGetRange},
	{bidib.MsgBmMirrorMultiple, handleBmMirrorMultiple},
	{bidib.MsgBmMirrorOcc, handleBmMirror},
	{bidib.MsgBmMirrorFree, handleBmMirror},
	{bidib.MsgBmGetConfidence, handleBmGetConfidence},
	{bidib.MsgBmAddrGetRange, handleBmAddrGetRange},
}

// tableForKind assembles the minimal downstream table of a virtual node.
func (s *Server) tableForKind(k Kind) handlerTable {
	t := make(handlerTable, 0, len(systemTable)+len(bridgeTable)+len(rootTable))
	t = append(t, systemTable...)

	switch k {
	case KindRoot:
		t = append(t, bridgeTable...)
		t = append(t, rootTable...)
		t = append(t, csTable...)
	case KindHub:
		t = append(t, bridgeTable...)
	case KindFeedback:
		t = append(t, feedbackTable...)
	}

	return t
}

// --- System handlers ---

func handleGetMagic(s *Server, n *node.Node, _ *bidib.Message) {
	var magic [2]byte
	binary.LittleEndian.PutUint16(magic[:], bidib.SysMagic)
	s.replyFrom(n, bidib.MsgSysMagic, magic[:]...)
}

func handleGetPVersion(s *Server, n *node.Node, _ *bidib.Message) {
	s.replyFrom(n, bidib.MsgSysPVersion, bidib.ProtocolVersionMinor, bidib.ProtocolVersionMajor)
}

func handleGetSWVersion(s *Server, n *node.Node, _ *bidib.Message) {
	s.replyFrom(n, bidib.MsgSysSWVersion, swVersion[:]...)
}

func handleGetUniqueID(s *Server, n *node.Node, _ *bidib.Message) {
	s.replyFrom(n, bidib.MsgSysUniqueID, n.UID[:]...)
}

// handlePing echoes the marker byte back as a pong.
func handlePing(s *Server, n *node.Node, m *bidib.Message) {
	var marker byte
	if len(m.Data) > 0 {
		marker = m.Data[0]
	}
	s.replyFrom(n, bidib.MsgSysPong, marker)
}

func handleGetError(s *Server, n *node.Node, _ *bidib.Message) {
	s.mu.Lock()
	code := s.lastError
	s.lastError = bidib.ErrCodeNone
	s.mu.Unlock()

	s.replyFrom(n, bidib.MsgSysError, code)
}

func handleIdentify(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) > 0 {
		n.Identify = m.Data[0] != 0
	}

	state := byte(0)
	if n.Identify {
		state = 1
	}
	s.replyFrom(n, bidib.MsgSysIdentifyState, state)
	s.publish(event.Event{Kind: event.NodeChanged, UID: n.UID, Addr: n.Address(), Code: state})
}

func handleEnable(_ *Server, n *node.Node, _ *bidib.Message) {
	n.SysDisabled = false
}

func handleDisable(_ *Server, n *node.Node, _ *bidib.Message) {
	n.SysDisabled = true
}

func handlePktCapacity(s *Server, n *node.Node, _ *bidib.Message) {
	s.replyFrom(n, bidib.MsgPktCapacity, bidib.MaxMsgSize)
}

func handleReset(s *Server, n *node.Node, _ *bidib.Message) {
	s.log.Info("system reset requested by host")
	n.ResetSeq()
}

// --- Feature handlers ---

func handleFeatureGetAll(s *Server, n *node.Node, _ *bidib.Message) {
	v := virtualOf(n)
	v.featNext = 0
	s.replyFrom(n, bidib.MsgFeatureCount, uint8(n.Features.Len()))
}

func handleFeatureGetNext(s *Server, n *node.Node, _ *bidib.Message) {
	v := virtualOf(n)
	f, ok := n.Features.At(v.featNext)
	if !ok {
		s.replyFrom(n, bidib.MsgFeatureNA, 255)
		return
	}
	v.featNext++

	s.replyFrom(n, bidib.MsgFeature, f.ID, f.Value)
}

func handleFeatureGet(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 1 {
		return
	}

	id := m.Data[0]
	if value, ok := n.Features.Get(id); ok {
		s.replyFrom(n, bidib.MsgFeature, id, value)
		return
	}

	s.replyFrom(n, bidib.MsgFeatureNA, id)
}

// handleFeatureSet writes a feature through its validator; read-only and
// unknown features answer not-available.
func handleFeatureSet(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 2 {
		return
	}

	id, value := m.Data[0], m.Data[1]
	if _, settable := settableFeatures[id]; !settable {
		s.replyFrom(n, bidib.MsgFeatureNA, id)
		return
	}

	stored, ok := n.Features.Set(n, id, value)
	if !ok {
		s.replyFrom(n, bidib.MsgFeatureNA, id)
		return
	}

	s.replyFrom(n, bidib.MsgFeature, id, stored)
}

// --- String handlers ---

func handleStringGet(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 2 {
		return
	}

	ns, idx := m.Data[0], m.Data[1]
	if ns != bidib.StringNamespaceNode {
		return
	}

	var text string
	switch idx {
	case bidib.StringIndexProduct:
		text = n.ProdString
	case bidib.StringIndexUserName:
		text = n.UserName
	default:
		return
	}

	s.replyString(n, ns, idx, text)
}

// handleStringSet updates the user name and persists it; the product
// string is read-only.
func handleStringSet(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 3 {
		return
	}

	ns, idx, size := m.Data[0], m.Data[1], int(m.Data[2])
	if ns != bidib.StringNamespaceNode || idx != bidib.StringIndexUserName || len(m.Data) < 3+size {
		return
	}
	if size > bidib.MaxStringSize {
		size = bidib.MaxStringSize
	}

	n.UserName = string(m.Data[3 : 3+size])
	s.store.SetNodeUserName(n.UID.Short(), n.UserName)

	s.replyString(n, ns, idx, n.UserName)
}

func (s *Server) replyString(n *node.Node, ns, idx uint8, text string) {
	if len(text) > bidib.MaxStringSize {
		text = text[:bidib.MaxStringSize]
	}

	data := make([]byte, 0, 3+len(text))
	data = append(data, ns, idx, uint8(len(text)))
	data = append(data, text...)

	s.replyFrom(n, bidib.MsgString, data...)
}

// --- Node-table handlers ---

func handleNodeTabGetAll(s *Server, n *node.Node, _ *bidib.Message) {
	v := virtualOf(n)
	v.tabNext = 0
	s.replyFrom(n, bidib.MsgNodeTabCount, uint8(len(n.Children())+1))
}

// handleNodeTabGetNext walks the table: entry 0 is the node itself, then
// its children in address order.
func handleNodeTabGetNext(s *Server, n *node.Node, _ *bidib.Message) {
	v := virtualOf(n)

	var local uint8
	var uid bidib.UID
	switch {
	case v.tabNext == 0:
		local, uid = 0, n.UID
	case v.tabNext <= len(n.Children()):
		c := n.Children()[v.tabNext-1]
		local, uid = c.LocalAddr, c.UID
	default:
		s.replyFrom(n, bidib.MsgNodeNA, 255)
		return
	}
	v.tabNext++

	data := make([]byte, 0, 2+bidib.UIDSize)
	data = append(data, n.TabVersion, local)
	data = append(data, uid[:]...)

	s.replyFrom(n, bidib.MsgNodeTab, data...)
}

func handleNodeChangedAck(s *Server, _ *node.Node, m *bidib.Message) {
	if len(m.Data) < 1 {
		return
	}

	s.ackChange(m.Data[0])
}

// --- Command-station handlers ---

// handleCSSetState switches the track-output state and confirms the
// current one. State changes surface on the event bus for the generator.
func handleCSSetState(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 1 {
		return
	}

	state := m.Data[0]
	s.mu.Lock()
	if state != bidib.CSStateQuery {
		s.csState = state
	}
	cur := s.csState
	s.mu.Unlock()

	if state != bidib.CSStateQuery {
		s.publish(event.Event{Kind: event.BoosterState, UID: n.UID, Addr: n.Address(), Code: cur})
	}

	s.replyFrom(n, bidib.MsgCSState, cur)
}

// handleCSDrive acknowledges a drive command, echoing the decoder address.
func handleCSDrive(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 5 {
		return
	}

	s.replyFrom(n, bidib.MsgCSDriveAck, m.Data[0], m.Data[1], 1)
}

func handleCSAccessory(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 3 {
		return
	}

	s.replyFrom(n, bidib.MsgCSAccessoryAck, m.Data[0], m.Data[1], 1)
}

func handleCSPom(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 4 {
		return
	}

	data := make([]byte, 0, 5)
	data = append(data, m.Data[:4]...)
	data = append(data, 1)

	s.replyFrom(n, bidib.MsgCSPomAck, data...)
}

// --- Feedback handlers ---

func handleBmGetRange(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 2 {
		return
	}

	v := virtualOf(n)
	start, end := int(m.Data[0]), int(m.Data[1])
	if end > v.Bits {
		end = v.Bits
	}
	if start >= end {
		return
	}
	// round to byte boundaries the way occupancy windows are addressed
	start &^= 7
	count := (end - start + 7) &^ 7

	data := make([]byte, 0, 2+count/8)
	data = append(data, uint8(start), uint8(count))
	data = append(data, s.feedback.Range(v.Base+start, count)...)

	s.replyFrom(n, bidib.MsgBmMultiple, data...)
}

// handleBmMirrorMultiple acknowledges a window of occupancy bits; bits the
// host saw differently are re-reported.
func handleBmMirrorMultiple(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 2 {
		return
	}

	v := virtualOf(n)
	start, count := int(m.Data[0]), int(m.Data[1])
	if len(m.Data) < 2+(count+7)/8 {
		return
	}

	mirrored := m.Data[2:]
	for i := 0; i < count && start+i < v.Bits; i++ {
		got := mirrored[i/8]&(1<<(i%8)) != 0
		want := s.feedback.Get(v.Base + start + i)
		if got == want {
			continue
		}

		t := bidib.MsgBmFree
		if want {
			t = bidib.MsgBmOcc
		}
		s.replyFrom(n, t, uint8(start+i))
	}
}

func handleBmMirror(_ *Server, _ *node.Node, _ *bidib.Message) {
	// single-bit mirrors need no answer
}

func handleBmGetConfidence(s *Server, n *node.Node, _ *bidib.Message) {
	// synthesized bits are always valid: no void, no freeze, no signal loss
	s.replyFrom(n, bidib.MsgBmConfidence, 0, 0, 0)
}

// handleBmAddrGetRange reports that virtual groups carry no decoder
// addresses.
func handleBmAddrGetRange(s *Server, n *node.Node, m *bidib.Message) {
	if len(m.Data) < 2 {
		return
	}

	s.replyFrom(n, bidib.MsgBmAddress, m.Data[0], 0, 0)
}

// --- Sniff table ---

// buildSniffTable mirrors upstream traffic into the local tree and the
// event bus. It serves both the master's own bus feed and observation
// under foreign control.
func (s *Server) buildSniffTable() handlerTable {
	return handlerTable{
		{bidib.MsgFeature, func(_ *Server, n *node.Node, m *bidib.Message) {
			if len(m.Data) >= 2 {
				n.Features.Add(node.Feature{ID: m.Data[0], Value: m.Data[1]})
			}
		}},
		{bidib.MsgSysIdentifyState, func(_ *Server, n *node.Node, m *bidib.Message) {
			if len(m.Data) > 0 {
				n.Identify = m.Data[0] != 0
			}
		}},
		{bidib.MsgBmOcc, func(s *Server, n *node.Node, m *bidib.Message) {
			if len(m.Data) > 0 {
				s.mirrorOccBit(n, int(m.Data[0]), true)
				s.publish(event.Event{Kind: event.FeedbackChange, UID: n.UID, Addr: m.Addr, Code: m.Data[0]})
			}
		}},
		{bidib.MsgBmFree, func(s *Server, n *node.Node, m *bidib.Message) {
			if len(m.Data) > 0 {
				s.mirrorOccBit(n, int(m.Data[0]), false)
				s.publish(event.Event{Kind: event.FeedbackChange, UID: n.UID, Addr: m.Addr, Code: m.Data[0]})
			}
		}},
		{bidib.MsgBoostStat, func(s *Server, n *node.Node, m *bidib.Message) {
			if len(m.Data) > 0 {
				s.publish(event.Event{Kind: event.BoosterState, UID: n.UID, Addr: m.Addr, Code: m.Data[0]})
			}
		}},
		{bidib.MsgSysError, func(s *Server, n *node.Node, m *bidib.Message) {
			if len(m.Data) > 0 {
				s.mu.Lock()
				s.lastError = m.Data[0]
				s.mu.Unlock()
				s.publish(event.Event{Kind: event.ErrorReport, UID: n.UID, Addr: m.Addr, Code: m.Data[0]})
			}
		}},
	}
}
