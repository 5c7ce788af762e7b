// Package server implements the remote-controlled side of the stack: it
// decodes host commands against per-node handler tables, synthesizes the
// virtual subtree for this system's own capabilities, and runs the
// node-table-change acknowledgment protocol toward the controlling peer.
package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/config"
	"github.com/openrail/go-bidib/event"
	"github.com/openrail/go-bidib/logger"
	"github.com/openrail/go-bidib/node"
	"github.com/openrail/go-bidib/serial"
)

// Sink receives messages leaving the server, either upstream toward the
// controlling session or downstream toward the bus master.
type Sink interface {
	Send(msgs ...*bidib.Message) error
}

// Node-table-change acknowledgment protocol parameters.
const (
	pendingRetryLimit = 16
	pendingInterval   = 250 * time.Millisecond
)

// Software version reported by the virtual nodes, patch first on the wire.
var swVersion = [3]byte{0, 8, 0}

// pendingChange is a node-table change awaiting a remote acknowledgment.
type pendingChange struct {
	msg     *bidib.Message
	version uint8
	tries   int
	next    time.Time
}

// Server owns the virtual subtree and the dispatch tables.
type Server struct {
	tree     *node.Tree
	store    *config.Store
	bus      *event.Bus
	feedback *FeedbackSpace
	clock    serial.Clock
	log      logger.Logger

	mu        sync.Mutex
	up        Sink
	down      Sink
	pending   *pendingChange
	lastError uint8
	csState   uint8
	hub       *node.Node

	sniffTable handlerTable

	closeCh chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// Options configure a Server.
type Options struct {
	// FeedbackGroups is the number of virtual feedback nodes synthesized
	// below the hub.
	FeedbackGroups int
	// Down receives host commands addressed at physical bus nodes.
	Down Sink

	Clock  serial.Clock
	Logger logger.Logger
}

// New creates a server over the given tree and store and synthesizes the
// virtual subtree.
func New(tree *node.Tree, store *config.Store, bus *event.Bus, opts Options) (*Server, error) {
	if opts.Clock == nil {
		opts.Clock = serial.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.GetLogger()
	}

	s := &Server{
		tree:     tree,
		store:    store,
		bus:      bus,
		feedback: NewFeedbackSpace(),
		clock:    opts.Clock,
		log:      opts.Logger,
		down:     opts.Down,
		closeCh:  make(chan struct{}),
	}
	s.sniffTable = s.buildSniffTable()

	if err := s.buildSubtree(opts.FeedbackGroups); err != nil {
		return nil, err
	}

	return s, nil
}

// Feedback returns the flat occupancy-bit space.
func (s *Server) Feedback() *FeedbackSpace { return s.feedback }

// Hub returns the virtual hub node.
func (s *Server) Hub() *node.Node { return s.hub }

// SetControl installs the controlling session's upstream sink. Passing nil
// releases control.
func (s *Server) SetControl(up Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.up = up
	if up == nil {
		s.pending = nil
	}
}

// Controlled reports whether a session currently owns this system.
func (s *Server) Controlled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.up != nil
}

// Start launches the retry loop of the change-acknowledgment protocol and
// the tree-event mirror.
func (s *Server) Start() error {
	if s.closed.Load() {
		return errors.New("server: closed")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("server: already started")
	}

	var events <-chan event.Event
	var cancel func()
	if s.bus != nil {
		events, cancel = s.bus.Subscribe(16, event.NodeNew, event.NodeLost)
	} else {
		events = make(chan event.Event)
		cancel = func() {}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		ticker := time.NewTicker(pendingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.closeCh:
				return
			case ev := <-events:
				s.onTreeEvent(ev)
			case <-ticker.C:
				s.tick(s.clock.Now())
			}
		}
	}()

	return nil
}

// Close stops the retry loop. It is safe to call more than once.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	if s.started.Load() {
		close(s.closeCh)
		s.wg.Wait()
	}
}

// Dispatch executes one host-issued downstream message. Messages for
// physical nodes are forwarded to the bus; messages for virtual nodes run
// through the node's handler table. An unknown address is answered with
// MSG_NODE_NA carrying the failing local address.
func (s *Server) Dispatch(m *bidib.Message) {
	n := s.tree.ByAddress(m.Addr)
	if n == nil {
		s.replyRoot(bidib.MsgNodeNA, m.Addr.Level(0))
		return
	}

	v := virtualOf(n)
	if v == nil {
		s.forwardDown(m)
		return
	}

	if h := v.handlers.lookup(m.Type); h != nil {
		if !n.CheckRxSeq(m.Seq) {
			s.log.Warn("sequence gap", "addr", m.Addr, "got", m.Seq)
			s.replyFrom(n, bidib.MsgSysError, bidib.ErrCodeSequence, m.Seq)
			s.publish(event.Event{Kind: event.ErrorReport, UID: n.UID, Addr: m.Addr, Code: bidib.ErrCodeSequence})
		}
		h(s, n, m)

		return
	}
	// unmatched types are ignored by design of the dispatch tables
	s.log.Debug("unhandled downstream message", "msg", m)
}

// Sniff observes upstream traffic while a foreign controller owns the bus,
// mirroring remote state into the local tree.
func (s *Server) Sniff(m *bidib.Message) {
	if h := s.sniffTable.lookup(m.Type); h != nil {
		n := s.tree.ByAddress(m.Addr)
		if n == nil {
			return
		}
		h(s, n, m)
	}
}

// FromBus handles upstream messages arriving from the bus while this
// system owns it: the sniff mirror folds them into the local state, then
// everything is forwarded to the controlling session.
func (s *Server) FromBus(m *bidib.Message) {
	s.Sniff(m)
	s.forwardUp(m)
}

// SetFeedbackBit drives one bit of the flat feedback space, publishing the
// change and reporting it upstream from the owning virtual group.
func (s *Server) SetFeedbackBit(global int, occupied bool) {
	if !s.feedback.Set(global, occupied) {
		return
	}

	g := s.groupForBit(global)
	if g == nil {
		return
	}
	v := virtualOf(g)
	local := uint8(global - v.Base)

	s.publish(event.Event{Kind: event.FeedbackChange, UID: g.UID, Addr: g.Address(), Code: local})

	t := bidib.MsgBmFree
	if occupied {
		t = bidib.MsgBmOcc
	}
	s.replyFrom(g, t, local)
}

// groupForBit returns the virtual feedback node whose window covers the
// global bit index.
func (s *Server) groupForBit(global int) *node.Node {
	for _, c := range s.hub.Children() {
		v := virtualOf(c)
		if v != nil && v.Kind == KindFeedback && global >= v.Base && global < v.Base+v.Bits {
			return c
		}
	}

	return nil
}

// mapOccupancy attaches the configured feedback window to a freshly joined
// physical detector so its occupancy reports land in the flat bit space.
func (s *Server) mapOccupancy(ev event.Event) {
	if !ev.UID.HasOccupancy() {
		return
	}

	n := s.tree.ByAddress(ev.Addr)
	if n == nil || n.Virtual || n.Ext != nil {
		return
	}

	base, ok := s.store.FeedbackBase(ev.UID.Short())
	if !ok {
		return
	}

	n.Ext = &FeedbackMapping{Base: base}
	s.log.Info("feedback mapping attached", "addr", ev.Addr, "base", base)
}

// mirrorOccBit folds a physical detector's reported bit into the flat
// feedback space when the node carries a mapping.
func (s *Server) mirrorOccBit(n *node.Node, local int, occupied bool) {
	mp, _ := n.Ext.(*FeedbackMapping)
	if mp == nil {
		return
	}

	s.feedback.Reserve(mp.Base + local + 1)
	s.feedback.Set(mp.Base+local, occupied)
}

// onTreeEvent converts a root-level membership change into the announce
// protocol toward the controlling session.
func (s *Server) onTreeEvent(ev event.Event) {
	if ev.Kind == event.NodeNew {
		s.mapOccupancy(ev)
	}

	if ev.Addr.Depth() != 1 {
		// deeper changes are announced by the owning bridge itself
		return
	}

	root := s.tree.Root()
	local := ev.Addr.Level(0)

	var t bidib.MsgType
	switch ev.Kind {
	case event.NodeNew:
		t = bidib.MsgNodeNew
	case event.NodeLost:
		t = bidib.MsgNodeLost
	default:
		return
	}

	data := make([]byte, 0, 2+bidib.UIDSize)
	data = append(data, root.TabVersion, local)
	if t == bidib.MsgNodeNew {
		data = append(data, ev.UID[:]...)
	}

	s.announceChange(&bidib.Message{Addr: bidib.SelfAddr, Type: t, Data: data}, root.TabVersion)
}

// announceChange starts (or replaces) the pending node-table change and
// sends its first announcement.
func (s *Server) announceChange(m *bidib.Message, version uint8) {
	s.mu.Lock()
	if s.up == nil {
		s.mu.Unlock()
		return
	}
	m.Seq = s.tree.Root().NextTxSeq()
	s.pending = &pendingChange{
		msg:     m,
		version: version,
		tries:   1,
		next:    s.clock.Now().Add(pendingInterval),
	}
	up := s.up
	s.mu.Unlock()

	if err := up.Send(m); err != nil {
		s.log.Error("change announce failed", "error", err)
	}
}

// tick retransmits the pending change until it is acknowledged or the
// retry budget runs out.
func (s *Server) tick(now time.Time) {
	s.mu.Lock()
	p := s.pending
	if p == nil || s.up == nil || now.Before(p.next) {
		s.mu.Unlock()
		return
	}

	if p.tries >= pendingRetryLimit {
		s.pending = nil
		s.mu.Unlock()
		s.log.Warn("node-table change never acknowledged", "version", p.version)

		return
	}

	p.tries++
	p.next = now.Add(pendingInterval)
	p.msg.Seq = s.tree.Root().NextTxSeq()
	up := s.up
	s.mu.Unlock()

	if err := up.Send(p.msg); err != nil {
		s.log.Error("change announce failed", "error", err)
	}
}

// ackChange cancels the pending change when the peer acknowledges a
// matching version or clears with version 0.
func (s *Server) ackChange(version uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return
	}
	if version == 0 || version == s.pending.version {
		s.pending = nil
	}
}

func (s *Server) forwardDown(m *bidib.Message) {
	if s.down == nil {
		s.replyRoot(bidib.MsgNodeNA, m.Addr.Level(0))
		return
	}
	if err := s.down.Send(m); err != nil {
		s.log.Error("bus forward failed", "error", err, "msg", m)
	}
}

func (s *Server) forwardUp(m *bidib.Message) {
	s.mu.Lock()
	up := s.up
	s.mu.Unlock()

	if up == nil {
		return
	}
	if err := up.Send(m); err != nil {
		s.log.Error("upstream forward failed", "error", err, "msg", m)
	}
}

// replyFrom sends an upstream message originating at node n.
func (s *Server) replyFrom(n *node.Node, t bidib.MsgType, data ...byte) {
	var seq uint8
	if !t.IsBroadcast() && !t.IsLocal() {
		seq = n.NextTxSeq()
	}

	s.forwardUp(&bidib.Message{Addr: n.Address(), Seq: seq, Type: t, Data: data})
}

// replyRoot sends an upstream message originating at the root.
func (s *Server) replyRoot(t bidib.MsgType, data ...byte) {
	s.replyFrom(s.tree.Root(), t, data...)
}

func (s *Server) publish(ev event.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}
