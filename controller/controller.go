// Package controller drives the bring-up of discovered nodes when this
// system owns the bus: magic probe, protocol version, feature and string
// enumeration, and recursive node-table expansion on bridge nodes.
package controller

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/event"
	"github.com/openrail/go-bidib/logger"
	"github.com/openrail/go-bidib/node"
	"github.com/openrail/go-bidib/serial"
)

// Sender queues downstream messages toward the bus. *serial.Master
// implements it.
type Sender interface {
	Send(msgs ...*bidib.Message) error
}

type eventKind uint8

const (
	evMessage eventKind = iota + 1
	evAttach
	evDetach
)

type ctrlEvent struct {
	kind eventKind
	msg  *bidib.Message
	addr uint8
	uid  bidib.UID
}

// Controller runs the per-node bring-up state machines. All tree and node
// mutation happens on its single session goroutine; the public API only
// posts events to a bounded queue.
type Controller struct {
	cfg   *Config
	tree  *node.Tree
	out   Sender
	bus   *event.Bus
	clock serial.Clock
	log   logger.Logger

	// Session-goroutine state, never touched from outside the loop.
	deadlines   map[*node.Node]time.Time
	escalations map[*node.Node]int

	evq     chan ctrlEvent
	closeCh chan struct{}
	wg      sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
}

// New creates a controller session over the given tree and downstream sink.
// A nil cfg uses defaults.
func New(tree *node.Tree, out Sender, bus *event.Bus, cfg *Config) *Controller {
	if cfg == nil {
		cfg, _ = NewConfig()
	}

	return &Controller{
		cfg:         cfg,
		tree:        tree,
		out:         out,
		bus:         bus,
		clock:       cfg.GetClock(),
		log:         cfg.GetLogger(),
		deadlines:   make(map[*node.Node]time.Time),
		escalations: make(map[*node.Node]int),
		evq:         make(chan ctrlEvent, cfg.QueueSize()),
		closeCh:     make(chan struct{}),
	}
}

// Start launches the session loop.
func (c *Controller) Start() error {
	if c.closed.Load() {
		return errors.New("controller: session closed")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("controller: session already started")
	}

	c.wg.Add(1)
	go c.loop()

	return nil
}

// Close stops the session loop. It is safe to call more than once.
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if c.started.Load() {
		close(c.closeCh)
		c.wg.Wait()
	}
}

// Attach schedules bring-up for a device that appeared directly below the
// root, typically reported by the bus master's LOGON arbitration.
func (c *Controller) Attach(localAddr uint8, uid bidib.UID) {
	c.post(ctrlEvent{kind: evAttach, addr: localAddr, uid: uid})
}

// Detach removes a directly attached device and its subtree.
func (c *Controller) Detach(localAddr uint8, uid bidib.UID) {
	c.post(ctrlEvent{kind: evDetach, addr: localAddr, uid: uid})
}

// Handle feeds one upstream message into the session. It never blocks; a
// full queue drops the message, which the per-step timeout recovers from.
func (c *Controller) Handle(m *bidib.Message) {
	c.post(ctrlEvent{kind: evMessage, msg: m})
}

func (c *Controller) post(ev ctrlEvent) {
	if c.closed.Load() {
		return
	}

	select {
	case c.evq <- ev:
	default:
		c.log.Warn("controller queue full, event dropped", "kind", ev.kind)
	}
}

func (c *Controller) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case ev := <-c.evq:
			switch ev.kind {
			case evMessage:
				c.handleMsg(ev.msg)
			case evAttach:
				c.attach(ev.addr, ev.uid)
			case evDetach:
				c.detach(ev.addr)
			}
		case <-ticker.C:
			c.tick(c.clock.Now())
		}
	}
}

// attach inserts a fresh node below the root and starts its bring-up.
func (c *Controller) attach(localAddr uint8, uid bidib.UID) {
	n := node.New(uid, localAddr)
	if err := c.tree.Insert(nil, n); err != nil {
		if errors.Is(err, node.ErrTreeBusy) {
			// try again on a later event
			c.post(ctrlEvent{kind: evAttach, addr: localAddr, uid: uid})
			return
		}
		c.log.Error("node insert failed", "error", err, "addr", localAddr, "uid", uid)

		return
	}

	c.startBringup(n)
}

func (c *Controller) detach(localAddr uint8) {
	n := c.tree.Root().ChildByLocalAddr(localAddr)
	if n == nil {
		return
	}

	if err := c.tree.Drop(n); err != nil {
		c.log.Error("node drop failed", "error", err, "addr", localAddr)
		return
	}
	// deadline entries of the dropped subtree are collected lazily by tick
}

func (c *Controller) startBringup(n *node.Node) {
	n.Stage = node.StageGetMagic
	n.Retries = 0
	c.request(n, bidib.MsgSysGetMagic)
}

// attached reports whether n is still linked into the session's tree.
func (c *Controller) attached(n *node.Node) bool {
	for n.Parent() != nil {
		n = n.Parent()
	}

	return n == c.tree.Root()
}

// request sends the downstream message for the node's current step and arms
// its deadline. Broadcast types carry sequence 0.
func (c *Controller) request(n *node.Node, t bidib.MsgType, data ...byte) {
	c.send(n, t, data...)
	c.deadlines[n] = c.clock.Now().Add(c.stepTimeout(n))
}

// send transmits a downstream message that expects no reply.
func (c *Controller) send(n *node.Node, t bidib.MsgType, data ...byte) {
	var seq uint8
	if !t.IsBroadcast() && !t.IsLocal() {
		seq = n.NextTxSeq()
	}

	msg := &bidib.Message{Addr: n.Address(), Seq: seq, Type: t, Data: data}
	if err := c.out.Send(msg); err != nil {
		c.log.Error("downstream send failed", "error", err, "msg", msg)
	}
}

// stepTimeout returns the response timeout for the node's current step. The
// magic probe walks an increasing schedule; everything else uses the
// configured step timeout.
func (c *Controller) stepTimeout(n *node.Node) time.Duration {
	if n.Stage == node.StageGetMagic {
		i := n.Retries
		if i >= len(magicTimeouts) {
			i = len(magicTimeouts) - 1
		}

		return magicTimeouts[i]
	}

	return c.cfg.StepTimeout()
}

// tick retries or fails every node whose step deadline has passed.
func (c *Controller) tick(now time.Time) {
	for n, deadline := range c.deadlines {
		if !c.attached(n) {
			delete(c.deadlines, n)
			delete(c.escalations, n)

			continue
		}
		if now.Before(deadline) {
			continue
		}

		c.stepTimedOut(n)
	}
}

func (c *Controller) stepTimedOut(n *node.Node) {
	n.Retries++

	if n.Stage == node.StageGetMagic {
		if n.Retries < c.cfg.RetryLimit() {
			c.request(n, bidib.MsgSysGetMagic)
			return
		}

		// the node does not answer its magic probe, reset it once and
		// restart from scratch
		if c.escalations[n] == 0 {
			c.escalations[n]++
			c.log.Warn("magic probe exhausted, resetting node", "addr", n.Address(), "uid", n.UID)
			c.send(n, bidib.MsgSysReset)
			n.ResetSeq()
			c.startBringup(n)

			return
		}

		c.fail(n)

		return
	}

	if n.Retries <= c.cfg.RetryLimit() {
		c.resend(n)
		return
	}

	c.fail(n)
}

func (c *Controller) fail(n *node.Node) {
	c.log.Error("node bring-up failed", "addr", n.Address(), "uid", n.UID, "stage", n.Stage)
	n.Stage = node.StageFailed
	n.Cursor = nil
	delete(c.deadlines, n)
	delete(c.escalations, n)

	c.publish(event.Event{Kind: event.ErrorReport, UID: n.UID, Addr: n.Address(), Code: bidib.ErrCodeTimeout})
}

// resend re-issues the request of the node's current step without advancing
// the state machine.
func (c *Controller) resend(n *node.Node) {
	switch n.Stage {
	case node.StageGetMagic:
		c.request(n, bidib.MsgSysGetMagic)
	case node.StageGetPVersion:
		c.request(n, bidib.MsgSysGetPVersion)
	case node.StageReadFeatures:
		if n.Features.Len() == 0 {
			c.request(n, bidib.MsgFeatureGetAll)
		} else {
			c.request(n, bidib.MsgFeatureGetNext)
		}
	case node.StageAutoReadFeatures:
		// the device streams on its own; just re-arm the deadline
		c.deadlines[n] = c.clock.Now().Add(c.stepTimeout(n))
	case node.StageGetProdString:
		c.request(n, bidib.MsgStringGet, bidib.StringNamespaceNode, bidib.StringIndexProduct)
	case node.StageGetUserName:
		c.request(n, bidib.MsgStringGet, bidib.StringNamespaceNode, bidib.StringIndexUserName)
	case node.StageGetSWVersion:
		c.request(n, bidib.MsgSysGetSWVersion)
	case node.StageReadNtabCount:
		c.request(n, bidib.MsgNodeTabGetAll)
	case node.StageReadNodeTab:
		c.request(n, bidib.MsgNodeTabGetNext)
	default:
		delete(c.deadlines, n)
	}
}

func (c *Controller) publish(ev event.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}
