package serial

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/internal/pool"
	"github.com/openrail/go-bidib/internal/queue"
	"github.com/openrail/go-bidib/logger"
)

// MessageFunc receives upstream messages with their bus-local origin
// already prefixed onto the address stack.
type MessageFunc func(m *bidib.Message)

// NodeFunc reports a device joining or leaving a bus address.
type NodeFunc func(addr uint8, uid bidib.UID)

// Stats are cumulative bus error counters. They never reset.
type Stats struct {
	Timeouts   uint64
	CharFaults uint64
	CRCErrors  uint64
	Collisions uint64
}

// Master drives the shared multidrop bus as its single active session. It
// round-robins poll tokens over the occupied addresses, drains its own
// transmit queue in the self slot, and invites unaddressed devices with
// LOGON tokens. All bus I/O happens on one goroutine; the public API only
// posts work to it.
type Master struct {
	cfg   *Config
	tr    Transport
	clock Clock
	log   logger.Logger

	mu    sync.Mutex
	txq   queue.Queue[*bidib.Message]
	table busTable

	onMessage  MessageFunc
	onNodeNew  NodeFunc
	onNodeLost NodeFunc

	timeouts   *xsync.Counter
	charFaults *xsync.Counter
	crcErrors  *xsync.Counter
	collisions *xsync.Counter

	resetCh chan chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool
}

// NewMaster creates a bus master over the given transport. A nil cfg uses
// defaults.
func NewMaster(tr Transport, cfg *Config) *Master {
	if cfg == nil {
		cfg, _ = NewConfig()
	}

	return &Master{
		cfg:        cfg,
		tr:         tr,
		clock:      cfg.GetClock(),
		log:        cfg.GetLogger(),
		txq:        queue.NewSliceQueue[*bidib.Message](cfg.TxQueueSize()),
		timeouts:   xsync.NewCounter(),
		charFaults: xsync.NewCounter(),
		crcErrors:  xsync.NewCounter(),
		collisions: xsync.NewCounter(),
		resetCh:    make(chan chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
}

// OnMessage sets the upstream delivery callback. Must be called before Start.
func (m *Master) OnMessage(fn MessageFunc) { m.onMessage = fn }

// OnNodeNew sets the device-joined callback. Must be called before Start.
func (m *Master) OnNodeNew(fn NodeFunc) { m.onNodeNew = fn }

// OnNodeLost sets the device-lost callback. Must be called before Start.
func (m *Master) OnNodeLost(fn NodeFunc) { m.onNodeLost = fn }

// Start launches the polling loop.
func (m *Master) Start() error {
	if m.closed.Load() {
		return ErrMasterClosed
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("serial: master already started")
	}

	m.wg.Add(1)
	go m.loop()

	return nil
}

// Close stops the polling loop and releases the transport. It is safe to
// call more than once.
func (m *Master) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	if m.started.Load() {
		close(m.closeCh)
		m.wg.Wait()
	}

	return m.tr.Close()
}

// Send queues fully formed downstream messages for the next self slot.
func (m *Master) Send(msgs ...*bidib.Message) error {
	if m.closed.Load() {
		return ErrMasterClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.txq.Length()+len(msgs) > m.cfg.TxQueueSize() {
		return fmt.Errorf("%w: %d queued", ErrQueueFull, m.txq.Length())
	}
	for _, msg := range msgs {
		m.txq.Enqueue(msg)
	}

	return nil
}

// Reset requests a full bus reset and blocks until the polling loop has
// cleared the node table, transmitted the reset and sat out the quiescence
// window. The subnode table afterwards holds only the master itself.
func (m *Master) Reset() error {
	if m.closed.Load() {
		return ErrMasterClosed
	}

	done := make(chan struct{})
	select {
	case m.resetCh <- done:
	default:
		return fmt.Errorf("%w: reset already pending", ErrResetTimeout)
	}

	timer := pool.GetTimer(m.cfg.ResetTimeout())
	defer pool.PutTimer(timer)

	select {
	case <-done:
		return nil
	case <-m.closeCh:
		return ErrMasterClosed
	case <-timer.C:
		return ErrResetTimeout
	}
}

// Nodes returns a snapshot of the occupied bus addresses.
func (m *Master) Nodes() []BusNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []BusNode
	for _, a := range m.table.addrs() {
		out = append(out, BusNode{Addr: a, UID: m.table.entries[a].uid})
	}

	return out
}

// GetStats returns the cumulative error counters.
func (m *Master) GetStats() Stats {
	return Stats{
		Timeouts:   uint64(m.timeouts.Value()),
		CharFaults: uint64(m.charFaults.Value()),
		CRCErrors:  uint64(m.crcErrors.Value()),
		Collisions: uint64(m.collisions.Value()),
	}
}

func (m *Master) loop() {
	defer m.wg.Done()

	state := stateTransmit
	var resetDone chan struct{}

	for {
		select {
		case <-m.closeCh:
			return
		case resetDone = <-m.resetCh:
			m.log.Debug("bus cycle preempted", "state", state)
			state = stateReset
		default:
		}

		switch state {
		case stateTransmit:
			m.transmitPending()
		case statePoll:
			if !m.pollRound() {
				return
			}
		case stateLogon:
			m.logonRound()
		case stateReset:
			m.doReset(resetDone)
		}

		state = state.next()
	}
}

// pollRound addresses every occupied subnode once. It returns false when
// the master is closing.
func (m *Master) pollRound() bool {
	m.mu.Lock()
	addrs := m.table.addrs()
	m.mu.Unlock()

	for _, addr := range addrs {
		select {
		case <-m.closeCh:
			return false
		default:
		}

		if m.pollNode(addr) {
			// reply filled past the high-water mark, give the
			// node one extra turn
			m.pollNode(addr)
		}
	}

	return true
}

// transmitPending drains the downstream queue into wire packets. The self
// slot is announced with poll token 0 so bus sniffers can follow the frame
// boundaries.
func (m *Master) transmitPending() {
	m.mu.Lock()
	var msgs []*bidib.Message
	for {
		msg, ok := m.txq.Dequeue()
		if !ok {
			break
		}
		msgs = append(msgs, msg)
	}
	m.mu.Unlock()

	for len(msgs) > 0 {
		payload, n, err := bidib.PackAll(msgs, nil, MaxPacketPayload)
		if err != nil || n == 0 {
			m.log.Error("dropping unpackable downstream message", "error", err, "msg", msgs[0])
			msgs = msgs[1:]

			continue
		}
		msgs = msgs[n:]

		pkt, err := BuildPacket(payload)
		if err != nil {
			m.log.Error("downstream packet build failed", "error", err)
			continue
		}

		out := append([]byte{pollToken(0)}, pkt...)
		if err := m.tr.Write(out); err != nil {
			m.log.Error("bus write failed", "error", err)
			return
		}
	}
}

// pollNode addresses one subnode and collects its reply. It returns true
// when the reply filled past the high-water mark and the node deserves an
// immediate re-poll.
func (m *Master) pollNode(addr uint8) bool {
	if err := m.tr.Write([]byte{pollToken(addr)}); err != nil {
		m.log.Error("bus write failed", "error", err, "addr", addr)
		return false
	}

	first, err := m.tr.ReadChar(m.cfg.ResponseTimeout())
	if err != nil {
		m.timeouts.Inc()
		m.miss(addr)

		return false
	}
	if first.Fault {
		m.charFaults.Inc()
		m.log.Warn("character fault in poll reply", "addr", addr)

		return false
	}

	if first.B < minPacketLen {
		// control reply, node is alive but has nothing to say
		m.alive(addr)
		return false
	}

	plen := int(first.B)
	pkt := make([]byte, 0, plen+2)
	pkt = append(pkt, first.B)
	for len(pkt) < plen+2 {
		ch, err := m.tr.ReadChar(m.cfg.InterCharTimeout())
		if err != nil {
			m.timeouts.Inc()
			m.log.Warn("poll reply truncated", "addr", addr, "got", len(pkt), "want", plen+2)

			return false
		}
		if ch.Fault {
			m.charFaults.Inc()
			m.log.Warn("character fault in poll reply", "addr", addr)

			return false
		}
		pkt = append(pkt, ch.B)
	}

	payload, err := VerifyPacket(pkt)
	if err != nil {
		m.crcErrors.Inc()
		m.log.Warn("poll reply rejected", "addr", addr, "error", err)

		return false
	}

	m.alive(addr)

	msgs, err := bidib.Unpack(payload, bidib.NewAddress(addr))
	if err != nil {
		m.log.Warn("malformed message in poll reply", "addr", addr, "error", err)
	}
	if m.onMessage != nil {
		for _, msg := range msgs {
			m.onMessage(msg)
		}
	}

	return len(payload) >= m.cfg.HighWater()
}

func (m *Master) alive(addr uint8) {
	m.mu.Lock()
	if e := m.table.get(addr); e != nil {
		e.misses = 0
	}
	m.mu.Unlock()
}

// miss counts a poll timeout against a subnode and reclaims its address
// once the miss limit is reached.
func (m *Master) miss(addr uint8) {
	m.mu.Lock()
	e := m.table.get(addr)
	if e == nil {
		m.mu.Unlock()
		return
	}

	e.misses++
	if e.misses < m.cfg.MissLimit() {
		m.mu.Unlock()
		return
	}

	uid := e.uid
	m.table.remove(addr)
	m.mu.Unlock()

	m.log.Info("bus node lost", "addr", addr, "uid", uid)
	if m.onNodeLost != nil {
		m.onNodeLost(addr, uid)
	}
}

// logonRound invites unaddressed devices and classifies the response as
// empty, a single well-formed claim, or a collision.
func (m *Master) logonRound() {
	if err := m.tr.Write([]byte{TokenLogon}); err != nil {
		m.log.Error("bus write failed", "error", err)
		return
	}

	first, err := m.tr.ReadChar(m.cfg.ResponseTimeout())
	if err != nil {
		// empty: nobody waiting for an address
		return
	}

	faulted := first.Fault
	raw := make([]byte, 0, LogonReplySize)
	raw = append(raw, first.B)
	for {
		ch, err := m.tr.ReadChar(m.cfg.InterCharTimeout())
		if err != nil {
			break
		}
		faulted = faulted || ch.Fault
		if len(raw) < 2*LogonReplySize {
			raw = append(raw, ch.B)
		}
	}

	if faulted {
		m.collisions.Inc()
		m.log.Debug("logon collision", "reason", "character fault")

		return
	}

	uid, err := ParseLogonReply(raw)
	if err != nil {
		m.collisions.Inc()
		m.log.Debug("logon collision", "reason", err)

		return
	}

	m.mu.Lock()
	addr := m.table.freeAddr()
	if addr != 0 {
		m.table.add(addr, uid)
	}
	m.mu.Unlock()

	if addr == 0 {
		m.log.Warn("bus full, logon ignored", "uid", uid)
		return
	}

	if err := m.sendLogonAck(addr, uid); err != nil {
		m.log.Error("logon ack failed", "error", err, "addr", addr)
		m.mu.Lock()
		m.table.remove(addr)
		m.mu.Unlock()

		return
	}

	m.log.Info("bus node joined", "addr", addr, "uid", uid)
	if m.onNodeNew != nil {
		m.onNodeNew(addr, uid)
	}
}

// sendLogonAck assigns a bus address to a freshly advertised UID.
func (m *Master) sendLogonAck(addr uint8, uid bidib.UID) error {
	data := make([]byte, 0, 1+bidib.UIDSize)
	data = append(data, addr)
	data = append(data, uid[:]...)

	ack := &bidib.Message{Addr: bidib.SelfAddr, Type: bidib.MsgLocalLogonAck, Data: data}
	payload, err := ack.Pack(nil)
	if err != nil {
		return err
	}

	pkt, err := BuildPacket(payload)
	if err != nil {
		return err
	}

	return m.tr.Write(append([]byte{pollToken(0)}, pkt...))
}

// doReset services a pending bus reset: every table entry is reported
// lost and cleared, the reset broadcast goes out, and polling stays quiet
// long enough for the attached devices to restart their address claims.
func (m *Master) doReset(done chan struct{}) {
	m.mu.Lock()
	lost := make([]BusNode, 0, m.table.count())
	for _, a := range m.table.addrs() {
		lost = append(lost, BusNode{Addr: a, UID: m.table.entries[a].uid})
	}
	m.table.clear()
	m.txq.Reset()
	m.mu.Unlock()

	for _, n := range lost {
		m.log.Info("bus node lost", "addr", n.Addr, "uid", n.UID)
		if m.onNodeLost != nil {
			m.onNodeLost(n.Addr, n.UID)
		}
	}

	reset := &bidib.Message{Addr: bidib.SelfAddr, Type: bidib.MsgSysReset}
	payload, _ := reset.Pack(nil)
	pkt, _ := BuildPacket(payload)

	if err := m.tr.Write(append([]byte{pollToken(0)}, pkt...)); err != nil {
		m.log.Error("bus reset write failed", "error", err)
	}

	m.clock.Sleep(m.cfg.Quiescence())
	close(done)
}
