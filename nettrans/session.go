package nettrans

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/config"
	"github.com/openrail/go-bidib/logger"
)

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("nettrans: session closed")

// controlArbiter grants and revokes the single control slot. Implemented by
// the Listener.
type controlArbiter interface {
	takeControl(s *Session) bool
	releaseControl(s *Session)
	dispatch(m *bidib.Message)
	sessionGone(s *Session)
}

// ConnInfo is a point-in-time snapshot of one session.
type ConnInfo struct {
	RemoteAddr string
	State      SessionState
	UID        bidib.UID
	Product    string
	User       string
}

// Session is one network peer: the per-connection pairing state machine and
// the framing layer on top of a stream connection.
//
// A session in StateControl implements the server's upstream sink; its
// Send method is how bus traffic reaches the controlling host.
type Session struct {
	cfg   *Config
	arb   controlArbiter
	store *config.Store
	log   logger.Logger

	own     bidib.UID
	ownProd string
	ownUser string

	conn   net.Conn
	reader messageReader

	sendMu sync.Mutex

	mu         sync.Mutex
	state      SessionState
	peerUID    bidib.UID
	peerKnown  bool
	peerProd   string
	peerUser   string
	pairingTmr *time.Timer

	closed atomic.Bool
	done   chan struct{}
}

func newSession(conn net.Conn, cfg *Config, arb controlArbiter, store *config.Store, own bidib.UID, prod, user string) *Session {
	return &Session{
		cfg:     cfg,
		arb:     arb,
		store:   store,
		log:     cfg.GetLogger(),
		own:     own,
		ownProd: prod,
		ownUser: user,
		conn:    conn,
		reader:  messageReader{readTimeout: cfg.ReadTimeout()},
		state:   StateStartup,
		done:    make(chan struct{}),
	}
}

// State returns the current pairing state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Info returns a snapshot of the session.
func (s *Session) Info() ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ConnInfo{
		RemoteAddr: s.conn.RemoteAddr().String(),
		State:      s.state,
		UID:        s.peerUID,
		Product:    s.peerProd,
		User:       s.peerUser,
	}
}

// Send writes the messages to the peer as concatenated envelopes.
func (s *Session) Send(msgs ...*bidib.Message) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	buf := make([]byte, 0, len(msgs)*8)
	var err error
	for _, m := range msgs {
		if buf, err = m.Pack(buf); err != nil {
			return fmt.Errorf("pack message: %w", err)
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if _, err := s.conn.Write(buf); err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	return nil
}

// RequestPairing sends a pairing request to an unpaired peer.
func (s *Session) RequestPairing() error {
	s.mu.Lock()
	if s.state != StateUnpaired || !s.peerKnown {
		state := s.state
		s.mu.Unlock()

		return fmt.Errorf("nettrans: cannot request pairing in state %s", state)
	}
	peer := s.peerUID
	s.toState(StateMyRequest)
	s.armPairingTimeout()
	s.mu.Unlock()

	return s.Send(pairingMsg(LinkPairingRequest, s.own, peer))
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.conn.Close()
	<-s.done
}

// run is the receive loop; it owns all state transitions driven by the
// peer. It returns when the connection dies or the session is closed.
func (s *Session) run() {
	defer close(s.done)
	defer s.teardown()

	if err := s.greet(); err != nil {
		s.log.Warn("session greeting failed", "remote", s.conn.RemoteAddr(), "error", err)
		return
	}

	for {
		m, err := s.reader.ReadMessage(s.conn)
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("session read ended", "remote", s.conn.RemoteAddr(), "error", err)
			}

			return
		}

		if err := s.handle(m); err != nil {
			s.log.Warn("session aborted", "remote", s.conn.RemoteAddr(), "error", err)
			return
		}
	}
}

// greet opens the session with the protocol signature and our descriptors.
func (s *Session) greet() error {
	return s.Send(
		signatureMsg(),
		uidDescriptor(s.own),
		linkMsg(LinkDescriptorPVersion, bidib.ProtocolVersionMinor, bidib.ProtocolVersionMajor),
		stringDescriptor(LinkDescriptorProdString, s.ownProd),
		stringDescriptor(LinkDescriptorUserString, s.ownUser),
	)
}

func (s *Session) teardown() {
	s.closed.Store(true)
	_ = s.conn.Close()

	s.mu.Lock()
	wasControl := s.state == StateControl
	s.stopPairingTimeout()
	s.mu.Unlock()

	if wasControl {
		s.arb.releaseControl(s)
	}
	s.arb.sessionGone(s)
}

// handle processes one received message. A returned error aborts the
// session.
func (s *Session) handle(m *bidib.Message) error {
	if s.State() == StateStartup {
		if err := checkSignature(m); err != nil {
			return err
		}

		s.mu.Lock()
		s.toState(StateNull)
		s.mu.Unlock()

		return nil
	}

	switch m.Type {
	case bidib.MsgLocalProtocolSig:
		// repeated signatures are harmless
		return nil
	case bidib.MsgLocalPing:
		return s.Send(localMsg(bidib.MsgLocalPong, m.Data...))
	case bidib.MsgLocalLink:
		return s.handleLink(m)
	case bidib.MsgLocalLogon:
		s.handleLogon()
		return nil
	case bidib.MsgLocalLogoff:
		s.handleLogoff()
		return nil
	}

	if m.Type.IsLocal() {
		s.log.Debug("ignoring local message", "type", m.Type, "remote", s.conn.RemoteAddr())
		return nil
	}

	if s.State() != StateControl {
		s.log.Warn("command from non-control session dropped",
			"msg", m, "state", s.State(), "remote", s.conn.RemoteAddr())

		return nil
	}

	s.arb.dispatch(m)

	return nil
}

func (s *Session) handleLink(m *bidib.Message) error {
	if len(m.Data) < 1 {
		return errShortLink
	}
	sub, body := m.Data[0], m.Data[1:]

	switch sub {
	case LinkDescriptorUID:
		return s.onPeerUID(body)

	case LinkDescriptorProdString:
		text, err := parseLinkString(body)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.peerProd = text
		s.mu.Unlock()

	case LinkDescriptorUserString:
		text, err := parseLinkString(body)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.peerUser = text
		s.mu.Unlock()

	case LinkDescriptorPVersion:
		// informational

	case LinkPairingRequest:
		return s.onPairingRequest()

	case LinkStatusPaired:
		s.onStatusPaired()

	case LinkStatusUnpaired:
		s.onStatusUnpaired()

	default:
		s.log.Debug("unknown link subcommand", "sub", sub, "remote", s.conn.RemoteAddr())
	}

	return nil
}

// onPeerUID latches the peer identity and branches on the trust table.
func (s *Session) onPeerUID(body []byte) error {
	uid, err := parseLinkUID(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.peerUID = uid
	s.peerKnown = true
	if s.state != StateNull {
		// identity refresh after bring-up, nothing to decide
		s.mu.Unlock()
		return nil
	}

	trusted := s.store.IsTrusted(uid.Short())
	if trusted {
		s.toState(StatePaired)
	} else {
		s.toState(StateUnpaired)
	}
	s.mu.Unlock()

	status := uint8(LinkStatusUnpaired)
	if trusted {
		status = LinkStatusPaired
	}

	return s.Send(pairingMsg(status, s.own, uid))
}

// onPairingRequest runs the local pairing decision. A request while our own
// request is open counts as mutual agreement.
func (s *Session) onPairingRequest() error {
	s.mu.Lock()
	switch s.state {
	case StateMyRequest:
		s.stopPairingTimeout()
		s.persistTrustLocked()
		s.toState(StatePaired)
		peer := s.peerUID
		s.mu.Unlock()

		return s.Send(pairingMsg(LinkStatusPaired, s.own, peer))

	case StateUnpaired:
		s.toState(StateTheirRequest)
		info := ConnInfo{
			RemoteAddr: s.conn.RemoteAddr().String(),
			State:      s.state,
			UID:        s.peerUID,
			Product:    s.peerProd,
			User:       s.peerUser,
		}
		s.mu.Unlock()

		accepted := s.cfg.approver(info)

		s.mu.Lock()
		if s.state != StateTheirRequest {
			s.mu.Unlock()
			return nil
		}
		peer := s.peerUID
		status := uint8(LinkStatusUnpaired)
		if accepted {
			s.persistTrustLocked()
			s.toState(StatePaired)
			status = LinkStatusPaired
		} else {
			s.toState(StateUnpaired)
		}
		s.mu.Unlock()

		return s.Send(pairingMsg(status, s.own, peer))

	default:
		state := s.state
		s.mu.Unlock()
		s.log.Debug("pairing request ignored", "state", state, "remote", s.conn.RemoteAddr())

		return nil
	}
}

func (s *Session) onStatusPaired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateMyRequest {
		return
	}

	s.stopPairingTimeout()
	s.persistTrustLocked()
	s.toState(StatePaired)
}

// onStatusUnpaired drops trust. A peer may revoke an established pairing at
// any time, which also costs it a control session.
func (s *Session) onStatusUnpaired() {
	s.mu.Lock()
	wasControl := s.state == StateControl
	switch s.state {
	case StateMyRequest, StateTheirRequest:
		s.stopPairingTimeout()
		s.toState(StateUnpaired)
	case StatePaired, StateControl:
		if s.peerKnown {
			s.store.RemoveTrusted(s.peerUID.Short())
		}
		s.toState(StateUnpaired)
	}
	s.mu.Unlock()

	if wasControl {
		s.arb.releaseControl(s)
	}
}

// handleLogon grants control to a paired peer. A logon that cannot be
// honored is answered with an explicit logoff rather than silence.
func (s *Session) handleLogon() {
	s.mu.Lock()
	paired := s.state == StatePaired
	if s.state == StateControl {
		// already ours
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if paired && s.arb.takeControl(s) {
		s.mu.Lock()
		s.toState(StateControl)
		s.mu.Unlock()

		return
	}

	if err := s.Send(localMsg(bidib.MsgLocalLogoff)); err != nil {
		s.log.Debug("logon rejection failed", "remote", s.conn.RemoteAddr(), "error", err)
	}
}

func (s *Session) handleLogoff() {
	s.mu.Lock()
	wasControl := s.state == StateControl
	if wasControl {
		s.toState(StatePaired)
	}
	s.mu.Unlock()

	if wasControl {
		s.arb.releaseControl(s)
	}
}

// persistTrustLocked records the peer in the trust table. Caller holds mu.
func (s *Session) persistTrustLocked() {
	if !s.peerKnown {
		return
	}

	s.store.SetTrusted(s.peerUID.Short(), config.TrustedClient{
		ProdString: s.peerProd,
		UserName:   s.peerUser,
	})
}

// toState transitions the state machine. Caller holds mu.
func (s *Session) toState(next SessionState) {
	if s.state == next {
		return
	}

	s.log.Debug("session state", "remote", s.conn.RemoteAddr(), "from", s.state, "to", next)
	s.state = next
}

// armPairingTimeout reverts an unanswered pairing request. Caller holds mu.
func (s *Session) armPairingTimeout() {
	s.stopPairingTimeout()
	s.pairingTmr = time.AfterFunc(s.cfg.PairingTimeout(), func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.state == StateMyRequest {
			s.toState(StateUnpaired)
		}
	})
}

// stopPairingTimeout cancels a pending revert. Caller holds mu.
func (s *Session) stopPairingTimeout() {
	if s.pairingTmr != nil {
		s.pairingTmr.Stop()
		s.pairingTmr = nil
	}
}
