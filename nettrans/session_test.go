package nettrans

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/config"
	"github.com/openrail/go-bidib/logger"
)

var (
	ownUID  = bidib.UID{bidib.ClassBridge, 0x00, 0x0D, 0x68, 0x00, 0x00, 0x10}
	peerUID = bidib.UID{0x00, 0x00, 0x0D, 0x6B, 0x00, 0x00, 0x77}
)

type fakeArb struct {
	mu         sync.Mutex
	grant      bool
	takes      int
	releases   int
	dispatched []*bidib.Message
	gone       bool
}

func (a *fakeArb) takeControl(*Session) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.takes++

	return a.grant
}

func (a *fakeArb) releaseControl(*Session) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.releases++
}

func (a *fakeArb) dispatch(m *bidib.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.dispatched = append(a.dispatched, m)
}

func (a *fakeArb) sessionGone(*Session) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.gone = true
}

// peer drives the remote end of a session pipe.
type peer struct {
	t      *testing.T
	conn   net.Conn
	reader messageReader
}

func (p *peer) read() *bidib.Message {
	p.t.Helper()

	m, err := p.reader.ReadMessage(p.conn)
	require.NoError(p.t, err)

	return m
}

// readGreeting consumes the signature and descriptor burst a session opens
// with and returns the messages in order.
func (p *peer) readGreeting() []*bidib.Message {
	p.t.Helper()

	msgs := make([]*bidib.Message, 5)
	for i := range msgs {
		msgs[i] = p.read()
	}

	return msgs
}

func (p *peer) send(m *bidib.Message) {
	p.t.Helper()

	buf, err := m.Pack(nil)
	require.NoError(p.t, err)

	_, err = p.conn.Write(buf)
	require.NoError(p.t, err)
}

func (p *peer) sendLink(sub uint8, data ...byte) {
	p.t.Helper()
	p.send(linkMsg(sub, data...))
}

// introduce runs the peer half of the bring-up: signature plus identity.
func (p *peer) introduce() *bidib.Message {
	p.t.Helper()

	p.readGreeting()
	p.send(localMsg(bidib.MsgLocalProtocolSig, []byte(protocolSignature+"-test")...))
	p.sendLink(LinkDescriptorUID, peerUID[:]...)

	return p.read() // pairing status verdict
}

type sessionHarness struct {
	sess  *Session
	peer  *peer
	arb   *fakeArb
	store *config.Store
}

func newSessionHarness(t *testing.T, opts ...Option) *sessionHarness {
	t.Helper()

	cfg, err := NewConfig(append([]Option{WithReadTimeout(time.Second)}, opts...)...)
	require.NoError(t, err)

	store, err := config.Open(filepath.Join(t.TempDir(), "bidib.yaml"), logger.GetLogger())
	require.NoError(t, err)

	client, srvConn := net.Pipe()
	arb := &fakeArb{grant: true}

	sess := newSession(srvConn, cfg, arb, store, ownUID, "OneCS", "layout")
	go sess.run()
	t.Cleanup(sess.Close)

	return &sessionHarness{
		sess:  sess,
		peer:  &peer{t: t, conn: client, reader: messageReader{readTimeout: time.Second}},
		arb:   arb,
		store: store,
	}
}

func waitState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want },
		time.Second, time.Millisecond, "state %s never reached, at %s", want, s.State())
}

func TestSessionGreeting(t *testing.T) {
	h := newSessionHarness(t)
	msgs := h.peer.readGreeting()

	require.Equal(t, bidib.MsgLocalProtocolSig, msgs[0].Type)
	require.Equal(t, protocolSignature, string(msgs[0].Data[:len(protocolSignature)]))

	require.Equal(t, bidib.MsgLocalLink, msgs[1].Type)
	require.Equal(t, LinkDescriptorUID, msgs[1].Data[0])
	require.Equal(t, ownUID[:], msgs[1].Data[1:])

	require.Equal(t, LinkDescriptorPVersion, msgs[2].Data[0])
	require.Equal(t, []byte{bidib.ProtocolVersionMinor, bidib.ProtocolVersionMajor}, msgs[2].Data[1:])

	prod, err := parseLinkString(msgs[3].Data[1:])
	require.NoError(t, err)
	require.Equal(t, "OneCS", prod)

	user, err := parseLinkString(msgs[4].Data[1:])
	require.NoError(t, err)
	require.Equal(t, "layout", user)
}

func TestSessionRejectsBadSignature(t *testing.T) {
	h := newSessionHarness(t)
	h.peer.readGreeting()

	h.peer.send(localMsg(bidib.MsgLocalPing))

	_, err := h.peer.reader.ReadMessage(h.peer.conn)
	require.Error(t, err, "session must drop the connection")
}

func TestSessionPairing(t *testing.T) {
	t.Run("unknown peer starts unpaired", func(t *testing.T) {
		h := newSessionHarness(t)
		verdict := h.peer.introduce()

		require.Equal(t, bidib.MsgLocalLink, verdict.Type)
		require.Equal(t, LinkStatusUnpaired, verdict.Data[0])
		waitState(t, h.sess, StateUnpaired)
	})

	t.Run("trusted peer pairs immediately", func(t *testing.T) {
		h := newSessionHarness(t)
		h.store.SetTrusted(peerUID.Short(), config.TrustedClient{ProdString: "remote"})

		verdict := h.peer.introduce()
		require.Equal(t, LinkStatusPaired, verdict.Data[0])
		waitState(t, h.sess, StatePaired)
	})

	t.Run("request is accepted and persisted", func(t *testing.T) {
		h := newSessionHarness(t)
		h.peer.introduce()
		h.peer.sendLink(LinkDescriptorProdString, append([]byte{6}, "remote"...)...)

		h.peer.sendLink(LinkPairingRequest, append(peerUID[:], ownUID[:]...)...)
		status := h.peer.read()
		require.Equal(t, LinkStatusPaired, status.Data[0])
		waitState(t, h.sess, StatePaired)

		tc, ok := h.store.Trusted(peerUID.Short())
		require.True(t, ok)
		require.Equal(t, "remote", tc.ProdString)
	})

	t.Run("denied request stays unpaired", func(t *testing.T) {
		h := newSessionHarness(t, WithApprover(func(ConnInfo) bool { return false }))
		h.peer.introduce()

		h.peer.sendLink(LinkPairingRequest, append(peerUID[:], ownUID[:]...)...)
		status := h.peer.read()
		require.Equal(t, LinkStatusUnpaired, status.Data[0])
		waitState(t, h.sess, StateUnpaired)
		require.False(t, h.store.IsTrusted(peerUID.Short()))
	})

	t.Run("revoke drops trust", func(t *testing.T) {
		h := newSessionHarness(t)
		h.store.SetTrusted(peerUID.Short(), config.TrustedClient{})
		h.peer.introduce()
		waitState(t, h.sess, StatePaired)

		h.peer.sendLink(LinkStatusUnpaired, append(ownUID[:], peerUID[:]...)...)
		waitState(t, h.sess, StateUnpaired)
		require.False(t, h.store.IsTrusted(peerUID.Short()))
	})
}

func TestSessionControl(t *testing.T) {
	paired := func(t *testing.T, opts ...Option) *sessionHarness {
		h := newSessionHarness(t, opts...)
		h.store.SetTrusted(peerUID.Short(), config.TrustedClient{})
		h.peer.introduce()
		waitState(t, h.sess, StatePaired)

		return h
	}

	t.Run("logon takes control and commands flow", func(t *testing.T) {
		h := paired(t)

		h.peer.send(localMsg(bidib.MsgLocalLogon, peerUID[:]...))
		waitState(t, h.sess, StateControl)

		h.peer.send(&bidib.Message{Addr: bidib.SelfAddr, Seq: 1, Type: bidib.MsgSysGetMagic})
		require.Eventually(t, func() bool {
			h.arb.mu.Lock()
			defer h.arb.mu.Unlock()
			return len(h.arb.dispatched) == 1
		}, time.Second, time.Millisecond)

		require.Equal(t, bidib.MsgSysGetMagic, h.arb.dispatched[0].Type)
	})

	t.Run("rejected logon is answered with logoff", func(t *testing.T) {
		h := paired(t)
		h.arb.mu.Lock()
		h.arb.grant = false
		h.arb.mu.Unlock()

		h.peer.send(localMsg(bidib.MsgLocalLogon, peerUID[:]...))
		reply := h.peer.read()
		require.Equal(t, bidib.MsgLocalLogoff, reply.Type)
		require.Equal(t, StatePaired, h.sess.State())
	})

	t.Run("logon without pairing is answered with logoff", func(t *testing.T) {
		h := newSessionHarness(t)
		h.peer.introduce()
		waitState(t, h.sess, StateUnpaired)

		h.peer.send(localMsg(bidib.MsgLocalLogon, peerUID[:]...))
		reply := h.peer.read()
		require.Equal(t, bidib.MsgLocalLogoff, reply.Type)
	})

	t.Run("logoff falls back to paired", func(t *testing.T) {
		h := paired(t)
		h.peer.send(localMsg(bidib.MsgLocalLogon, peerUID[:]...))
		waitState(t, h.sess, StateControl)

		h.peer.send(localMsg(bidib.MsgLocalLogoff))
		waitState(t, h.sess, StatePaired)

		h.arb.mu.Lock()
		defer h.arb.mu.Unlock()
		require.Equal(t, 1, h.arb.releases)
	})

	t.Run("commands from a non-control session are dropped", func(t *testing.T) {
		h := paired(t)

		h.peer.send(&bidib.Message{Addr: bidib.SelfAddr, Seq: 1, Type: bidib.MsgSysGetMagic})
		h.peer.send(localMsg(bidib.MsgLocalPing, 1))
		pong := h.peer.read()
		require.Equal(t, bidib.MsgLocalPong, pong.Type)

		h.arb.mu.Lock()
		defer h.arb.mu.Unlock()
		require.Empty(t, h.arb.dispatched)
	})

	t.Run("disconnect releases control", func(t *testing.T) {
		h := paired(t)
		h.peer.send(localMsg(bidib.MsgLocalLogon, peerUID[:]...))
		waitState(t, h.sess, StateControl)

		require.NoError(t, h.peer.conn.Close())
		require.Eventually(t, func() bool {
			h.arb.mu.Lock()
			defer h.arb.mu.Unlock()
			return h.arb.releases == 1 && h.arb.gone
		}, time.Second, time.Millisecond)
	})
}

func TestSessionLogsDroppedCommand(t *testing.T) {
	mockLogger := logger.NewMockLogger()
	mockLogger.On("Debug", mock.Anything, mock.Anything).Return()
	mockLogger.On("Info", mock.Anything, mock.Anything).Return()
	mockLogger.On("Warn", mock.Anything, mock.Anything).Return()
	mockLogger.On("Error", mock.Anything, mock.Anything).Return()

	h := newSessionHarness(t, WithLogger(mockLogger))
	h.peer.introduce()

	h.peer.send(&bidib.Message{Addr: bidib.SelfAddr, Seq: 1, Type: bidib.MsgSysGetMagic})
	h.peer.send(localMsg(bidib.MsgLocalPing, 1))
	h.peer.read() // pong, proves the command was processed first

	mockLogger.AssertCalled(t, "Warn", "command from non-control session dropped", mock.Anything)
}

func TestSessionPingPong(t *testing.T) {
	h := newSessionHarness(t)
	h.peer.introduce()

	h.peer.send(localMsg(bidib.MsgLocalPing, 0xAB))
	pong := h.peer.read()
	require.Equal(t, bidib.MsgLocalPong, pong.Type)
	require.Equal(t, []byte{0xAB}, pong.Data)
}

func TestSessionSendConcatenates(t *testing.T) {
	h := newSessionHarness(t)
	h.peer.readGreeting()

	go func() {
		_ = h.sess.Send(
			&bidib.Message{Addr: bidib.NewAddress(1), Seq: 3, Type: bidib.MsgSysMagic, Data: []byte{0xFE, 0xAF}},
			&bidib.Message{Addr: bidib.SelfAddr, Seq: 4, Type: bidib.MsgSysPong, Data: []byte{1}},
		)
	}()

	first := h.peer.read()
	require.Equal(t, bidib.MsgSysMagic, first.Type)
	require.Equal(t, bidib.NewAddress(1), first.Addr)

	second := h.peer.read()
	require.Equal(t, bidib.MsgSysPong, second.Type)
	require.Equal(t, uint8(4), second.Seq)
}
