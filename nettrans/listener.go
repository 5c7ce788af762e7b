// Package nettrans implements the network session layer: connection
// bring-up with a protocol-signature greeting, mutual identity exchange,
// the pairing trust handshake, and single-owner control arbitration. It is
// the remote side's window into the node tree.
package nettrans

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/openrail/go-bidib/bidib"
	"github.com/openrail/go-bidib/config"
	"github.com/openrail/go-bidib/event"
	"github.com/openrail/go-bidib/logger"
	"github.com/openrail/go-bidib/node"
	"github.com/openrail/go-bidib/server"
)

// ErrListenerClosed is returned when starting a listener that was closed.
var ErrListenerClosed = errors.New("nettrans: listener closed")

// Listener accepts network sessions and arbitrates the single control
// slot among them.
type Listener struct {
	cfg   *Config
	srv   *server.Server
	store *config.Store
	bus   *event.Bus
	log   logger.Logger

	own     bidib.UID
	ownProd string
	ownUser string

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}
	control  *Session

	announcer *Announcer

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewListener creates a listener serving the given tree through srv. The
// root node provides the identity announced to peers.
func NewListener(tree *node.Tree, store *config.Store, srv *server.Server, bus *event.Bus, cfg *Config) *Listener {
	root := tree.Root()

	return &Listener{
		cfg:      cfg,
		srv:      srv,
		store:    store,
		bus:      bus,
		log:      cfg.GetLogger(),
		own:      root.UID,
		ownProd:  root.ProdString,
		ownUser:  root.UserName,
		sessions: make(map[*Session]struct{}),
	}
}

// Start binds the listen socket, launches the accept loop, and registers
// the zeroconf announcement.
func (l *Listener) Start() error {
	if l.closed.Load() {
		return ErrListenerClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("nettrans: listener already started")
	}

	addr := net.JoinHostPort(l.cfg.Host(), strconv.Itoa(l.cfg.Port()))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()

	if l.cfg.announce {
		port := listener.Addr().(*net.TCPAddr).Port
		l.announcer, err = NewAnnouncer(l.own, l.ownProd, l.ownUser, port, l.cfg)
		if err != nil {
			l.log.Warn("identity announcer unavailable", "error", err)
		}
	}

	l.wg.Add(1)
	go l.acceptLoop(listener)

	l.log.Info("network transport listening", "address", listener.Addr())

	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listener == nil {
		return nil
	}

	return l.listener.Addr()
}

// Sessions returns a snapshot of all live sessions.
func (l *Listener) Sessions() []ConnInfo {
	l.mu.Lock()
	sessions := make([]*Session, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	infos := make([]ConnInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}

	return infos
}

// Close shuts the listener and all sessions down. Safe to call more than
// once.
func (l *Listener) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}

	if l.announcer != nil {
		l.announcer.Shutdown()
	}

	l.mu.Lock()
	listener := l.listener
	sessions := make([]*Session, 0, len(l.sessions))
	for s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, s := range sessions {
		s.Close()
	}

	l.wg.Wait()
}

func (l *Listener) acceptLoop(listener net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Error("accept failed", "error", err)

			continue
		}

		l.serve(conn)
	}
}

// serve registers a session for the accepted connection and starts its
// receive loop.
func (l *Listener) serve(conn net.Conn) {
	s := newSession(conn, l.cfg, l, l.store, l.own, l.ownProd, l.ownUser)

	l.mu.Lock()
	l.sessions[s] = struct{}{}
	l.mu.Unlock()

	l.log.Debug("session accepted", "remote", conn.RemoteAddr())

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		s.run()
	}()
}

// takeControl grants the control slot if it is free.
func (l *Listener) takeControl(s *Session) bool {
	l.mu.Lock()
	if l.control != nil && l.control != s {
		l.mu.Unlock()
		l.log.Warn("logon rejected, control already held",
			"holder", l.control.Info().RemoteAddr, "requester", s.Info().RemoteAddr)

		return false
	}
	l.control = s
	l.mu.Unlock()

	l.srv.SetControl(s)
	l.publishControl(s, 1)
	l.log.Info("control session established", "remote", s.Info().RemoteAddr)

	return true
}

// releaseControl frees the control slot if s holds it.
func (l *Listener) releaseControl(s *Session) {
	l.mu.Lock()
	if l.control != s {
		l.mu.Unlock()
		return
	}
	l.control = nil
	l.mu.Unlock()

	l.srv.SetControl(nil)
	l.publishControl(s, 0)
	l.log.Info("control session released", "remote", s.Info().RemoteAddr)
}

func (l *Listener) dispatch(m *bidib.Message) {
	l.srv.Dispatch(m)
}

func (l *Listener) sessionGone(s *Session) {
	l.mu.Lock()
	delete(l.sessions, s)
	l.mu.Unlock()
}

func (l *Listener) publishControl(s *Session, gained uint8) {
	if l.bus == nil {
		return
	}

	info := s.Info()
	l.bus.Publish(event.Event{Kind: event.ControlChange, UID: info.UID, Code: gained})
}
