// Package session maintains the client's connection to the relay server. It
// owns the TLS link, the read loop, write-idle heartbeats and automatic
// reconnection with re-login, and delivers inbound traffic to the caller
// through callbacks invoked from a single dispatch goroutine.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatrelay/internal/client/config"
	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/logging"
	"github.com/dmitrijs2005/chatrelay/internal/protocol"
)

// State is the connection lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateUnauthenticated
	StateAuthenticated
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Callbacks receive inbound events. All of them run on one goroutine, in
// arrival order; a nil callback is skipped. Callbacks must not block for
// long, they delay each other.
type Callbacks struct {
	OnLogin    func(resp *protocol.LoginResponse)
	OnMessage  func(p protocol.Payload)
	OnPresence func(online []string)
	OnRestored func()
	OnDown     func(err error)
}

const reloginTimeout = 10 * time.Second

// Session is a client connection with automatic recovery. Safe for
// concurrent use.
type Session struct {
	addr           string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	reloginWait    time.Duration
	logger         logging.Logger
	cb             Callbacks
	dial           func(ctx context.Context) (net.Conn, error)

	mu        sync.Mutex
	state     State
	conn      net.Conn
	userID    string
	password  string
	publicKey string
	loggedIn  bool

	wmu       sync.Mutex
	lastWrite time.Time

	loginCh   chan *protocol.LoginResponse
	dispatch  chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg *config.Config, logger logging.Logger, cb Callbacks) *Session {
	s := &Session{
		addr:           cfg.ServerAddr,
		heartbeat:      cfg.HeartbeatInterval,
		reconnectDelay: cfg.ReconnectDelay,
		reloginWait:    reloginTimeout,
		logger:         logger,
		cb:             cb,
		loginCh:        make(chan *protocol.LoginResponse, 1),
		dispatch:       make(chan func(), 64),
		closed:         make(chan struct{}),
	}
	s.dial = s.dialTLS
	go s.dispatchLoop()
	return s
}

func (s *Session) dialTLS(ctx context.Context) (net.Conn, error) {
	d := &tls.Dialer{Config: &tls.Config{
		// The server presents a self-signed certificate.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}}
	return d.DialContext(ctx, "tcp", s.addr)
}

// Connect dials the server and starts the read and heartbeat loops. It does
// not authenticate; call Login next.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)
	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("connect to %s: %w", s.addr, err)
	}
	s.attach(ctx, conn)
	s.setState(StateUnauthenticated)
	return nil
}

// Login authenticates and remembers the credentials so the session can
// re-login after a reconnect. It blocks until the server answers or ctx
// expires.
func (s *Session) Login(ctx context.Context, userID, password, publicKey string) error {
	s.mu.Lock()
	s.userID, s.password, s.publicKey = userID, password, publicKey
	s.mu.Unlock()

	resp, err := s.login(ctx, userID, password, publicKey)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("login rejected: %s", resp.Message)
	}
	return nil
}

func (s *Session) login(ctx context.Context, userID, password, publicKey string) (*protocol.LoginResponse, error) {
	// Drop a stale response left over from an interrupted attempt.
	select {
	case <-s.loginCh:
	default:
	}

	if err := s.Send(protocol.NewLoginRequest(userID, password, publicKey)); err != nil {
		return nil, err
	}

	select {
	case resp := <-s.loginCh:
		if resp.Success {
			s.mu.Lock()
			s.loggedIn = true
			s.mu.Unlock()
			s.setState(StateAuthenticated)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, common.ErrClosed
	}
}

// Send writes one payload to the server. Concurrent senders are serialized
// so frames never interleave.
func (s *Session) Send(p protocol.Payload) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return common.ErrNotConnected
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := protocol.Encode(conn, p); err != nil {
		return fmt.Errorf("send %s: %w", p.Kind(), err)
	}
	s.lastWrite = time.Now()
	return nil
}

// UserID returns the identity used at login, or "" before the first Login.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close tears the session down. Safe to call multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

func (s *Session) attach(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.readLoop(ctx, conn)
	go s.heartbeatLoop(conn)
}

func (s *Session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) readLoop(ctx context.Context, conn net.Conn) {
	for {
		p, err := protocol.Decode(conn, protocol.MaxClientFrame)
		if err != nil {
			if errors.Is(err, common.ErrMalformedPayload) {
				s.logger.Warn(ctx, "dropping malformed frame", "error", err)
				continue
			}
			s.connLost(ctx, conn, err)
			return
		}
		s.handle(p)
	}
}

func (s *Session) handle(p protocol.Payload) {
	switch m := p.(type) {
	case *protocol.LoginResponse:
		select {
		case s.loginCh <- m:
		default:
		}
		if s.cb.OnLogin != nil {
			s.emit(func() { s.cb.OnLogin(m) })
		}
	case *protocol.UserListUpdate:
		if s.cb.OnPresence != nil {
			s.emit(func() { s.cb.OnPresence(m.OnlineUsers) })
		}
	case *protocol.Heartbeat:
		// Liveness only, nothing to do.
	default:
		if s.cb.OnMessage != nil {
			s.emit(func() { s.cb.OnMessage(p) })
		}
	}
}

func (s *Session) emit(f func()) {
	select {
	case s.dispatch <- f:
	case <-s.closed:
	}
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case f := <-s.dispatch:
			f()
		case <-s.closed:
			return
		}
	}
}

// heartbeatLoop sends a heartbeat whenever the outgoing stream has been idle
// for a full interval. It exits when conn stops being the current link.
func (s *Session) heartbeatLoop(conn net.Conn) {
	t := time.NewTicker(s.heartbeat)
	defer t.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-t.C:
		}

		if s.currentConn() != conn {
			return
		}

		s.wmu.Lock()
		idle := time.Since(s.lastWrite)
		s.wmu.Unlock()
		if idle < s.heartbeat {
			continue
		}

		if err := s.Send(protocol.NewHeartbeat(s.UserID())); err != nil {
			return
		}
	}
}

// connLost detaches a dead link and starts the recovery loop, unless the
// session was closed or the link was already replaced.
func (s *Session) connLost(ctx context.Context, conn net.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	_ = conn.Close()

	select {
	case <-s.closed:
		return
	default:
	}

	s.setState(StateReconnecting)
	s.logger.Warn(ctx, "connection lost", "error", cause)
	if s.cb.OnDown != nil {
		s.emit(func() { s.cb.OnDown(cause) })
	}
	go s.reconnectLoop(ctx)
}

// reconnectLoop re-dials at a fixed interval until the link is back. If the
// session was authenticated it re-logs in with the remembered credentials
// and announces recovery through OnRestored.
func (s *Session) reconnectLoop(ctx context.Context) {
	timer := time.NewTimer(s.reconnectDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn(ctx, "reconnect failed", "error", err)
			timer.Reset(s.reconnectDelay)
			continue
		}
		s.attach(ctx, conn)

		s.mu.Lock()
		userID, password, publicKey := s.userID, s.password, s.publicKey
		wasLoggedIn := s.loggedIn
		s.mu.Unlock()

		if !wasLoggedIn {
			s.setState(StateUnauthenticated)
			return
		}

		loginCtx, cancel := context.WithTimeout(ctx, s.reloginWait)
		resp, err := s.login(loginCtx, userID, password, publicKey)
		cancel()
		if err != nil {
			if !s.detach(conn) {
				// The link broke mid-login and connLost already owns the
				// next recovery loop, or the session was closed.
				return
			}
			// The link stayed up but the server never answered. Drop it
			// and dial again.
			s.logger.Warn(ctx, "relogin did not complete, retrying", "error", err)
			s.setState(StateReconnecting)
			timer.Reset(s.reconnectDelay)
			continue
		}
		if !resp.Success {
			// Typically "already online" while the server still holds the
			// dead session. Drop the link and try again after the delay.
			s.logger.Warn(ctx, "relogin rejected, retrying", "message", resp.Message)
			if !s.detach(conn) {
				return
			}
			s.setState(StateReconnecting)
			timer.Reset(s.reconnectDelay)
			continue
		}

		s.logger.Info(ctx, "session restored")
		if s.cb.OnRestored != nil {
			s.emit(func() { s.cb.OnRestored() })
		}
		return
	}
}

// detach closes conn after removing it as the current link, so its read
// loop does not start a second recovery loop. It reports whether conn was
// still the current link; when it was not, whoever replaced it owns any
// further recovery.
func (s *Session) detach(conn net.Conn) bool {
	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
	return current
}
