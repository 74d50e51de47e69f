package session

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatrelay/internal/client/config"
	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/logging"
	"github.com/dmitrijs2005/chatrelay/internal/protocol"
)

// newTestSession wires the session to in-memory pipes instead of TLS. Every
// dial hands the server end of a fresh pipe to the returned channel. The
// heartbeat interval is long by default so it does not interfere; tests that
// exercise it shorten s.heartbeat before Connect.
func newTestSession(t *testing.T, cb Callbacks) (*Session, chan net.Conn) {
	t.Helper()

	cfg := &config.Config{
		ServerAddr:        "pipe",
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    20 * time.Millisecond,
	}
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	s := New(cfg, logger, cb)
	conns := make(chan net.Conn, 4)
	s.dial = func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		conns <- server
		return client, nil
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, conns
}

func serverRead(t *testing.T, c net.Conn) protocol.Payload {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	p, err := protocol.Decode(c, protocol.MaxServerFrame)
	require.NoError(t, err)
	return p
}

// acceptLogin services one login request on the server end.
func acceptLogin(t *testing.T, c net.Conn, success bool, message string) {
	t.Helper()
	p := serverRead(t, c)
	_, ok := p.(*protocol.LoginRequest)
	require.True(t, ok, "expected a login request, got %s", p.Kind())
	require.NoError(t, protocol.Encode(c, protocol.NewLoginResponse("SYSTEM", success, message)))
}

func TestSession_ConnectAndLogin(t *testing.T) {
	s, conns := newTestSession(t, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateUnauthenticated, s.State())

	srv := <-conns
	go acceptLogin(t, srv, true, "welcome")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Login(ctx, "alice", "pw", "pub"))

	assert.Equal(t, StateAuthenticated, s.State())
	assert.Equal(t, "alice", s.UserID())
}

func TestSession_LoginRejected(t *testing.T) {
	s, conns := newTestSession(t, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))

	srv := <-conns
	go acceptLogin(t, srv, false, "invalid password")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Login(ctx, "alice", "wrong", "pub")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid password")
	assert.NotEqual(t, StateAuthenticated, s.State())
}

func TestSession_SendBeforeConnect(t *testing.T) {
	s, _ := newTestSession(t, Callbacks{})
	err := s.Send(protocol.NewHeartbeat("alice"))
	require.ErrorIs(t, err, common.ErrNotConnected)
}

func TestSession_DispatchesMessagesInOrder(t *testing.T) {
	got := make(chan protocol.Payload, 4)
	s, conns := newTestSession(t, Callbacks{
		OnMessage: func(p protocol.Payload) { got <- p },
	})
	require.NoError(t, s.Connect(context.Background()))
	srv := <-conns

	go func() {
		_ = protocol.Encode(srv, protocol.NewTextMessage("bob", "alice", "first"))
		_ = protocol.Encode(srv, protocol.NewTextMessage("bob", "alice", "second"))
	}()

	m1 := <-got
	m2 := <-got
	assert.Equal(t, "first", m1.(*protocol.TextMessage).Content)
	assert.Equal(t, "second", m2.(*protocol.TextMessage).Content)
}

func TestSession_PresenceCallback(t *testing.T) {
	got := make(chan []string, 1)
	s, conns := newTestSession(t, Callbacks{
		OnPresence: func(online []string) { got <- online },
	})
	require.NoError(t, s.Connect(context.Background()))
	srv := <-conns

	go func() {
		_ = protocol.Encode(srv, protocol.NewUserListUpdate("SYSTEM", []string{"alice", "bob"}))
	}()

	assert.Equal(t, []string{"alice", "bob"}, <-got)
}

// A malformed frame must be dropped without killing the stream.
func TestSession_SurvivesMalformedFrame(t *testing.T) {
	got := make(chan protocol.Payload, 1)
	s, conns := newTestSession(t, Callbacks{
		OnMessage: func(p protocol.Payload) { got <- p },
	})
	require.NoError(t, s.Connect(context.Background()))
	srv := <-conns

	go func() {
		body := []byte(`{"type":"NO_SUCH_TYPE"}`)
		hdr := make([]byte, 4)
		binary.BigEndian.PutUint32(hdr, uint32(len(body)))
		_, _ = srv.Write(append(hdr, body...))
		_ = protocol.Encode(srv, protocol.NewTextMessage("bob", "alice", "still here"))
	}()

	m := <-got
	assert.Equal(t, "still here", m.(*protocol.TextMessage).Content)
}

func TestSession_ReconnectsAndRelogs(t *testing.T) {
	down := make(chan error, 1)
	restored := make(chan struct{}, 1)
	s, conns := newTestSession(t, Callbacks{
		OnDown:     func(err error) { down <- err },
		OnRestored: func() { restored <- struct{}{} },
	})
	require.NoError(t, s.Connect(context.Background()))

	srv := <-conns
	go acceptLogin(t, srv, true, "welcome")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Login(ctx, "alice", "pw", "pub"))

	// The replacement link accepts the automatic re-login.
	go func() {
		srv2 := <-conns
		acceptLogin(t, srv2, true, "welcome back")
	}()

	_ = srv.Close()

	select {
	case <-down:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDown was not called")
	}
	select {
	case <-restored:
	case <-time.After(2 * time.Second):
		t.Fatal("OnRestored was not called")
	}
	assert.Equal(t, StateAuthenticated, s.State())
}

// While the server still holds the dead session it answers "already online";
// the client must keep retrying until the slot frees up.
func TestSession_RetriesRejectedRelogin(t *testing.T) {
	restored := make(chan struct{}, 1)
	s, conns := newTestSession(t, Callbacks{
		OnRestored: func() { restored <- struct{}{} },
	})
	require.NoError(t, s.Connect(context.Background()))

	srv := <-conns
	go acceptLogin(t, srv, true, "welcome")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Login(ctx, "alice", "pw", "pub"))

	go func() {
		srv2 := <-conns
		acceptLogin(t, srv2, false, "user already online")
		srv3 := <-conns
		acceptLogin(t, srv3, true, "welcome back")
	}()

	_ = srv.Close()

	select {
	case <-restored:
	case <-time.After(3 * time.Second):
		t.Fatal("session was not restored after a rejected relogin")
	}
}

func TestSession_HeartbeatWhenIdle(t *testing.T) {
	s, conns := newTestSession(t, Callbacks{})
	s.heartbeat = 30 * time.Millisecond

	require.NoError(t, s.Connect(context.Background()))
	srv := <-conns

	beat := make(chan struct{}, 1)
	go func() {
		for {
			p, err := protocol.Decode(srv, protocol.MaxServerFrame)
			if err != nil {
				return
			}
			if p.Kind() == protocol.TypeHeartbeat {
				select {
				case beat <- struct{}{}:
				default:
				}
			}
		}
	}()

	select {
	case <-beat:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat on an idle connection")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s, conns := newTestSession(t, Callbacks{})
	require.NoError(t, s.Connect(context.Background()))
	<-conns

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, StateDisconnected, s.State())
	require.ErrorIs(t, s.Send(protocol.NewHeartbeat("alice")), common.ErrNotConnected)
}

func TestSession_NoReconnectAfterClose(t *testing.T) {
	s, conns := newTestSession(t, Callbacks{
		OnDown: func(error) { t.Error("OnDown after Close") },
	})
	require.NoError(t, s.Connect(context.Background()))
	<-conns

	require.NoError(t, s.Close())

	// Give a would-be recovery loop time to fire.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-conns:
		t.Fatal("dialed again after Close")
	default:
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "unknown", State(99).String())
}

// A relogin that stalls while the replacement link stays healthy must not
// strand the session; it drops the link and dials again.
func TestSession_RetriesStalledRelogin(t *testing.T) {
	restored := make(chan struct{}, 1)
	s, conns := newTestSession(t, Callbacks{
		OnRestored: func() { restored <- struct{}{} },
	})
	s.reloginWait = 50 * time.Millisecond

	require.NoError(t, s.Connect(context.Background()))
	srv := <-conns
	go acceptLogin(t, srv, true, "welcome")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Login(ctx, "alice", "pw", "pub"))

	go func() {
		// Swallow the first relogin request and never answer it.
		srv2 := <-conns
		_ = srv2.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _ = protocol.Decode(srv2, protocol.MaxServerFrame)

		srv3 := <-conns
		acceptLogin(t, srv3, true, "welcome back")
	}()

	_ = srv.Close()

	select {
	case <-restored:
	case <-time.After(3 * time.Second):
		t.Fatal("session was not restored after a stalled relogin")
	}
	assert.Equal(t, StateAuthenticated, s.State())
}
