package relay

import (
	"net"
	"sync"

	"github.com/dmitrijs2005/chatrelay/internal/protocol"
)

// Peer is the sending side of one connected client as the hub sees it.
// *Session implements it; tests substitute fakes.
type Peer interface {
	Send(p protocol.Payload) error
}

// Session wraps one accepted transport. Writes are serialized so that
// frames from the handler goroutine and from broadcasts never interleave.
type Session struct {
	conn net.Conn
	wmu  sync.Mutex
}

func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn}
}

func (s *Session) Send(p protocol.Payload) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return protocol.Encode(s.conn, p)
}

func (s *Session) Close() error {
	return s.conn.Close()
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
