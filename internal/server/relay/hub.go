package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/logging"
	"github.com/dmitrijs2005/chatrelay/internal/protocol"
	"github.com/dmitrijs2005/chatrelay/internal/server/users"
)

// SystemSender is the sender id the server uses for payloads it originates
// (presence lists, delivery-failure notices). Clients render SYSTEM text
// messages as plaintext notices instead of decrypting them.
const SystemSender = protocol.SystemID

// Hub routes payloads between authenticated connections. It never decrypts
// message bodies; it only inspects the envelope.
type Hub struct {
	registry *Registry
	users    *users.Service
	logger   logging.Logger
	debounce time.Duration
}

func NewHub(us *users.Service, logger logging.Logger, debounce time.Duration) *Hub {
	return &Hub{
		registry: NewRegistry(),
		users:    us,
		logger:   logger.With("module", "hub"),
		debounce: debounce,
	}
}

// Registry exposes the identity map for the server app and for tests.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ServeConn owns one accepted connection: it decodes frames, dispatches
// payloads, and cleans up the registry entry when the transport closes.
// Malformed payloads are dropped; I/O and oversize-frame errors end the
// connection.
func (h *Hub) ServeConn(ctx context.Context, conn net.Conn) {
	sess := NewSession(conn)
	var userID string

	defer func() {
		_ = sess.Close()
		if userID != "" {
			h.Disconnect(ctx, userID, sess)
		}
	}()

	h.logger.Info(ctx, "connection opened", "remote", sess.RemoteAddr())

	for {
		p, err := protocol.Decode(conn, protocol.MaxServerFrame)
		if err != nil {
			if errors.Is(err, common.ErrMalformedPayload) {
				h.logger.Warn(ctx, "dropping malformed payload", "remote", sess.RemoteAddr(), "error", err)
				continue
			}
			if !errors.Is(err, io.EOF) {
				h.logger.Info(ctx, "connection closed", "remote", sess.RemoteAddr(), "error", err)
			}
			return
		}

		switch m := p.(type) {
		case *protocol.LoginRequest:
			// One identity per connection. Accepting a second login would
			// orphan the first registry entry on disconnect.
			if userID != "" {
				h.logger.Warn(ctx, "login on an authenticated connection", "user", userID, "attempted", m.SenderID)
				_ = sess.Send(protocol.NewLoginResponse(m.SenderID, false, common.ErrAlreadyAuthenticated.Error()))
				continue
			}
			if id, ok := h.handleLogin(ctx, sess, m); ok {
				userID = id
			}
		case *protocol.Heartbeat:
			// liveness only, nothing to do
		case *protocol.KeyExchangeRequest:
			if userID == "" {
				h.rejectUnauthenticated(sess)
				continue
			}
			h.handleKeyExchangeRequest(ctx, sess, m)
		case protocol.Directed:
			if userID == "" {
				h.rejectUnauthenticated(sess)
				continue
			}
			h.forward(ctx, sess, userID, m)
		default:
			h.logger.Warn(ctx, "unhandled payload", "type", p.Kind(), "sender", p.Sender())
		}
	}
}

func (h *Hub) rejectUnauthenticated(sess Peer) {
	_ = sess.Send(protocol.NewLoginResponse(SystemSender, false, common.ErrNotAuthenticated.Error()))
}

// handleLogin authenticates (or auto-registers) the identity, claims the
// registry slot, stores the uploaded public key and schedules a presence
// broadcast. It returns the identity and whether login succeeded.
func (h *Hub) handleLogin(ctx context.Context, sess Peer, req *protocol.LoginRequest) (string, bool) {
	id := req.SenderID

	reject := func(reason string) (string, bool) {
		h.logger.Info(ctx, "login rejected", "user", id, "reason", reason)
		_ = sess.Send(protocol.NewLoginResponse(id, false, reason))
		return "", false
	}

	if id == "" || id == protocol.Broadcast || id == SystemSender {
		return reject("invalid user id")
	}
	if _, online := h.registry.Get(id); online {
		return reject(common.ErrAlreadyOnline.Error())
	}

	err := h.users.VerifyCredential(ctx, id, req.Password)
	switch {
	case errors.Is(err, common.ErrNotFound):
		// first successful login attempt registers the identity
		if regErr := h.users.RegisterIdentity(ctx, id, req.Password); regErr != nil {
			// A concurrent first login may have inserted the row between
			// our lookup and the insert. Verify against it before giving
			// up; the registry below picks exactly one winner.
			switch verr := h.users.VerifyCredential(ctx, id, req.Password); {
			case verr == nil:
			case errors.Is(verr, common.ErrBadCredential):
				return reject(common.ErrBadCredential.Error())
			default:
				h.logger.Error(ctx, "auto-registration failed", "user", id, "error", regErr)
				return reject("registration failed")
			}
		} else {
			h.logger.Info(ctx, "identity registered", "user", id)
		}
	case errors.Is(err, common.ErrBadCredential):
		return reject(common.ErrBadCredential.Error())
	case err != nil:
		h.logger.Error(ctx, "credential check failed", "user", id, "error", err)
		return reject("internal error")
	}

	// the insert is atomic: of two concurrent logins exactly one wins
	if err := h.registry.Add(id, sess); err != nil {
		return reject(common.ErrAlreadyOnline.Error())
	}

	if err := h.users.SetPublicKey(ctx, id, req.PublicKey); err != nil {
		h.logger.Error(ctx, "storing public key failed", "user", id, "error", err)
	}

	_ = sess.Send(protocol.NewLoginResponse(id, true, "login ok"))
	h.logger.Info(ctx, "login ok", "user", id)

	// let the login exchange settle before fanning out the presence list
	time.AfterFunc(h.debounce, func() {
		h.broadcastPresence(context.WithoutCancel(ctx))
	})

	return id, true
}

func (h *Hub) handleKeyExchangeRequest(ctx context.Context, sess Peer, req *protocol.KeyExchangeRequest) {
	key, err := h.users.GetPublicKey(ctx, req.TargetUserID)
	if err != nil {
		reason := "user not found"
		if errors.Is(err, common.ErrNoPublicKey) {
			reason = common.ErrNoPublicKey.Error()
		}
		h.logger.Info(ctx, "key exchange request failed", "from", req.SenderID, "target", req.TargetUserID, "reason", reason)
		_ = sess.Send(protocol.NewKeyExchangeResponse(req.SenderID, false, reason, req.TargetUserID, ""))
		return
	}

	h.logger.Info(ctx, "key exchange request", "from", req.SenderID, "target", req.TargetUserID)
	_ = sess.Send(protocol.NewKeyExchangeResponse(req.SenderID, true, "ok", req.TargetUserID, key))
}

// forward relays a directed payload without touching its body. Broadcast
// targets fan out to every authenticated connection; an offline direct
// target drops the payload, with a best-effort notice for application
// messages.
func (h *Hub) forward(ctx context.Context, sender Peer, senderID string, m protocol.Directed) {
	target := m.TargetID()
	if target == "" {
		h.logger.Warn(ctx, "directed payload without target", "type", m.Kind(), "from", senderID)
		return
	}

	if target == protocol.Broadcast {
		for _, p := range h.registry.Snapshot() {
			_ = p.Send(m)
		}
		h.logger.Info(ctx, "broadcast", "type", m.Kind(), "from", senderID)
		return
	}

	p, ok := h.registry.Get(target)
	if !ok {
		h.logger.Info(ctx, "drop: target offline", "type", m.Kind(), "from", senderID, "target", target)
		if m.Kind() != protocol.TypeAESKeyExchange {
			notice := fmt.Sprintf("%s is offline, message not delivered", target)
			_ = sender.Send(protocol.NewTextMessage(SystemSender, senderID, notice))
		}
		return
	}

	if err := p.Send(m); err != nil {
		h.logger.Warn(ctx, "forward failed", "type", m.Kind(), "from", senderID, "target", target, "error", err)
		return
	}
	h.logger.Info(ctx, "forwarded", "type", m.Kind(), "from", senderID, "target", target)
}

// Disconnect removes the identity mapping for a closed session and
// announces the new presence list.
func (h *Hub) Disconnect(ctx context.Context, id string, sess Peer) {
	if h.registry.Remove(id, sess) {
		h.logger.Info(ctx, "user offline", "user", id)
		h.broadcastPresence(ctx)
	}
}

func (h *Hub) broadcastPresence(ctx context.Context) {
	list := protocol.NewUserListUpdate(SystemSender, h.registry.IDs())
	for _, p := range h.registry.Snapshot() {
		_ = p.Send(list)
	}
	h.logger.Info(ctx, "presence broadcast", "online", len(list.OnlineUsers))
}
