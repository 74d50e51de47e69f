package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatrelay/internal/common"
	"github.com/dmitrijs2005/chatrelay/internal/logging"
	"github.com/dmitrijs2005/chatrelay/internal/protocol"
	"github.com/dmitrijs2005/chatrelay/internal/server/users"
)

type memRepo struct {
	mu    sync.Mutex
	users map[string]*users.User
}

func newMemRepo() *memRepo {
	return &memRepo{users: make(map[string]*users.User)}
}

func (r *memRepo) Create(_ context.Context, u *users.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; ok {
		return errors.New("id already taken")
	}
	r.users[u.ID] = u
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*users.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) UpdatePublicKey(_ context.Context, id, publicKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return common.ErrNotFound
	}
	u.PublicKey = publicKey
	return nil
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewHub(users.NewService(newMemRepo()), logger, time.Millisecond)
}

func login(t *testing.T, h *Hub, id string, peer *fakePeer) {
	t.Helper()
	got, ok := h.handleLogin(context.Background(), peer, protocol.NewLoginRequest(id, "testpass", "pub-"+id))
	require.True(t, ok)
	require.Equal(t, id, got)
}

func byType(p *fakePeer, k protocol.Type) []protocol.Payload {
	var out []protocol.Payload
	for _, m := range p.payloads() {
		if m.Kind() == k {
			out = append(out, m)
		}
	}
	return out
}

func TestHub_LoginAutoRegisters(t *testing.T) {
	h := newTestHub(t)
	alice := &fakePeer{}

	login(t, h, "alice", alice)

	resps := byType(alice, protocol.TypeLoginResponse)
	require.Len(t, resps, 1)
	assert.True(t, resps[0].(*protocol.LoginResponse).Success)

	_, ok := h.registry.Get("alice")
	assert.True(t, ok)
}

func TestHub_LoginWrongPassword(t *testing.T) {
	h := newTestHub(t)
	login(t, h, "alice", &fakePeer{})
	require.True(t, h.registry.Remove("alice", mustGet(t, h, "alice")))

	peer := &fakePeer{}
	_, ok := h.handleLogin(context.Background(), peer, protocol.NewLoginRequest("alice", "wrong", "pk"))
	require.False(t, ok)

	resps := byType(peer, protocol.TypeLoginResponse)
	require.Len(t, resps, 1)
	resp := resps[0].(*protocol.LoginResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, common.ErrBadCredential.Error(), resp.Message)
}

func mustGet(t *testing.T, h *Hub, id string) Peer {
	t.Helper()
	p, ok := h.registry.Get(id)
	require.True(t, ok)
	return p
}

func TestHub_DuplicateLoginRejected(t *testing.T) {
	h := newTestHub(t)
	login(t, h, "alice", &fakePeer{})

	second := &fakePeer{}
	_, ok := h.handleLogin(context.Background(), second, protocol.NewLoginRequest("alice", "testpass", "pk"))
	require.False(t, ok)

	resps := byType(second, protocol.TypeLoginResponse)
	require.Len(t, resps, 1)
	resp := resps[0].(*protocol.LoginResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, common.ErrAlreadyOnline.Error(), resp.Message)
}

func TestHub_LoginRace_ExactlyOneWinner(t *testing.T) {
	h := newTestHub(t)

	const contenders = 8
	peers := make([]*fakePeer, contenders)
	oks := make([]bool, contenders)

	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		peers[i] = &fakePeer{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, oks[i] = h.handleLogin(context.Background(), peers[i], protocol.NewLoginRequest("alice", "testpass", "pk"))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := range oks {
		if oks[i] {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, h.registry.Len())
}

func TestHub_LoginOverwritesPublicKey(t *testing.T) {
	h := newTestHub(t)
	login(t, h, "bob", &fakePeer{})

	key, err := h.users.GetPublicKey(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "pub-bob", key)
}

func TestHub_KeyExchangeRequest(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	login(t, h, "bob", &fakePeer{})

	alice := &fakePeer{}
	login(t, h, "alice", alice)

	t.Run("success", func(t *testing.T) {
		h.handleKeyExchangeRequest(ctx, alice, protocol.NewKeyExchangeRequest("alice", "bob"))
		resps := byType(alice, protocol.TypeKeyExchangeResponse)
		require.NotEmpty(t, resps)
		resp := resps[len(resps)-1].(*protocol.KeyExchangeResponse)
		assert.True(t, resp.Success)
		assert.Equal(t, "bob", resp.TargetUserID)
		assert.Equal(t, "pub-bob", resp.TargetPublicKey)
	})

	t.Run("unknown user", func(t *testing.T) {
		h.handleKeyExchangeRequest(ctx, alice, protocol.NewKeyExchangeRequest("alice", "carol"))
		resps := byType(alice, protocol.TypeKeyExchangeResponse)
		resp := resps[len(resps)-1].(*protocol.KeyExchangeResponse)
		assert.False(t, resp.Success)
		assert.Equal(t, "user not found", resp.Message)
	})

	t.Run("no public key on file", func(t *testing.T) {
		require.NoError(t, h.users.RegisterIdentity(ctx, "dave", "pw"))
		h.handleKeyExchangeRequest(ctx, alice, protocol.NewKeyExchangeRequest("alice", "dave"))
		resps := byType(alice, protocol.TypeKeyExchangeResponse)
		resp := resps[len(resps)-1].(*protocol.KeyExchangeResponse)
		assert.False(t, resp.Success)
		assert.Equal(t, common.ErrNoPublicKey.Error(), resp.Message)
	})
}

func TestHub_ForwardDirect(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice, bob, carol := &fakePeer{}, &fakePeer{}, &fakePeer{}
	login(t, h, "alice", alice)
	login(t, h, "bob", bob)
	login(t, h, "carol", carol)

	msg := protocol.NewTextMessage("alice", "bob", "Y2lwaGVy")
	h.forward(ctx, alice, "alice", msg)

	require.Len(t, byType(bob, protocol.TypeTextMessage), 1)
	assert.Equal(t, msg, byType(bob, protocol.TypeTextMessage)[0])
	assert.Empty(t, byType(carol, protocol.TypeTextMessage))
	assert.Empty(t, byType(alice, protocol.TypeTextMessage))
}

func TestHub_ForwardBroadcast(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice, bob, carol := &fakePeer{}, &fakePeer{}, &fakePeer{}
	login(t, h, "alice", alice)
	login(t, h, "bob", bob)
	login(t, h, "carol", carol)

	msg := protocol.NewTextMessage("alice", protocol.Broadcast, "Y2lwaGVy")
	h.forward(ctx, alice, "alice", msg)

	for _, p := range []*fakePeer{alice, bob, carol} {
		require.Len(t, byType(p, protocol.TypeTextMessage), 1)
	}
}

func TestHub_ForwardOfflineTarget(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice := &fakePeer{}
	login(t, h, "alice", alice)

	h.forward(ctx, alice, "alice", protocol.NewTextMessage("alice", "carol", "Y2lwaGVy"))

	// no delivery to anyone, but the sender gets a SYSTEM notice
	notices := byType(alice, protocol.TypeTextMessage)
	require.Len(t, notices, 1)
	assert.Equal(t, SystemSender, notices[0].Sender())
}

func TestHub_AESKeyRelayOfflineIsSilent(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice := &fakePeer{}
	login(t, h, "alice", alice)

	h.forward(ctx, alice, "alice", protocol.NewAESKeyExchange("alice", "carol", "d3JhcHBlZA=="))

	assert.Empty(t, byType(alice, protocol.TypeTextMessage))
	assert.Empty(t, byType(alice, protocol.TypeAESKeyExchange))
}

func TestHub_DisconnectCleansRegistryAndBroadcastsPresence(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	alice, bob := &fakePeer{}, &fakePeer{}
	login(t, h, "alice", alice)
	login(t, h, "bob", bob)

	sess := mustGet(t, h, "alice")
	h.Disconnect(ctx, "alice", sess)

	_, ok := h.registry.Get("alice")
	assert.False(t, ok)

	lists := byType(bob, protocol.TypeUserListUpdate)
	require.NotEmpty(t, lists)
	last := lists[len(lists)-1].(*protocol.UserListUpdate)
	assert.Equal(t, []string{"bob"}, last.OnlineUsers)
}

func TestHub_PresenceBroadcastAfterLogin(t *testing.T) {
	h := newTestHub(t)

	alice, bob := &fakePeer{}, &fakePeer{}
	login(t, h, "alice", alice)
	login(t, h, "bob", bob)

	// the broadcast is debounced; give the timer room to fire
	require.Eventually(t, func() bool {
		lists := byType(alice, protocol.TypeUserListUpdate)
		if len(lists) == 0 {
			return false
		}
		last := lists[len(lists)-1].(*protocol.UserListUpdate)
		return len(last.OnlineUsers) == 2
	}, time.Second, 5*time.Millisecond)
}

// racedRepo reports the user missing on the first lookup even though the
// row may exist, imitating how a concurrent first login looks to the loser.
type racedRepo struct {
	*memRepo
	missed bool
}

func (r *racedRepo) GetByID(ctx context.Context, id string) (*users.User, error) {
	if !r.missed {
		r.missed = true
		return nil, common.ErrNotFound
	}
	return r.memRepo.GetByID(ctx, id)
}

func TestHub_LoginAfterLostRegistrationRace(t *testing.T) {
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	t.Run("matching password wins the slot", func(t *testing.T) {
		repo := &racedRepo{memRepo: newMemRepo()}
		h := NewHub(users.NewService(repo), logger, time.Millisecond)
		require.NoError(t, h.users.RegisterIdentity(ctx, "alice", "testpass"))

		peer := &fakePeer{}
		got, ok := h.handleLogin(ctx, peer, protocol.NewLoginRequest("alice", "testpass", "pk"))
		require.True(t, ok)
		assert.Equal(t, "alice", got)

		resps := byType(peer, protocol.TypeLoginResponse)
		require.Len(t, resps, 1)
		assert.True(t, resps[0].(*protocol.LoginResponse).Success)
	})

	t.Run("wrong password is still rejected", func(t *testing.T) {
		repo := &racedRepo{memRepo: newMemRepo()}
		h := NewHub(users.NewService(repo), logger, time.Millisecond)
		require.NoError(t, h.users.RegisterIdentity(ctx, "alice", "other"))

		peer := &fakePeer{}
		_, ok := h.handleLogin(ctx, peer, protocol.NewLoginRequest("alice", "testpass", "pk"))
		require.False(t, ok)

		resps := byType(peer, protocol.TypeLoginResponse)
		require.Len(t, resps, 1)
		resp := resps[0].(*protocol.LoginResponse)
		assert.False(t, resp.Success)
		assert.Equal(t, common.ErrBadCredential.Error(), resp.Message)
	})
}

// startServeConn runs ServeConn on the server end of a pipe and returns the
// client end plus a channel closed when the handler exits.
func startServeConn(t *testing.T, h *Hub) (net.Conn, chan struct{}) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), server)
		close(done)
	}()
	t.Cleanup(func() { _ = client.Close() })
	return client, done
}

// clientRead drains frames until one of the wanted type arrives. Presence
// broadcasts interleave with replies, so callers cannot assume ordering.
func clientRead(t *testing.T, c net.Conn, k protocol.Type) protocol.Payload {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		p, err := protocol.Decode(c, protocol.MaxServerFrame)
		require.NoError(t, err)
		if p.Kind() == k {
			return p
		}
	}
}

func TestHub_ServeConnRejectsUnauthenticatedTraffic(t *testing.T) {
	h := newTestHub(t)
	client, _ := startServeConn(t, h)

	require.NoError(t, protocol.Encode(client, protocol.NewTextMessage("alice", "bob", "Y2lwaGVy")))
	resp := clientRead(t, client, protocol.TypeLoginResponse).(*protocol.LoginResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, common.ErrNotAuthenticated.Error(), resp.Message)

	require.NoError(t, protocol.Encode(client, protocol.NewKeyExchangeRequest("alice", "bob")))
	resp = clientRead(t, client, protocol.TypeLoginResponse).(*protocol.LoginResponse)
	assert.False(t, resp.Success)

	assert.Equal(t, 0, h.registry.Len())
}

// A connection carries exactly one identity. A second login must be refused,
// otherwise the first identity would never be released on disconnect.
func TestHub_ServeConnSecondLoginKeepsFirstIdentity(t *testing.T) {
	h := newTestHub(t)
	client, done := startServeConn(t, h)

	require.NoError(t, protocol.Encode(client, protocol.NewLoginRequest("alice", "pw", "pk")))
	resp := clientRead(t, client, protocol.TypeLoginResponse).(*protocol.LoginResponse)
	require.True(t, resp.Success)

	require.NoError(t, protocol.Encode(client, protocol.NewLoginRequest("bob", "pw", "pk")))
	resp = clientRead(t, client, protocol.TypeLoginResponse).(*protocol.LoginResponse)
	assert.False(t, resp.Success)
	assert.Equal(t, common.ErrAlreadyAuthenticated.Error(), resp.Message)

	_, ok := h.registry.Get("bob")
	assert.False(t, ok)
	_, ok = h.registry.Get("alice")
	assert.True(t, ok)

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after close")
	}

	_, ok = h.registry.Get("alice")
	assert.False(t, ok, "identity must be released on disconnect")
}

func TestHub_ServeConnDisconnectReleasesIdentity(t *testing.T) {
	h := newTestHub(t)
	client, done := startServeConn(t, h)

	require.NoError(t, protocol.Encode(client, protocol.NewLoginRequest("alice", "pw", "pk")))
	resp := clientRead(t, client, protocol.TypeLoginResponse).(*protocol.LoginResponse)
	require.True(t, resp.Success)

	_ = client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after close")
	}

	_, ok := h.registry.Get("alice")
	assert.False(t, ok)
}
