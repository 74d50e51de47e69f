package relay

import (
	"sort"
	"sync"

	"github.com/dmitrijs2005/chatrelay/internal/common"
)

// Registry maps authenticated identities to their connections. It is the
// only mutable state shared across connection goroutines; every method is
// safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Add inserts id -> peer. It fails with common.ErrAlreadyOnline when the
// identity is already registered; the check and the insert are atomic, so
// of two concurrent logins for the same identity exactly one wins.
func (r *Registry) Add(id string, p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; ok {
		return common.ErrAlreadyOnline
	}
	r.peers[id] = p
	return nil
}

// Remove deletes the entry for id, but only while it still points at the
// given peer. A stale disconnect never evicts a newer session.
func (r *Registry) Remove(id string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[id]; ok && cur == p {
		delete(r.peers, id)
		return true
	}
	return false
}

func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// IDs returns the sorted identities currently online.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the current peers for best-effort fan-out. A peer that
// disconnects after the snapshot may still receive the message; that is
// acceptable.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
