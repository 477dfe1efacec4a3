package network

import (
	"strings"
	"sync"
)

// Registry is the set of peer node URLs known to this node. The node's own
// URL is never stored.
type Registry struct {
	mu    sync.RWMutex
	self  string
	peers []string
}

func NewRegistry(self string, peers ...string) *Registry {
	r := &Registry{
		self:  normalizeURL(self),
		peers: make([]string, 0, len(peers)),
	}
	r.AddAll(peers)
	return r
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}

func (r *Registry) Self() string {
	return r.self
}

// Add registers url and reports whether it was new. Empty URLs, the node's
// own URL and duplicates are ignored.
func (r *Registry) Add(url string) bool {
	url = normalizeURL(url)
	if url == "" || url == r.self {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.peers {
		if p == url {
			return false
		}
	}
	r.peers = append(r.peers, url)
	return true
}

func (r *Registry) AddAll(urls []string) int {
	added := 0
	for _, url := range urls {
		if r.Add(url) {
			added++
		}
	}
	return added
}

// Peers returns the known peers in registration order.
func (r *Registry) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.peers))
	copy(out, r.peers)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
