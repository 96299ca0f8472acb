package server

import (
	"sync"
	"time"
)

// NonceStore records recently seen nonces for replay rejection. Contract: a
// nonce is remembered for the retention window (600s by default) and any
// repeat within that window is rejected; entries past retention are garbage
// collected lazily on access and by Sweep. Safe for concurrent use.
type NonceStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

// NewNonceStore builds a nonce store with the given retention window.
func NewNonceStore(retention time.Duration) *NonceStore {
	return &NonceStore{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// CheckAndMark returns false if nonce was already seen within the retention
// window; otherwise it records the nonce and returns true.
func (n *NonceStore) CheckAndMark(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	cutoff := now.Add(-n.retention)
	for key, at := range n.seen {
		if at.Before(cutoff) {
			delete(n.seen, key)
		}
	}

	if _, dup := n.seen[nonce]; dup {
		return false
	}
	n.seen[nonce] = now
	return true
}

// Sweep drops expired entries; called periodically by the server.
func (n *NonceStore) Sweep() {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := n.now().Add(-n.retention)
	for key, at := range n.seen {
		if at.Before(cutoff) {
			delete(n.seen, key)
		}
	}
}

// Len reports the number of retained nonces.
func (n *NonceStore) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}
