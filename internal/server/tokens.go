package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"
)

type tokenKey struct {
	code      string
	machineID string
}

type tokenEntry struct {
	token   string
	expires time.Time
}

// TokenStore holds the rotating config tokens. Contract: at most one active
// token per (code, machine_id); issuing a new one implicitly invalidates the
// previous; tokens expire after the TTL (600s by default) and expired entries
// are dropped on verification and by Sweep. Safe for concurrent use.
type TokenStore struct {
	mu      sync.Mutex
	entries map[tokenKey]tokenEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenStore builds a token store with the given TTL.
func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{
		entries: make(map[tokenKey]tokenEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue mints a fresh opaque token for (code, machineID), replacing any
// previous token, and returns it with its unix expiry.
func (t *TokenStore) Issue(code, machineID string) (string, int64) {
	raw := make([]byte, 32)
	// crypto/rand.Read only fails when the platform entropy source is
	// broken, which is not recoverable here.
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	expires := t.now().Add(t.ttl)
	t.entries[tokenKey{code, machineID}] = tokenEntry{token: token, expires: expires}
	return token, expires.Unix()
}

// Verify reports whether token is the current, unexpired token for
// (code, machineID). Expired entries are removed; the comparison is
// constant-time.
func (t *TokenStore) Verify(code, machineID, token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := tokenKey{code, machineID}
	entry, ok := t.entries[key]
	if !ok {
		return false
	}
	if t.now().After(entry.expires) {
		delete(t.entries, key)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(entry.token), []byte(token)) == 1
}

// Sweep drops expired tokens; called periodically by the server.
func (t *TokenStore) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, entry := range t.entries {
		if now.After(entry.expires) {
			delete(t.entries, key)
		}
	}
}
