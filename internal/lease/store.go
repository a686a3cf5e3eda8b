// Package lease holds ephemeral, time-bounded grants (pairing codes, device
// auth tokens) in memory. Entries are keyed by (ownerKey, tokenType, token)
// and become invalid the moment their expiry passes; the background sweep is
// advisory cleanup only and correctness never depends on its timing.
package lease

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type TokenType string

const (
	TypePairing TokenType = "pairing"
	TypeAuth    TokenType = "auth"
)

// Lease is a single time-bounded grant. The payload is opaque to the store.
type Lease struct {
	OwnerKey  string
	Type      TokenType
	Token     string
	Payload   any
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Store struct {
	mu      sync.Mutex
	entries map[string]*Lease

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewStore creates a lease store and starts its sweep loop. Call Close to
// stop the loop. A sweepInterval of zero disables the background sweep.
func NewStore(sweepInterval time.Duration) *Store {
	s := &Store{
		entries: make(map[string]*Lease),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *Store) Close() {
	s.once.Do(func() { close(s.done) })
}

func key(ownerKey string, tokenType TokenType, token string) string {
	return string(tokenType) + ":" + ownerKey + ":" + token
}

// Store inserts a fresh lease and returns its generated token.
func (s *Store) Store(ownerKey string, tokenType TokenType, payload any, ttl time.Duration) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	now := s.now()
	l := &Lease{
		OwnerKey:  ownerKey,
		Type:      tokenType,
		Token:     token,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.entries[key(ownerKey, tokenType, token)] = l
	s.mu.Unlock()
	return token, nil
}

// StoreWithToken inserts a lease under a caller-chosen token, replacing any
// existing entry under the same composite key.
func (s *Store) StoreWithToken(ownerKey string, tokenType TokenType, token string, payload any, ttl time.Duration) {
	now := s.now()
	l := &Lease{
		OwnerKey:  ownerKey,
		Type:      tokenType,
		Token:     token,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	s.mu.Lock()
	s.entries[key(ownerKey, tokenType, token)] = l
	s.mu.Unlock()
}

// Validate returns the payload iff the lease exists and has not expired.
// An expired entry is removed on the spot rather than waiting for the sweep.
func (s *Store) Validate(ownerKey string, tokenType TokenType, token string) (any, bool) {
	k := key(ownerKey, tokenType, token)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.entries[k]
	if !ok {
		return nil, false
	}
	if !l.ExpiresAt.After(s.now()) {
		delete(s.entries, k)
		return nil, false
	}
	return l.Payload, true
}

// Invalidate removes the lease if present. Idempotent: returns false when the
// entry was already gone.
func (s *Store) Invalidate(ownerKey string, tokenType TokenType, token string) bool {
	k := key(ownerKey, tokenType, token)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[k]; !ok {
		return false
	}
	delete(s.entries, k)
	return true
}

// ListActive returns all non-expired leases for an owner and type. An empty
// ownerKey matches every owner.
func (s *Store) ListActive(ownerKey string, tokenType TokenType) []Lease {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Lease
	for _, l := range s.entries {
		if l.Type != tokenType {
			continue
		}
		if ownerKey != "" && l.OwnerKey != ownerKey {
			continue
		}
		if !l.ExpiresAt.After(now) {
			continue
		}
		out = append(out, *l)
	}
	return out
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				slog.Debug("lease sweep removed expired entries", "count", n)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Store) sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, l := range s.entries {
		if !l.ExpiresAt.After(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}
