package session

import (
	"context"
	"sync"
	"time"
)

// TokenStore persists the token pair across restarts. Subscribe reports
// changes made by other holders of the same storage; a store may also report
// its own writes, so listeners must be idempotent.
//
// A refresh token may be redeemed once. Holders coordinate through
// ClaimRefresh: only the holder granted the claim calls the server, and it
// publishes the outcome with SaveIf or ClearIf, which both fail once the
// stored pair no longer carries the claimed token.
type TokenStore interface {
	Load(ctx context.Context) (TokenPair, error)
	Save(ctx context.Context, pair TokenPair) error
	Clear(ctx context.Context) error
	Subscribe(fn func()) (cancel func())

	// ClaimRefresh returns the stored pair and reports whether the caller
	// now holds the right to redeem refreshToken for lease. It is refused
	// when the stored token differs or another claim is still live.
	ClaimRefresh(ctx context.Context, refreshToken string, lease time.Duration) (TokenPair, bool, error)
	// SaveIf replaces the pair only while it still carries refreshToken.
	SaveIf(ctx context.Context, refreshToken string, pair TokenPair) (bool, error)
	// ClearIf clears the pair only while it still carries refreshToken.
	ClearIf(ctx context.Context, refreshToken string) (bool, error)
}

type notifier struct {
	mu   sync.Mutex
	subs map[int]func()
	next int
}

func (n *notifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func())
	}
	id := n.next
	n.next++
	n.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) listeners() []func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	fns := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	return fns
}

// MemoryStore shares one pair between managers in the same process, the way
// browser tabs share storage. Listeners run on their own goroutines.
type MemoryStore struct {
	notifier
	mu         sync.Mutex
	pair       TokenPair
	claimUntil time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair, nil
}

func (s *MemoryStore) Save(_ context.Context, pair TokenPair) error {
	s.mu.Lock()
	changed := s.replaceLocked(pair)
	s.mu.Unlock()
	if changed {
		s.broadcast()
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	return s.Save(ctx, TokenPair{})
}

func (s *MemoryStore) ClaimRefresh(_ context.Context, refreshToken string, lease time.Duration) (TokenPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if refreshToken == "" || s.pair.RefreshToken != refreshToken || now.Before(s.claimUntil) {
		return s.pair, false, nil
	}
	s.claimUntil = now.Add(lease)
	return s.pair, true, nil
}

func (s *MemoryStore) SaveIf(_ context.Context, refreshToken string, pair TokenPair) (bool, error) {
	s.mu.Lock()
	if s.pair.RefreshToken != refreshToken {
		s.mu.Unlock()
		return false, nil
	}
	changed := s.replaceLocked(pair)
	s.mu.Unlock()
	if changed {
		s.broadcast()
	}
	return true, nil
}

func (s *MemoryStore) ClearIf(ctx context.Context, refreshToken string) (bool, error) {
	return s.SaveIf(ctx, refreshToken, TokenPair{})
}

// replaceLocked installs pair and drops any claim on the previous one.
func (s *MemoryStore) replaceLocked(pair TokenPair) bool {
	changed := s.pair != pair
	s.pair = pair
	s.claimUntil = time.Time{}
	return changed
}

func (s *MemoryStore) broadcast() {
	for _, fn := range s.listeners() {
		go fn()
	}
}
