// Package codestore provides an in-process linking.CodeStore.
package codestore

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-linking"
)

// DefaultSweepInterval is how often expired entries are evicted.
const DefaultSweepInterval = 30 * time.Second

type entry struct {
	value     []byte
	expiresAt time.Time
	claimedAt *time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// Option customizes a MemoryStore.
type Option func(*MemoryStore)

// WithClock injects a custom clock (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowF = now
		}
	}
}

// WithSweepInterval sets the eviction interval, zero disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(s *MemoryStore) {
		s.sweepEvery = d
	}
}

// MemoryStore is a mutex guarded map. Claim holds the write lock for the
// whole check and mark, which makes it atomic within one process.
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time

	sweepEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

var _ linking.CodeStore = (*MemoryStore)(nil)

// NewMemoryStore returns a store and starts its sweeper.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		m:          make(map[string]entry),
		nowF:       time.Now,
		sweepEvery: DefaultSweepInterval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.sweepEvery > 0 {
		go s.sweepLoop()
	} else {
		close(s.done)
	}
	return s
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.nowF().Add(ttl)
}

// Put stores value under key, replacing any previous entry.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = entry{value: clone(value), expiresAt: s.deadline(ttl)}
	return nil
}

// PutIfAbsent stores value only when key is missing or expired.
func (s *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[key]; ok && !e.expired(s.nowF()) {
		return false, nil
	}
	s.m[key] = entry{value: clone(value), expiresAt: s.deadline(ttl)}
	return true, nil
}

// Get returns the entry for key if present and not expired.
func (s *MemoryStore) Get(ctx context.Context, key string) (linking.CodeEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return linking.CodeEntry{}, false, err
	}
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return linking.CodeEntry{}, false, nil
	}
	if e.expired(s.nowF()) {
		s.mu.Lock()
		if cur, ok := s.m[key]; ok && cur.expired(s.nowF()) {
			delete(s.m, key)
		}
		s.mu.Unlock()
		return linking.CodeEntry{}, false, nil
	}
	return linking.CodeEntry{
		Value:     clone(e.value),
		ExpiresAt: e.expiresAt,
		ClaimedAt: e.claimedAt,
	}, true, nil
}

// Claim marks key claimed and returns its value if it exists, is unexpired
// and was not claimed before.
func (s *MemoryStore) Claim(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowF()
	e, ok := s.m[key]
	if !ok || e.expired(now) || e.claimedAt != nil {
		return nil, false, nil
	}
	e.claimedAt = &now
	s.m[key] = e
	return clone(e.value), true, nil
}

// Delete removes keys, missing keys are ignored.
func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
	return nil
}

// Len returns the number of stored entries, expired ones included until swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Sweep evicts expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	removed := 0
	for k, e := range s.m {
		if e.expired(now) {
			delete(s.m, k)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	return nil
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
