// Package reservation holds minute numbers while an edit session adds them,
// so two sessions cannot both pass the uniqueness scan with the same number
// before either has saved.
package reservation

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultTTL bounds how long a reservation outlives an abandoned session.
const DefaultTTL = 10 * time.Minute

func key(surveyor, minute string) string {
	return "minute:" + strings.ToLower(strings.TrimSpace(surveyor)) + ":" + strings.TrimSpace(minute)
}

// MemoryStore is the single-process reservation store used when Redis is
// not configured.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	holders map[string]memoryHold
}

type memoryHold struct {
	holder    string
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now, holders: map[string]memoryHold{}}
}

// Reserve claims the minute for holder. It succeeds when the minute is free,
// expired, or already held by the same holder.
func (s *MemoryStore) Reserve(_ context.Context, surveyor, minute, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(surveyor, minute)
	now := s.now()
	if current, ok := s.holders[k]; ok && current.holder != holder && now.Before(current.expiresAt) {
		return false, nil
	}
	s.holders[k] = memoryHold{holder: holder, expiresAt: now.Add(s.ttl)}
	return true, nil
}

// Release drops the reservation if holder still owns it.
func (s *MemoryStore) Release(_ context.Context, surveyor, minute, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(surveyor, minute)
	if current, ok := s.holders[k]; ok && current.holder == holder {
		delete(s.holders, k)
	}
	return nil
}
