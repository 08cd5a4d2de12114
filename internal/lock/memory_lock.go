package lock

import (
	"context"
	"sync"
	"time"

	ffclock "github.com/flowforge/engine/internal/clock"
)

// memoryEntry is one held lock's expiry.
type memoryEntry struct {
	token   string
	expires time.Time
}

// memoryService is an in-process Service used by orchestrator/worker/
// sweeper unit tests that don't need a real Redis instance. It honors the
// same non-blocking-acquire, leased-expiry, release-only-if-held contract
// as the Redis implementation.
type memoryService struct {
	clk ffclock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
	next    int
}

// NewMemoryService returns an in-memory Service for tests.
func NewMemoryService(clk ffclock.Clock) Service {
	return &memoryService{clk: clk, entries: make(map[string]memoryEntry)}
}

func (s *memoryService) Acquire(_ context.Context, instanceID string, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if e, ok := s.entries[instanceID]; ok && e.expires.After(now) {
		return false, nil
	}

	s.next++
	s.entries[instanceID] = memoryEntry{
		token:   fmtToken(s.next),
		expires: now.Add(lease),
	}
	return true, nil
}

func (s *memoryService) Release(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, instanceID)
	return nil
}

func (s *memoryService) Close() error { return nil }

func fmtToken(n int) string {
	const hex = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hex[n%16]
		n /= 16
	}
	return string(buf[i:])
}
