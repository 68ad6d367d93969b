package dedupe

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	messageID string
	expires   time.Time
}

// Memory is a process-local Store.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates a Memory store remembering keys for ttl.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

var _ Store = (*Memory)(nil)

// Claim implements Store.
func (m *Memory) Claim(ctx context.Context, key, messageID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return e.messageID, false, nil
	}
	m.entries[key] = entry{messageID: messageID, expires: now.Add(m.ttl)}
	m.sweepLocked(now)
	return "", true, nil
}

// Release implements Store.
func (m *Memory) Release(ctx context.Context, key, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && e.messageID == messageID {
		delete(m.entries, key)
	}
	return nil
}

// sweepLocked drops expired entries once the map grows.
func (m *Memory) sweepLocked(now time.Time) {
	if len(m.entries) < 1024 {
		return
	}
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

// Ping implements Store.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store.
func (m *Memory) Close() error { return nil }
