package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

type memoryRecord struct {
	token     string
	expiresAt time.Time
}

// Memory is an in-process Manager.
type Memory struct {
	mu     sync.Mutex
	leases map[string]memoryRecord
	seq    atomic.Uint64
	now    func() time.Time
}

// NewMemory returns an empty in-process Manager.
func NewMemory() *Memory {
	return &Memory{
		leases: make(map[string]memoryRecord),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errors.New("lease key cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[key]; ok && now.Before(rec.expiresAt) {
		return nil, ErrConflict
	}

	token := fmt.Sprintf("%d-%d", now.UnixNano(), m.seq.Add(1))
	expiresAt := now.Add(ttl)
	m.leases[key] = memoryRecord{token: token, expiresAt: expiresAt}
	return &Lease{Key: key, Token: token, ExpiresAt: expiresAt}, nil
}

func (m *Memory) Renew(ctx context.Context, l *Lease, ttl time.Duration) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !valid(l) {
		return nil, errors.New("valid lease is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.leases[l.Key]
	if !ok || rec.token != l.Token || !now.Before(rec.expiresAt) {
		return nil, ErrConflict
	}
	expiresAt := now.Add(ttl)
	m.leases[l.Key] = memoryRecord{token: l.Token, expiresAt: expiresAt}
	return &Lease{Key: l.Key, Token: l.Token, ExpiresAt: expiresAt}, nil
}

// Release drops the lease if l still owns it. The context is ignored so an
// aborted sync still frees its lease.
func (m *Memory) Release(_ context.Context, l *Lease) error {
	if !valid(l) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.leases[l.Key]; ok && rec.token == l.Token {
		delete(m.leases, l.Key)
	}
	return nil
}
