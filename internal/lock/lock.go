// Package lock provides per-entity lease locking for the relay pipeline.
//
// Every pipeline stage uses try-acquire-and-skip semantics: a contended key
// is skipped this cycle rather than waited on, so one stuck entity cannot
// stall a whole batch. Leases auto-expire so a crashed worker cannot hold a
// key forever.
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/msgrelay/relayhub/internal/util"
)

// ErrNotAcquired is returned when a lock could not be acquired within the
// configured acquire timeout. It signals a normal skip, not a failure.
var ErrNotAcquired = errors.New("lock not acquired")

// retryInterval is how often Acquire retries while waiting out its timeout.
const retryInterval = 25 * time.Millisecond

// Manager is a per-entity mutual-exclusion primitive keyed by string.
type Manager interface {
	// Acquire attempts to take the lease for key. If the key is held, it
	// retries until wait has elapsed and then returns ErrNotAcquired.
	// A wait of zero means a single attempt.
	Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Lease, error)
}

// Lease is an acquired lock. Release is safe to call multiple times.
type Lease struct {
	Key   string
	token string

	mu       sync.Mutex
	released bool
	release  func(key, token string) error
}

// Release gives the lease back. Subsequent calls are no-ops.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if l.release == nil {
		return nil
	}
	return l.release(l.Key, l.token)
}

// MemoryManager is an in-process lease lock manager. Suitable for a single
// relay process; use the Redis manager when multiple processes share state.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]memLease
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryManager creates an in-process lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{locks: make(map[string]memLease)}
}

// Acquire implements Manager.
func (m *MemoryManager) Acquire(ctx context.Context, key string, lease, wait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(wait)
	for {
		if l, ok := m.tryAcquire(key, lease); ok {
			return l, nil
		}
		if time.Now().After(deadline) {
			slog.Debug("MemoryManager.Acquire: contended, skipping", "key", key)
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (m *MemoryManager) tryAcquire(key string, lease time.Duration) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if held, ok := m.locks[key]; ok && held.expiresAt.After(now) {
		return nil, false
	}

	token := util.GenerateRandomHex(32)
	m.locks[key] = memLease{token: token, expiresAt: now.Add(lease)}
	return &Lease{Key: key, token: token, release: m.releaseLease}, true
}

// releaseLease removes the lease only if the token still matches, so an
// expired lease reacquired by another worker is never released by the
// original holder.
func (m *MemoryManager) releaseLease(key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[key]; ok && held.token == token {
		delete(m.locks, key)
	}
	return nil
}
