// Package lock provides lease locks that serialize operations on one key across goroutines
// (MemoryLocker) or across service instances (RedisLocker).
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLeaseLost is returned by Acquire when ctx ends before the lease could be taken.
var ErrLeaseLost = errors.New("lease not acquired")

// Locker hands out exclusive leases per key. The lease expires after ttl even if release
// is never called, so a crashed holder cannot block a key forever.
type Locker interface {
	// Acquire blocks until the lease for key is held or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// SubscriptionKey is the lease key guarding one subscription.
func SubscriptionKey(id fmt.Stringer) string {
	return "subscription:" + id.String()
}

// MemoryLocker implements Locker for tests and single-instance deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*lease
}

type lease struct {
	token   uint64
	waiters chan struct{}
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*lease)}
}

// Acquire obtains the lease for key, waiting for the current holder to release or expire.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		l.mu.Lock()
		held, ok := l.locks[key]
		if !ok {
			held = &lease{token: nextToken(), waiters: make(chan struct{})}
			l.locks[key] = held
			l.mu.Unlock()
			return l.releaser(key, held, ttl), nil
		}
		wait := held.waiters
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w: %w", key, ErrLeaseLost, ctx.Err())
		}
	}
}

func (l *MemoryLocker) releaser(key string, held *lease, ttl time.Duration) func() {
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.locks[key]; ok && cur.token == held.token {
				delete(l.locks, key)
				close(held.waiters)
			}
		})
	}
	if ttl > 0 {
		time.AfterFunc(ttl, release)
	}
	return release
}

var (
	tokenMu sync.Mutex
	token   uint64
)

func nextToken() uint64 {
	tokenMu.Lock()
	defer tokenMu.Unlock()
	token++
	return token
}
