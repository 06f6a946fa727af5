package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tillpoint/tillpoint/internal/shared"
)

// ErrLockTimeout is returned when a product lock is not acquired in time.
var ErrLockTimeout = fmt.Errorf("%w: stock lock timeout", shared.ErrConcurrencyConflict)

// lockTable hands out one exclusive lock per (tenant, product). Entries are
// dropped once nobody holds or waits for them.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*lockEntry)}
}

func lockKey(tenantID, productID string) string {
	return fmt.Sprintf("stock:%s:%s", tenantID, productID)
}

func (l *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := entry.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(key, entry)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			l.unref(key, entry)
		})
	}, nil
}

func (l *lockTable) unref(key string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

func (l *lockTable) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
