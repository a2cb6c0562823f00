// Package lock provides an in-process domain.LockManager. It only serializes
// callers inside one process; deployments running more than one instance
// must use the Redis lock manager instead.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// Local implements domain.LockManager with a keyed set of held locks. A held
// key expires after its TTL so a lost unlock cannot wedge a product forever.
type Local struct {
	mu    sync.Mutex
	held  map[string]holder
	token uint64
	now   func() time.Time
}

type holder struct {
	token   uint64
	expires time.Time // zero means no expiry
}

// NewLocal creates an empty Local lock manager.
func NewLocal() *Local {
	return &Local{
		held: make(map[string]holder),
		now:  time.Now,
	}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld without waiting
// when another caller holds an unexpired lock on key.
func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return nil, domain.ErrLockHeld
	}

	l.token++
	token := l.token
	h := holder{token: token}
	if ttl > 0 {
		h.expires = now.Add(ttl)
	}
	l.held[key] = h

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only release our own hold; the key may have expired and been
			// taken by someone else meanwhile.
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*Local)(nil)
