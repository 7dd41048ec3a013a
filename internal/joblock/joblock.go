// Package joblock provides per-build mutual exclusion so that at most one
// pipeline run touches a build at a time.
package joblock

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by TryAcquire when another holder owns the key.
var ErrHeld = errors.New("lock held")

// Locker hands out non-blocking exclusive locks keyed by build id.
type Locker interface {
	// TryAcquire returns a release func, or ErrHeld without waiting.
	TryAcquire(ctx context.Context, key string) (release func(), err error)
	// Held reports whether key is currently locked.
	Held(ctx context.Context, key string) (bool, error)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryAcquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

func (l *Local) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok, nil
}
