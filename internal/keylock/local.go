package keylock

import (
	"context"
	"sync"
	"time"
)

type slot struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. Idle keys are dropped so the map only holds
// keys with a holder or waiter.
type Local struct {
	mu      sync.Mutex
	slots   map[string]*slot
	timeout time.Duration
}

func NewLocal(waitTimeout time.Duration) *Local {
	return &Local{slots: make(map[string]*slot), timeout: waitTimeout}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	if key == "" {
		return nil, errEmptyKey
	}

	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	wctx, cancel := waitContext(ctx, l.timeout)
	defer cancel()

	select {
	case s.ch <- struct{}{}:
	case <-wctx.Done():
		l.release(key, s, false)
		return nil, waitFailed(key, wctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *Local) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
