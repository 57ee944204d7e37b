package dispatch

import (
	"context"
	"fmt"
	"sync"

	"aegisflux/backend/fleetwatch/internal/model"
)

// keyedMutex hands out one lock per key and forgets keys nobody holds or waits on
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock waits until key is free or ctx ends. On success it returns the unlock func;
// a caller that gives up waiting gets ErrUnavailable.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, fmt.Errorf("%w: waiting for endpoint %s: %v", model.ErrUnavailable, key, ctx.Err())
	}

	return func() {
		<-l.sem
		k.release(key, l)
	}, nil
}

func (k *keyedMutex) release(key string, l *refLock) {
	k.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
