// Package lock provides non-blocking per-key mutual exclusion.
//
// A held key is never waited on: TryLock fails at once with
// generic.ErrConcurrentModification and the caller decides whether to retry.
// This covers both concurrent callers and a payment rail that re-enters the
// service while a payout for the same key is still in flight.
package lock

import (
	"context"
	"sync"

	"github.com/warp/benefit-pool/generic"
)

// Local holds keys in process memory.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, &KeyBusyError{Key: key}
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

// KeyBusyError names the contended key.
type KeyBusyError struct {
	Key string
}

func (e *KeyBusyError) Error() string {
	return "key busy: " + e.Key + ": " + generic.ErrConcurrentModification.Error()
}

func (e *KeyBusyError) Unwrap() error { return generic.ErrConcurrentModification }
