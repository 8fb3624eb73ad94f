package messaging

import (
	"sync"
)

// PhoneLockRegistry serializes message handling per phone number. Two
// messages from different phones process concurrently; two from the same
// phone process in arrival order, which keeps onboarding state machines and
// conversation checkpoints free of same-phone races.
type PhoneLockRegistry struct {
	locks map[string]*phoneLock
	mu    sync.Mutex
}

type phoneLock struct {
	mu   sync.Mutex
	refs int
}

// NewPhoneLockRegistry creates an empty registry.
func NewPhoneLockRegistry() *PhoneLockRegistry {
	return &PhoneLockRegistry{locks: make(map[string]*phoneLock)}
}

// Lock acquires the lock for a phone, creating it on first use.
func (r *PhoneLockRegistry) Lock(phone string) {
	r.mu.Lock()
	l, ok := r.locks[phone]
	if !ok {
		l = &phoneLock{}
		r.locks[phone] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the lock for a phone. The entry is dropped once no handler
// holds or waits on it, so the registry stays proportional to in-flight
// phones rather than total subscribers.
func (r *PhoneLockRegistry) Unlock(phone string) {
	r.mu.Lock()
	l, ok := r.locks[phone]
	if ok {
		l.refs--
		if l.refs == 0 {
			delete(r.locks, phone)
		}
	}
	r.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}
