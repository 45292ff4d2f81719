// Package nonce tracks single-use payment nonces for the lifetime of the process.
package nonce

import "sync"

type state uint8

const (
	reserved state = iota + 1
	consumed
)

// Registry is a process-wide set of used nonces. Every transition is a single
// critical section, so check-and-consume cannot race.
//
// A nonce is either absent (fresh), reserved by an in-flight gated request,
// or consumed. Entries never expire.
type Registry struct {
	mu     sync.Mutex
	nonces map[string]state
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{nonces: make(map[string]state)}
}

// IsFresh reports whether the nonce is neither reserved nor consumed.
func (r *Registry) IsFresh(nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nonces[nonce]
	return !ok
}

// IsConsumed reports whether the nonce has been spent.
func (r *Registry) IsConsumed(nonce string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonces[nonce] == consumed
}

// Consume marks a fresh nonce as spent. It returns false if the nonce was
// already reserved or consumed.
func (r *Registry) Consume(nonce string) bool {
	return r.insert(nonce, consumed)
}

// Reserve holds a fresh nonce for an in-flight request. It returns false if
// the nonce was already reserved or consumed.
func (r *Registry) Reserve(nonce string) bool {
	return r.insert(nonce, reserved)
}

// Release drops a reservation so the nonce becomes fresh again. Consumed
// nonces are left untouched.
func (r *Registry) Release(nonce string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nonces[nonce] == reserved {
		delete(r.nonces, nonce)
	}
}

// Commit turns a reservation (or a fresh nonce) into a consumption.
func (r *Registry) Commit(nonce string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonces[nonce] = consumed
}

// Forget removes a consumption that was never observed as a success, used to
// roll back a partially committed transaction.
func (r *Registry) Forget(nonce string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nonces, nonce)
}

// Len returns the number of consumed nonces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.nonces {
		if s == consumed {
			n++
		}
	}
	return n
}

func (r *Registry) insert(nonce string, s state) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nonces[nonce]; ok {
		return false
	}
	r.nonces[nonce] = s
	return true
}
