package session

import (
	"sync"

	"github.com/relaypush/relaypush/internal/deviceid"
)

// Registry is the process-local RegistryIndex: a map from DeviceId to the
// local session handle, used for direct delivery and to enforce "at most
// one session per device." Locking is a single mutex guarding a map (that
// is adequate at webpa-common's own device-manager scale); what matters is
// that swap is atomic, not how many shards guard it.
type Registry struct {
	mu       sync.Mutex
	sessions map[deviceid.ID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[deviceid.ID]*Session)}
}

// Swap installs next as the session for uaid, returning the previous
// occupant (if any) so the caller can evict it. This is the single atomic
// operation that enforces "the previous session must be Closed before the
// new one emits any notification: the caller must call RequestClose on the
// returned session before sending anything on next.
func (r *Registry) Swap(uaid deviceid.ID, next *Session) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous = r.sessions[uaid]
	r.sessions[uaid] = next
	return previous
}

// Get returns the session currently registered for uaid, for direct-notify.
func (r *Registry) Get(uaid deviceid.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[uaid]
	return s, ok
}

// Remove deletes the entry for uaid only if it still points at s, so a
// session that has already been evicted by a later Swap does not clobber
// its successor's entry on its own close path.
func (r *Registry) Remove(uaid deviceid.ID, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[uaid] == s {
		delete(r.sessions, uaid)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
