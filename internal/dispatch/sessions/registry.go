// Package sessions implements the process-local, in-memory session
// registry: a narrow service (not a package-level global) that tool
// lookups can query for in-flight sessions, hydrated
// from the persistent store at process start and kept current by the
// pipeline as it registers and purges sessions.
package sessions

import (
	"sync"

	"github.com/openclaw/dispatch/internal/dispatch/store"
)

// Registry mirrors the store's sessionMap in memory for fast reads by tool
// lookups, guarded by a mutex and never touching the store's file lock. It is not authoritative — the store is — and must
// be re-hydrated after any out-of-band edit to the state file.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]store.SessionMapping
}

// New creates an empty Registry. Call HydrateFromStore once at process
// start to populate it from the current persisted state.
func New() *Registry {
	return &Registry{sessions: make(map[string]store.SessionMapping)}
}

// HydrateFromStore replaces the registry's contents with a snapshot read
// from s. Intended to run once at boot.
func (r *Registry) HydrateFromStore(s *store.Store) error {
	st, err := s.Read()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]store.SessionMapping, len(st.SessionMap))
	for k, v := range st.SessionMap {
		r.sessions[k] = v
	}
	return nil
}

// Put records or overwrites a session mapping.
func (r *Registry) Put(sessionKey string, mapping store.SessionMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionKey] = mapping
}

// Lookup returns the mapping for sessionKey, if any.
func (r *Registry) Lookup(sessionKey string) (store.SessionMapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mapping, ok := r.sessions[sessionKey]
	return mapping, ok
}

// Remove deletes a single session mapping.
func (r *Registry) Remove(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey)
}

// RemoveByDispatch deletes every mapping belonging to dispatchID, mirroring
// what Store.Complete/RemoveActive do to the persisted sessionMap.
func (r *Registry) RemoveByDispatch(dispatchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, mapping := range r.sessions {
		if mapping.DispatchID == dispatchID {
			delete(r.sessions, key)
		}
	}
}

// Len reports the number of tracked sessions. Mostly useful for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
