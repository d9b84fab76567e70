// Package registry maps authenticated user identities to their live
// connections. It is the sole place a user's connection set is mutated.
package registry

import "sync"

// Registry tracks which connections belong to which user. All state is
// in memory and lost on restart by design; clients re-establish and
// re-fetch missed state over REST.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[*Conn]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[string]map[*Conn]struct{}),
	}
}

// Register adds a connection to its user's set, creating the set if
// absent. Registering the same connection twice is a no-op.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[conn.UserID]
	if set == nil {
		set = make(map[*Conn]struct{})
		r.byUser[conn.UserID] = set
	}
	set[conn] = struct{}{}
}

// Unregister removes a connection; the user entry is removed with its
// last connection, so no empty sets persist. Safe to call from a
// close/error callback even if Register never ran, and safe to call
// twice.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[conn.UserID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.byUser, conn.UserID)
	}
}

// ConnectionsFor returns the current live connections for a user,
// possibly empty.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// GroupMembers returns every connection whose verified role matches the
// group name. The role was bound at handshake from the token claims, so
// group membership is never client-asserted.
func (r *Registry) GroupMembers(role string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, set := range r.byUser {
		for c := range set {
			if c.Role == role {
				out = append(out, c)
			}
		}
	}
	return out
}

// Users returns the identities currently holding at least one connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	return out
}

// Len returns the total number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, set := range r.byUser {
		n += len(set)
	}
	return n
}
