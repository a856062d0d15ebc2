package realtime

import "sync"

// Registry is the instance-local view of live connections.
//
// It tracks every accepted connection (joined or not) and binds user ids to
// the connection that claimed them. Nothing here survives a restart, and
// nothing needs to: the connections do not survive it either.
type Registry struct {
	mu     sync.RWMutex
	conns  map[*Client]struct{}
	byUser map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[*Client]struct{}),
		byUser: make(map[string]*Client),
	}
}

// Track records an accepted connection.
func (r *Registry) Track(c *Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

// Untrack forgets a connection. It does not touch user bindings.
func (r *Registry) Untrack(c *Client) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Register binds userID to c, replacing any earlier binding on this instance.
// The replaced client, if any, is returned.
func (r *Registry) Register(userID string, c *Client) *Client {
	if userID == "" || c == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byUser[userID]
	r.byUser[userID] = c
	r.conns[c] = struct{}{}
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes the binding for userID. With a non-nil c the binding is
// only removed while it still points at c.
func (r *Registry) Unregister(userID string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.byUser[userID]
	if !ok {
		return false
	}
	if c != nil && cur != c {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// lookup returns the client bound to userID.
func (r *Registry) lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// ConnectionsFor returns the registered clients of the given users.
// Users without a binding here (disconnected, or connected elsewhere) are skipped.
func (r *Registry) ConnectionsFor(userIDs []string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(userIDs))
	seen := make(map[*Client]struct{}, len(userIDs))
	for _, id := range userIDs {
		c, ok := r.byUser[id]
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// All returns every tracked connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
