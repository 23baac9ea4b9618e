// Package registry tracks which controller connections are currently
// reachable, keyed by the scope they registered under.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Connection is a live bidirectional channel to a controller. The registry
// only records membership; the owner of the connection decides when it is
// closed.
type Connection interface {
	ID() string
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Registry maps scopes to the set of connections registered under them.
// A scope with no members is never present.
type Registry struct {
	log zerolog.Logger

	mu     sync.RWMutex
	scopes map[Scope]map[Connection]struct{}
	owner  map[Connection]Scope
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		log:    log.With().Str("component", "registry").Logger(),
		scopes: make(map[Scope]map[Connection]struct{}),
		owner:  make(map[Connection]Scope),
	}
}

// Register adds conn under scope. Registering the same handle again is a
// no-op; registering it under a different scope moves it, so a connection is
// never a member of two scopes.
func (r *Registry) Register(scope Scope, conn Connection) {
	r.mu.Lock()
	if prev, ok := r.owner[conn]; ok {
		if prev == scope {
			r.mu.Unlock()
			return
		}
		r.removeLocked(prev, conn)
		r.log.Warn().
			Str("conn_id", conn.ID()).
			Stringer("from", prev).
			Stringer("to", scope).
			Msg("connection re-registered under a new scope")
	}

	set, ok := r.scopes[scope]
	if !ok {
		set = make(map[Connection]struct{})
		r.scopes[scope] = set
	}
	set[conn] = struct{}{}
	r.owner[conn] = scope
	count := len(set)
	r.mu.Unlock()

	r.log.Debug().
		Str("conn_id", conn.ID()).
		Stringer("scope", scope).
		Int("members", count).
		Msg("connection registered")
}

// Deregister removes conn from scope. It reports whether anything was
// removed; an absent connection is not an error.
func (r *Registry) Deregister(scope Scope, conn Connection) bool {
	r.mu.Lock()
	if owner, ok := r.owner[conn]; !ok || owner != scope {
		r.mu.Unlock()
		return false
	}
	remaining := r.removeLocked(scope, conn)
	r.mu.Unlock()

	r.log.Debug().
		Str("conn_id", conn.ID()).
		Stringer("scope", scope).
		Int("members", remaining).
		Msg("connection deregistered")
	return true
}

// removeLocked drops conn from scope and prunes the scope if it empties.
// Caller holds r.mu.
func (r *Registry) removeLocked(scope Scope, conn Connection) int {
	delete(r.owner, conn)
	set := r.scopes[scope]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.scopes, scope)
		return 0
	}
	return len(set)
}

// Members returns a point-in-time copy of the connections under scope.
// The slice is owned by the caller and safe to iterate while other
// goroutines register and deregister.
func (r *Registry) Members(scope Scope) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.scopes[scope]
	members := make([]Connection, 0, len(set))
	for conn := range set {
		members = append(members, conn)
	}
	return members
}

// Has reports whether anyone is registered under scope.
func (r *Registry) Has(scope Scope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scopes[scope]
	return ok
}

// Scopes returns the scopes that currently have members.
func (r *Registry) Scopes() []Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Scope, 0, len(r.scopes))
	for s := range r.scopes {
		keys = append(keys, s)
	}
	return keys
}

// All returns every registered connection. Used to drain on shutdown.
func (r *Registry) All() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Connection, 0, len(r.owner))
	for conn := range r.owner {
		all = append(all, conn)
	}
	return all
}

// Stats returns the number of live scopes and connections.
func (r *Registry) Stats() (scopes, conns int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes), len(r.owner)
}
