// Package registry implements the Function Registry (C3): a process-wide,
// concurrently-readable map from "{interface}:{function}" keys to a
// shareable, interior-mutable slot. A slot starts unresolved and transitions
// to resolved exactly once, when the exporting extension is instantiated
// (§4.3, §9 "forward references across extensions").
//
// Lock discipline: each slot owns its own mutex, held only for the
// read-or-swap of a single reference, never across an engine call.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/icp-tools/corectl/corerr"
)

// Func is a concrete callable obtained from an instantiated extension's
// export. Call and PostReturn are kept as two distinct phases (rather than
// one fused call) so that a dynamic-linker stub can invoke them in strict
// order while only ever holding the slot lock around reading the reference,
// never around the engine call itself.
type Func interface {
	Call(ctx context.Context, params []any) ([]any, error)
	PostReturn(ctx context.Context) error
}

// Key builds the registry key "{interface}:{function}" per §4.3.
func Key(iface, function string) string {
	return iface + ":" + function
}

// slot is the interior-mutable cell behind one registry key.
type slot struct {
	mu       sync.RWMutex
	resolved bool
	fn       Func
}

func (s *slot) get() (Func, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fn, s.resolved
}

func (s *slot) set(fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = true
	s.fn = fn
}

// Registry is the process-wide function reference table. The zero value is
// not usable; construct with New.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

// Register inserts a new unresolved slot for key. Fails with
// corerr.KindAlreadyExists if key is already registered.
func (r *Registry) Register(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.slots[key]; ok {
		return corerr.AlreadyExists(key)
	}
	r.slots[key] = &slot{}
	return nil
}

// Contains reports whether key has been registered (resolved or not).
func (r *Registry) Contains(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.slots[key]
	return ok
}

// Resolve transitions key's slot to resolved(fn). Fails with
// corerr.KindNotFound if key was never registered. The transition is
// monotonic: a slot, once resolved, stays resolved (callers that resolve
// twice simply overwrite the reference; the registry does not track "already
// resolved" itself — C5's per-extension idempotence flag is the caller's
// responsibility).
func (r *Registry) Resolve(key string, fn Func) error {
	r.mu.RLock()
	s, ok := r.slots[key]
	r.mu.RUnlock()
	if !ok {
		return corerr.NotFound(key)
	}
	s.set(fn)
	return nil
}

// Lookup returns the current binding for (iface, function). The returned
// bool is false if the slot is registered but not yet resolved. Fails with
// corerr.KindNotFound if the key was never registered.
func (r *Registry) Lookup(iface, function string) (Func, bool, error) {
	key := Key(iface, function)
	r.mu.RLock()
	s, ok := r.slots[key]
	r.mu.RUnlock()
	if !ok {
		return nil, false, corerr.NotFound(key)
	}
	fn, resolved := s.get()
	return fn, resolved, nil
}

// Call resolves (iface, function) and invokes it, wrapping an unresolved
// slot as corerr.KindUnresolvedRef. It does not hold any registry lock
// across the underlying call (§5 "never held across an engine call").
func (r *Registry) Call(ctx context.Context, iface, function string, params []any) ([]any, error) {
	fn, resolved, err := r.Lookup(iface, function)
	if err != nil {
		return nil, err
	}
	if !resolved {
		return nil, corerr.UnresolvedReference(function)
	}

	results, err := fn.Call(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("registry: call %s: %w", Key(iface, function), err)
	}
	if err := fn.PostReturn(ctx); err != nil {
		return nil, fmt.Errorf("registry: post-return %s: %w", Key(iface, function), err)
	}
	return results, nil
}

// Stats summarizes the registry's current state (§4.3 "stats").
type Stats struct {
	Total    int
	Resolved int
}

// Stats returns the total slot count and how many are resolved.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{Total: len(r.slots)}
	for _, s := range r.slots {
		if _, resolved := s.get(); resolved {
			st.Resolved++
		}
	}
	return st
}

// IsResolved reports whether key is both registered and resolved.
func (r *Registry) IsResolved(key string) bool {
	r.mu.RLock()
	s, ok := r.slots[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	_, resolved := s.get()
	return resolved
}

// Keys returns all registered keys, in no particular order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.slots))
	for k := range r.slots {
		keys = append(keys, k)
	}
	return keys
}
