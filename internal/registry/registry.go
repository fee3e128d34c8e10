package registry

import (
	"fmt"
	"sync"
)

// Filter carries the three booleans (well, two booleans and a session id)
// used by discovery (§4.B): Upstream includes procedures learned from the
// node above, All includes both upstream and downstream sets, and Trigger
// suppresses re-advertisement of anything learned from that session id.
type Filter struct {
	Upstream bool
	All      bool
	Trigger  string
}

// Registry stores procedures by namespace, resolves lookups, and answers
// discovery queries (component B), with namespace groups layered on top
// (component C).
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
	groups     map[string]*group
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		namespaces: make(map[string]*namespace),
		groups:     make(map[string]*group),
	}
}

// namespaceNamed returns (creating if necessary) the namespace by that
// name. Callers must not hold r.mu.
func (r *Registry) namespaceNamed(name string) *namespace {
	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.namespaces[name]
	if !ok {
		ns = newNamespace()
		r.namespaces[name] = ns
	}
	return ns
}

func (r *Registry) groupNamed(name string) (*group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[name]
	return g, ok
}

// CreateGroup defines a namespace group over members, auto-creating any
// member namespace not yet present. Fails with ErrGroupExists if name is
// already taken by a group or a single namespace.
func (r *Registry) CreateGroup(name string, members ...string) error {
	r.mu.Lock()
	if _, exists := r.groups[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("create group %q: %w", name, ErrGroupExists)
	}
	if _, exists := r.namespaces[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("create group %q: %w", name, ErrGroupExists)
	}

	cp := make([]string, len(members))
	copy(cp, members)
	r.groups[name] = &group{name: name, members: cp}
	r.mu.Unlock()

	for _, m := range members {
		r.namespaceNamed(m)
	}
	return nil
}

// Register stores proc under name in target, which may be a plain
// namespace or a namespace group. Duplicate registration of a name already
// present in a namespace is a silent no-op (first writer wins). Targeting
// a group fans out to every member namespace.
func (r *Registry) Register(target string, desc Descriptor, invoker Invoker, origin Origin) {
	proc := Procedure{Descriptor: desc, Invoker: invoker}

	if g, ok := r.groupNamed(target); ok {
		for _, member := range g.members {
			r.namespaceNamed(member).register(desc.Name, proc, origin)
		}
		return
	}

	r.namespaceNamed(target).register(desc.Name, proc, origin)
}

// RegisterLocal is a convenience for registering an origin-owned procedure.
func (r *Registry) RegisterLocal(target string, desc Descriptor, invoker Invoker) {
	r.Register(target, desc, invoker, Origin{Kind: OriginLocal})
}

// Lookup resolves name within target (a namespace or a group). For a group,
// returns the first hit over member namespaces in group-insertion order.
func (r *Registry) Lookup(target, name string) (Procedure, bool) {
	if g, ok := r.groupNamed(target); ok {
		for _, member := range g.members {
			if ns, ok := r.existingNamespace(member); ok {
				if proc, found := ns.lookup(name); found {
					return proc, true
				}
			}
		}
		return Procedure{}, false
	}

	ns, ok := r.existingNamespace(target)
	if !ok {
		return Procedure{}, false
	}
	return ns.lookup(name)
}

func (r *Registry) existingNamespace(name string) (*namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[name]
	return ns, ok
}

// List enumerates descriptors visible for target under filter, applying the
// discovery policy of §4.B. For a group, every member namespace is listed
// in group-member order.
func (r *Registry) List(target string, filter Filter) []Descriptor {
	if g, ok := r.groupNamed(target); ok {
		var out []Descriptor
		for _, member := range g.members {
			if ns, ok := r.existingNamespace(member); ok {
				out = append(out, ns.list(filter)...)
			}
		}
		return out
	}

	ns, ok := r.existingNamespace(target)
	if !ok {
		return nil
	}
	return ns.list(filter)
}
