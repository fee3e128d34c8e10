package registry

import (
	"context"
	"sync"
)

// Invoker executes a registered procedure. InvokerFunc wraps an
// origin-owned Go function; proxy.Handle (internal/proxy) forwards through
// a session instead.
type Invoker interface {
	Invoke(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return f(ctx, args, kwargs)
}

// Procedure pairs an immutable descriptor with its invoker. Identity is
// (namespace, name); names are unique within a single namespace.
type Procedure struct {
	Descriptor Descriptor
	Invoker    Invoker
}

// OriginKind classifies where a registered procedure came from, which
// drives discovery ordering and the upstream/downstream/trigger filter.
type OriginKind uint8

const (
	// OriginLocal procedures are defined by this node.
	OriginLocal OriginKind = iota
	// OriginUpstream procedures were learned from this namespace's single
	// parent peer session.
	OriginUpstream
	// OriginDownstream procedures were learned from a downstream peer
	// session (a child that connected to us).
	OriginDownstream
)

// Origin records provenance for a registered procedure.
type Origin struct {
	Kind OriginKind

	// SessionID is the session this procedure was learned through. Empty
	// for OriginLocal.
	SessionID string
}

type entry struct {
	proc   Procedure
	origin Origin
}

// namespace is a mapping from procedure name to registered procedure,
// created lazily on first registration and living for the process.
type namespace struct {
	mu sync.RWMutex

	entries map[string]*entry

	localOrder      []string
	upstreamOrder   []string
	downstreamOrder []string            // session ids, in first-seen order
	downstreamNames map[string][]string // session id -> names, insertion order
}

func newNamespace() *namespace {
	return &namespace{
		entries:         make(map[string]*entry),
		downstreamNames: make(map[string][]string),
	}
}

// register adds proc under name if not already present. Returns false if a
// procedure by that name already exists (first-writer-wins, idempotent).
func (ns *namespace) register(name string, proc Procedure, origin Origin) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, exists := ns.entries[name]; exists {
		return false
	}

	ns.entries[name] = &entry{proc: proc, origin: origin}

	switch origin.Kind {
	case OriginLocal:
		ns.localOrder = append(ns.localOrder, name)
	case OriginUpstream:
		ns.upstreamOrder = append(ns.upstreamOrder, name)
	case OriginDownstream:
		if _, seen := ns.downstreamNames[origin.SessionID]; !seen {
			ns.downstreamOrder = append(ns.downstreamOrder, origin.SessionID)
		}
		ns.downstreamNames[origin.SessionID] = append(ns.downstreamNames[origin.SessionID], name)
	}

	return true
}

func (ns *namespace) lookup(name string) (Procedure, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	e, ok := ns.entries[name]
	if !ok {
		return Procedure{}, false
	}
	return e.proc, true
}

// list implements the discovery policy of §4.B in Registry.List, scoped to
// this single namespace.
func (ns *namespace) list(filter Filter) []Descriptor {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var out []Descriptor

	appendIfNotTriggered := func(name string) {
		e := ns.entries[name]
		if filter.Trigger != "" && e.origin.SessionID == filter.Trigger {
			return
		}
		out = append(out, e.proc.Descriptor)
	}

	for _, name := range ns.localOrder {
		appendIfNotTriggered(name)
	}

	if filter.Upstream || filter.All {
		for _, name := range ns.upstreamOrder {
			appendIfNotTriggered(name)
		}
	}

	if filter.All || !filter.Upstream {
		for _, sessionID := range ns.downstreamOrder {
			for _, name := range ns.downstreamNames[sessionID] {
				appendIfNotTriggered(name)
			}
		}
	}

	return out
}
