// Package proxy builds callable handles for procedures learned from a
// remote peer, implementing registry.Invoker by forwarding through a
// session's request multiplexer (§4.H).
package proxy

import (
	"context"
	"fmt"

	"github.com/nsrpc/nsrpc/internal/mux"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// Caller is the minimal capability a proxy handle needs from a session: the
// request multiplexer. *mux.Multiplexer satisfies it directly.
type Caller interface {
	Call(ctx context.Context, payload wire.RequestPayload) (any, error)
}

// Handle is a registry.Invoker that forwards every call across a session
// under a fixed procedure name, instead of executing anything locally.
// Its external shape is carried entirely by the registry.Descriptor it was
// registered under: same parameter names, kinds, defaults, annotations as
// the remote procedure (§4.H).
type Handle struct {
	caller Caller
	name   string
}

// New returns a Handle that forwards calls for name through caller.
func New(caller Caller, name string) *Handle {
	return &Handle{caller: caller, name: name}
}

// Invoke packages args/kwargs into a request for h.name, forwards it
// through the bound session, and returns whatever comes back: a value, or
// (if the response was a cursor sentinel) a *iterator.RemoteSequence.
func (h *Handle) Invoke(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	result, err := h.caller.Call(ctx, wire.RequestPayload{Action: h.name, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, fmt.Errorf("proxy: call %s: %w", h.name, err)
	}
	return result, nil
}

var _ Caller = (*mux.Multiplexer)(nil)
