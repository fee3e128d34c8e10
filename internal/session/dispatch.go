package session

import (
	"context"
	"fmt"
	"time"

	"github.com/nsrpc/nsrpc/internal/iterator"
	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// handleFrame routes one decoded top-level frame (§4.E, §6).
func (s *Session) handleFrame(ctx context.Context, f wire.Frame) error {
	switch {
	case f.Ping != nil:
		return s.enqueue(ctx, wire.Frame{Pong: &wire.PongFrame{Pong: "pong"}})
	case f.Pong != nil:
		return nil
	case f.WSAction != nil:
		return s.handleEnvelope(ctx, *f.WSAction)
	default:
		return nil
	}
}

func (s *Session) handleEnvelope(ctx context.Context, env wire.Envelope) error {
	switch env.Type {
	case "response":
		s.Mux.Deliver(env.RequestID, env.Response)
		return nil
	case "request":
		// Each request is handled on its own goroutine: responses to
		// distinct request ids may interleave arbitrarily (§5 ordering
		// guarantee 2), and a slow invocation must not stall delivery of
		// concurrently arriving frames on the same pump.
		go s.handleRequest(ctx, env)
		return nil
	default:
		return fmt.Errorf("session: unknown envelope type %q", env.Type)
	}
}

func (s *Session) handleRequest(ctx context.Context, env wire.Envelope) {
	if env.Request == nil {
		return
	}

	var body any
	switch env.Request.Action {
	case wire.ActionGetRegisteredFunctions:
		body = s.listFunctions(env.Request)
	case wire.ActionCursorNext:
		body = s.advanceCursor(ctx, env)
	default:
		body = s.invoke(ctx, env)
	}

	if !env.ResponseExpected {
		return
	}
	reply := wire.EnvelopeFrame{WSAction: wire.Envelope{
		Type:      "response",
		RequestID: env.RequestID,
		Response:  body,
	}}
	if err := s.Send(ctx, reply); err != nil {
		s.logger.Debug("reply send failed", "error", err.Error())
	}
}

func (s *Session) listFunctions(req *wire.RequestPayload) []registry.Descriptor {
	filter := registry.Filter{
		All:      boolArg(req.Kwargs, "all_functions"),
		Upstream: boolArg(req.Kwargs, "upstream"),
		Trigger:  stringArg(req.Kwargs, "trigger"),
	}
	return s.Registry.List(s.Namespace, filter)
}

func (s *Session) advanceCursor(ctx context.Context, env wire.Envelope) any {
	cursorID := stringArg(env.Request.Kwargs, "cursor_id")
	if cursorID == "" {
		cursorID = env.RequestID
	}
	body, err := s.Cursors.Advance(ctx, cursorID)
	if err != nil {
		// err here only ever means the cursor id was unknown to the table
		// (iterator.ErrCursorGone) -- nothing was live to decrement. §7's
		// CURSOR_GONE disposition is "logged; responds CURSOR_END", not an
		// error body.
		s.logger.Debug("cursor_next on unknown cursor", "cursor_id", cursorID, "error", err.Error())
		return wire.CursorEnd
	}
	if s.Metrics != nil {
		switch v := body.(type) {
		case wire.CursorError:
			s.Metrics.CursorEnded()
		default:
			if v == wire.CursorEnd {
				s.Metrics.CursorEnded()
			} else {
				s.Metrics.CursorItemsAdvanced(1)
			}
		}
	}
	return body
}

func (s *Session) invoke(ctx context.Context, env wire.Envelope) any {
	start := time.Now()
	proc, ok := s.Registry.Lookup(s.Namespace, env.Request.Action)
	if !ok {
		s.recordRequest(env.Request.Action, nsrpcmetrics.OutcomeError, start)
		return wire.ErrorBody{Error: fmt.Sprintf("no action %q registered", env.Request.Action)}
	}

	result, err := proc.Invoker.Invoke(ctx, env.Request.Args, env.Request.Kwargs)
	if err != nil {
		s.recordRequest(env.Request.Action, nsrpcmetrics.OutcomeError, start)
		return wire.ErrorBody{Error: err.Error()}
	}

	if proc.Descriptor.ResultKind.IsLazy() {
		source, ok := result.(iterator.Source)
		if !ok {
			s.recordRequest(env.Request.Action, nsrpcmetrics.OutcomeError, start)
			return wire.ErrorBody{Error: fmt.Sprintf("action %q: lazy result did not produce an iterator.Source", env.Request.Action)}
		}
		s.Cursors.Start(env.RequestID, source)
		if s.Metrics != nil {
			s.Metrics.CursorStarted()
		}
		s.recordRequest(env.Request.Action, nsrpcmetrics.OutcomeOK, start)
		return wire.CursorStart{CursorStart: env.RequestID}
	}
	s.recordRequest(env.Request.Action, nsrpcmetrics.OutcomeOK, start)
	return result
}

// recordRequest observes one completed invocation if a metrics collector
// is attached; sessions built without one (most tests) are unaffected.
func (s *Session) recordRequest(action, outcome string, start time.Time) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.ObserveRequest(s.Namespace, action, outcome, time.Since(start))
}

func boolArg(kwargs map[string]any, key string) bool {
	v, ok := kwargs[key].(bool)
	return ok && v
}

func stringArg(kwargs map[string]any, key string) string {
	v, _ := kwargs[key].(string)
	return v
}
