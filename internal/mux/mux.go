// Package mux implements the request multiplexer: it allocates request
// ids, parks callers on a one-shot slot, and delivers responses or
// timeouts (§4.F).
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nsrpc/nsrpc/internal/iterator"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// ErrSessionClosed marks a call or cursor pull that lost its session (§7,
// SESSION_CLOSED): PullCursor returns it once the cursor's slot is gone.
// internal/session faults parked callers on teardown with its own
// session.ErrClosed instead.
var ErrSessionClosed = errors.New("SESSION_CLOSED")

// Sender enqueues an envelope frame on the session's outbound send pump.
// Implemented by internal/session.
type Sender interface {
	Send(ctx context.Context, frame wire.EnvelopeFrame) error
}

// Result is what a parked slot eventually receives: a response body or a
// fault.
type Result struct {
	Body any
	Err  error
}

// slot is a rearmable one-shot rendezvous. A plain request uses it once.
// A cursor reuses the same slot across every CURSOR_NEXT advance, each
// time rearmed just before the next frame is sent (§4.D, §5 ordering
// guarantee 3: a cursor serializes its own advances).
type slot struct {
	mu sync.Mutex
	ch chan Result
}

func newSlot() *slot {
	return &slot{ch: make(chan Result, 1)}
}

func (s *slot) rearm() chan Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Result, 1)
	s.ch = ch
	return ch
}

func (s *slot) current() chan Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// deliver hands r to whichever channel is currently armed. It never
// blocks: a slot with nothing waiting (a late or duplicate response,
// §4.E receive pump) simply drops the delivery.
func (s *slot) deliver(r Result) {
	ch := s.current()
	select {
	case ch <- r:
	default:
	}
}

// Multiplexer implements component F over a single session.
type Multiplexer struct {
	sender Sender

	mu    sync.Mutex
	slots map[string]*slot
}

// New returns a Multiplexer that sends through sender.
func New(sender Sender) *Multiplexer {
	return &Multiplexer{sender: sender, slots: make(map[string]*slot)}
}

func (m *Multiplexer) register(id string) *slot {
	s := newSlot()
	m.mu.Lock()
	m.slots[id] = s
	m.mu.Unlock()
	return s
}

func (m *Multiplexer) lookup(id string) (*slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	return s, ok
}

func (m *Multiplexer) unregister(id string) {
	m.mu.Lock()
	delete(m.slots, id)
	m.mu.Unlock()
}

// Call allocates a fresh request id, enqueues payload expecting a
// response, and blocks for it. If the response is a CURSOR_START
// sentinel, Call returns a *iterator.RemoteSequence instead of releasing
// the slot; the slot is released when that sequence terminates.
func (m *Multiplexer) Call(ctx context.Context, payload wire.RequestPayload) (any, error) {
	id := uuid.NewString()
	s := m.register(id)
	waitCh := s.current()

	frame := wire.EnvelopeFrame{WSAction: wire.Envelope{
		Type:             "request",
		RequestID:        id,
		Request:          &payload,
		ResponseExpected: true,
	}}

	if err := m.sender.Send(ctx, frame); err != nil {
		m.unregister(id)
		return nil, fmt.Errorf("mux: send request %s: %w", payload.Action, err)
	}

	select {
	case res := <-waitCh:
		if res.Err != nil {
			m.unregister(id)
			return nil, res.Err
		}
		if cursorID, ok := cursorStartID(res.Body); ok {
			return iterator.NewRemoteSequence(m, cursorID), nil
		}
		m.unregister(id)
		return res.Body, nil
	case <-ctx.Done():
		m.unregister(id)
		return nil, ctx.Err()
	}
}

// CallNoResponse enqueues payload without expecting a response and returns
// immediately, without allocating a slot (§4.F step 5; DESIGN NOTES §9:
// an explicit fire-and-forget entry point rather than a boolean
// parameter).
func (m *Multiplexer) CallNoResponse(ctx context.Context, payload wire.RequestPayload) error {
	frame := wire.EnvelopeFrame{WSAction: wire.Envelope{
		Type:             "request",
		RequestID:        uuid.NewString(),
		Request:          &payload,
		ResponseExpected: false,
	}}
	if err := m.sender.Send(ctx, frame); err != nil {
		return fmt.Errorf("mux: send no-response request %s: %w", payload.Action, err)
	}
	return nil
}

// PullCursor implements iterator.Puller: it reuses cursorID as the request
// id of a CURSOR_NEXT frame and waits for the next advance (§4.D, §5
// ordering guarantee 3).
func (m *Multiplexer) PullCursor(ctx context.Context, cursorID string) (any, error) {
	s, ok := m.lookup(cursorID)
	if !ok {
		return nil, fmt.Errorf("mux: pull cursor %s: %w", cursorID, ErrSessionClosed)
	}
	ch := s.rearm()

	frame := wire.EnvelopeFrame{WSAction: wire.Envelope{
		Type:      "request",
		RequestID: cursorID,
		Request: &wire.RequestPayload{
			Action: wire.ActionCursorNext,
			Kwargs: map[string]any{"cursor_id": cursorID},
		},
		ResponseExpected: true,
	}}

	if err := m.sender.Send(ctx, frame); err != nil {
		return nil, fmt.Errorf("mux: send cursor_next %s: %w", cursorID, err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release implements iterator.Puller: it drops the slot backing cursorID.
func (m *Multiplexer) Release(cursorID string) {
	m.unregister(cursorID)
}

// Deliver routes a response envelope to its parked slot, dropping it
// silently if the slot was already released (a late or duplicate
// response, §4.E).
func (m *Multiplexer) Deliver(requestID string, body any) {
	s, ok := m.lookup(requestID)
	if !ok {
		return
	}
	s.deliver(Result{Body: body})
}

// FaultAll wakes every currently parked caller with err (session
// teardown, §4.E shutdown) and forgets every slot.
func (m *Multiplexer) FaultAll(err error) {
	m.mu.Lock()
	slots := m.slots
	m.slots = make(map[string]*slot)
	m.mu.Unlock()

	for _, s := range slots {
		s.deliver(Result{Err: err})
	}
}

// cursorStartID reports whether body is the CURSOR_START sentinel and, if
// so, the cursor id it names. Over json the sentinel decodes as a generic
// one-entry map; over the gob/pickle codec it arrives as the concrete
// wire.CursorStart type directly.
func cursorStartID(body any) (string, bool) {
	switch v := body.(type) {
	case wire.CursorStart:
		return v.CursorStart, true
	case map[string]any:
		if len(v) != 1 {
			return "", false
		}
		id, ok := v["CURSOR_START"].(string)
		return id, ok
	default:
		return "", false
	}
}
