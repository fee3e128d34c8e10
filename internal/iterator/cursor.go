// Package iterator bridges a local lazy sequence to a pull-based remote
// cursor, and wraps a remote cursor as a local lazy sequence (§4.D).
package iterator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nsrpc/nsrpc/internal/wire"
)

// Source produces the values of a server-side lazy sequence one step at a
// time. Both synchronous and asynchronous target procedures are adapted to
// this single-step shape before reaching Cursor.
type Source interface {
	// Next returns the next value. ok is false once the sequence is
	// exhausted; err is non-nil if the source itself faulted.
	Next(ctx context.Context) (value any, ok bool, err error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context) (any, bool, error)

// Next calls f.
func (f SourceFunc) Next(ctx context.Context) (any, bool, error) { return f(ctx) }

// ErrCursorGone is returned when CURSOR_NEXT references an unknown cursor
// id (§7, CURSOR_GONE).
var ErrCursorGone = errors.New("CURSOR_GONE")

// Cursor is a server-side object wrapping a lazy Source with a single
// Next() method. Identity is the request id of the call that started it;
// lifetime runs from CURSOR_START emission until CURSOR_END is consumed or
// the owning session ends.
type Cursor struct {
	id     string
	source Source

	mu   sync.Mutex
	done bool
}

// NewCursor wraps source under id (the originating request id).
func NewCursor(id string, source Source) *Cursor {
	return &Cursor{id: id, source: source}
}

// ID returns the cursor's identity.
func (c *Cursor) ID() string { return c.id }

// Advance pulls the next item and returns the wire response body for it:
// the produced value, the CursorEnd sentinel string, or a CursorError
// sentinel if the source faulted. done reports whether the cursor has
// reached a terminal state and should be removed from the owning session.
//
// Per SPEC_FULL.md's Open Questions resolution, a source error is surfaced
// once as {"cursor_error": "<message>"} rather than silently treated as
// exhaustion; the cursor still terminates afterward (mid-stream retries are
// out of scope).
func (c *Cursor) Advance(ctx context.Context) (body any, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return wire.CursorEnd, true
	}

	value, ok, err := c.source.Next(ctx)
	if err != nil {
		c.done = true
		return wire.CursorError{CursorError: err.Error()}, true
	}
	if !ok {
		c.done = true
		return wire.CursorEnd, true
	}
	return value, false
}

// Table is the session-scoped map of active cursor ids to Cursor, guarded
// for concurrent access by the receive pump and session teardown.
type Table struct {
	mu      sync.Mutex
	cursors map[string]*Cursor
}

// NewTable returns an empty cursor table.
func NewTable() *Table {
	return &Table{cursors: make(map[string]*Cursor)}
}

// Start registers a new cursor under id, overwriting none (ids are unique
// per session since they equal the originating request id, and request ids
// are never reused within a session).
func (t *Table) Start(id string, source Source) *Cursor {
	cur := NewCursor(id, source)
	t.mu.Lock()
	t.cursors[id] = cur
	t.mu.Unlock()
	return cur
}

// Advance looks up id and advances it, removing it from the table once it
// reaches a terminal state. Returns ErrCursorGone if id is unknown.
func (t *Table) Advance(ctx context.Context, id string) (body any, err error) {
	t.mu.Lock()
	cur, ok := t.cursors[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("advance cursor %q: %w", id, ErrCursorGone)
	}

	body, done := cur.Advance(ctx)
	if done {
		t.mu.Lock()
		delete(t.cursors, id)
		t.mu.Unlock()
	}
	return body, nil
}

// Drop removes every cursor from the table, as happens on session teardown.
func (t *Table) Drop() {
	t.mu.Lock()
	t.cursors = make(map[string]*Cursor)
	t.mu.Unlock()
}

// Len reports how many cursors are currently active, for tests and
// metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cursors)
}
