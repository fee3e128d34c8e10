package iterator

import (
	"context"
	"fmt"
	"iter"

	"github.com/nsrpc/nsrpc/internal/wire"
)

// Puller is the minimal capability the request multiplexer (internal/mux)
// exposes to drive a remote cursor: send a CURSOR_NEXT frame reusing
// cursorID as the request id, and return the response body.
type Puller interface {
	PullCursor(ctx context.Context, cursorID string) (body any, err error)

	// Release is called exactly once, when the sequence reaches a
	// terminal state, to free the caller's parked response slot (§4.F
	// step 4: "do NOT release the slot until the sequence terminates").
	Release(cursorID string)
}

// RemoteSequence adapts a server-side cursor, identified by cursorID, into
// a local lazy sequence the caller can range over.
type RemoteSequence struct {
	puller   Puller
	cursorID string
}

// NewRemoteSequence wraps cursorID (the request id of the call that
// produced the CURSOR_START sentinel) as a local lazy sequence pulled
// through puller.
func NewRemoteSequence(puller Puller, cursorID string) *RemoteSequence {
	return &RemoteSequence{puller: puller, cursorID: cursorID}
}

// Seq returns a range-over-func sequence yielding each item the server
// produces, in order, until CURSOR_END or an error. The caller's parked
// slot is released exactly once, whether the sequence runs to completion,
// errors, or the consumer stops ranging early.
func (rs *RemoteSequence) Seq(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		defer rs.puller.Release(rs.cursorID)

		for {
			body, err := rs.puller.PullCursor(ctx, rs.cursorID)
			if err != nil {
				yield(nil, err)
				return
			}

			switch v := body.(type) {
			case string:
				if v == wire.CursorEnd {
					return
				}
				if !yield(v, nil) {
					return
				}
			case wire.CursorError:
				yield(nil, fmt.Errorf("cursor %s: %s", rs.cursorID, v.CursorError))
				return
			case map[string]any:
				if msg, ok := v["cursor_error"]; ok {
					yield(nil, fmt.Errorf("cursor %s: %v", rs.cursorID, msg))
					return
				}
				if !yield(v, nil) {
					return
				}
			default:
				if !yield(v, nil) {
					return
				}
			}
		}
	}
}
