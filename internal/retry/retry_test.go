package retry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nsrpc/nsrpc/internal/mux"
	"github.com/nsrpc/nsrpc/internal/retry"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// fakeConn is a retry.Conn double: Call answers from a scripted queue,
// Run blocks until faulted (or ctx is canceled on teardown).
type fakeConn struct {
	calls   atomic.Int32
	results []fakeResult
	faulted chan struct{}
}

type fakeResult struct {
	body any
	err  error
}

func (c *fakeConn) Call(_ context.Context, _ wire.RequestPayload) (any, error) {
	n := int(c.calls.Add(1)) - 1
	if n >= len(c.results) {
		return nil, errors.New("fakeConn: call count exceeds script")
	}
	return c.results[n].body, c.results[n].err
}

func (c *fakeConn) Run(ctx context.Context) error {
	select {
	case <-c.faulted:
		return mux.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, Backoff: time.Millisecond}
}

// TestCallSucceedsWithoutRetry verifies a healthy connection is reused and
// never torn down.
func TestCallSucceedsWithoutRetry(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{faulted: make(chan struct{}), results: []fakeResult{{body: "ok"}}}
	dials := 0
	link := retry.NewLink(func(context.Context) (retry.Conn, error) {
		dials++
		return conn, nil
	}, nil).WithPolicy(fastPolicy())
	defer link.Close()

	got, err := link.Call(context.Background(), wire.RequestPayload{Action: "ping"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %v, want %q", got, "ok")
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}
}

// TestCallRetriesAfterConnectionReset verifies a CONNECTION_RESET-style
// failure tears the connection down and a fresh one answers the retry,
// matching the same-session-id reconnect §4.I describes (the dial func
// here always returns a connection bound to the one id it closes over).
func TestCallRetriesAfterConnectionReset(t *testing.T) {
	t.Parallel()

	first := &fakeConn{faulted: make(chan struct{}), results: []fakeResult{{err: mux.ErrSessionClosed}}}
	second := &fakeConn{faulted: make(chan struct{}), results: []fakeResult{{body: 42.0}}}

	conns := []*fakeConn{first, second}
	dial := 0
	link := retry.NewLink(func(context.Context) (retry.Conn, error) {
		c := conns[dial]
		dial++
		return c, nil
	}, nil).WithPolicy(fastPolicy())
	defer link.Close()

	got, err := link.Call(context.Background(), wire.RequestPayload{Action: "add", Args: []any{40.0, 2.0}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got != 42.0 {
		t.Fatalf("got %v, want 42.0", got)
	}
	if dial != 2 {
		t.Fatalf("dial count = %d, want 2", dial)
	}
}

// TestCallSurfacesApplicationFaultImmediately verifies a non-transport
// error is never retried, per §4.I: "any other error is surfaced
// immediately."
func TestCallSurfacesApplicationFaultImmediately(t *testing.T) {
	t.Parallel()

	boom := errors.New("NO_ACTION: no such procedure")
	conn := &fakeConn{faulted: make(chan struct{}), results: []fakeResult{{err: boom}}}
	dials := 0
	link := retry.NewLink(func(context.Context) (retry.Conn, error) {
		dials++
		return conn, nil
	}, nil).WithPolicy(fastPolicy())
	defer link.Close()

	_, err := link.Call(context.Background(), wire.RequestPayload{Action: "missing"})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if dials != 1 {
		t.Fatalf("dials = %d, want 1 (no retry on application fault)", dials)
	}
}

// TestCallGivesUpAfterExhaustingAttempts verifies a connection that never
// comes up is retried exactly MaxAttempts times, then surfaces
// ErrUnreachable.
func TestCallGivesUpAfterExhaustingAttempts(t *testing.T) {
	t.Parallel()

	unreachable := errors.New("dial tcp: connection refused")
	dials := 0
	link := retry.NewLink(func(context.Context) (retry.Conn, error) {
		dials++
		return nil, unreachable
	}, nil).WithPolicy(fastPolicy())
	defer link.Close()

	_, err := link.Call(context.Background(), wire.RequestPayload{Action: "ping"})
	if !errors.Is(err, retry.ErrUnreachable) {
		t.Fatalf("got %v, want ErrUnreachable", err)
	}
	if dials != 5 {
		t.Fatalf("dials = %d, want 5", dials)
	}
}

// TestCallRespectsContextCancellation verifies a canceled context aborts
// the retry loop instead of waiting out the remaining backoff.
func TestCallRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	link := retry.NewLink(func(context.Context) (retry.Conn, error) {
		return nil, errors.New("refused")
	}, nil).WithPolicy(retry.Policy{MaxAttempts: 5, Backoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := link.Call(ctx, wire.RequestPayload{Action: "ping"})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not unblock on context cancellation")
	}
}
