// Package retry implements the reconnect/retry policy (§4.I): a single
// retryable-error list, a bounded number of attempts with a fixed backoff,
// and full session teardown before a transparent reconnect under the same
// session id. The shape follows the reconnect loop the exabgp bridge uses
// to re-open its event stream, fixed to the two-second backoff and
// five-attempt ceiling the policy calls for instead of exponential growth.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nsrpc/nsrpc/internal/mux"
	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// ErrUnreachable marks a failure to establish a session at all (connect
// refused, DNS failure, setup rejected). ErrConnectionReset marks a session
// that was live and then faulted. Both are retryable (§7).
var (
	ErrUnreachable     = errors.New("UNREACHABLE")
	ErrConnectionReset = errors.New("CONNECTION_RESET")
)

// Policy bounds how a retryable failure is retried (§4.I).
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultPolicy is the policy §4.I specifies: five attempts, two seconds
// apart.
var DefaultPolicy = Policy{MaxAttempts: 5, Backoff: 2 * time.Second}

// Conn is the capability Link needs from an established session: issuing a
// call and running its pumps until fault or shutdown. *session.Session
// satisfies this directly.
type Conn interface {
	Call(ctx context.Context, payload wire.RequestPayload) (any, error)
	Run(ctx context.Context) error
}

// Establish opens a fresh connection. Successive calls must bind the same
// session id, so a reconnect after CONNECTION_RESET resumes under the
// identity the far side already knows (§4.I: "the next call transparently
// establishes a new session with the same session id").
type Establish func(ctx context.Context) (Conn, error)

// Link maintains a connection to one peer across reconnects, retrying
// faulted calls per Policy. It is the client side of §4.I. cmd/nsrpcd and
// cmd/nsrpcctl do not use it: both hold a session from session.Dial
// directly.
type Link struct {
	establish Establish
	policy    Policy
	logger    *slog.Logger

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
}

// NewLink returns a Link that dials through establish on first use.
func NewLink(establish Establish, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		establish: establish,
		policy:    DefaultPolicy,
		logger:    logger.With(slog.String("component", "retry.link")),
	}
}

// WithPolicy overrides the default five-attempts/two-second policy, for
// tests that cannot afford real wall-clock backoff.
func (l *Link) WithPolicy(p Policy) *Link {
	l.policy = p
	return l
}

// Call issues payload against the maintained connection, establishing one
// if none is live. A retryable failure tears the connection down and
// retries after Backoff, up to MaxAttempts total attempts; any other
// error — including an application fault returned as a response body
// rather than a transport error — is surfaced immediately (§4.I, §7).
func (l *Link) Call(ctx context.Context, payload wire.RequestPayload) (any, error) {
	var lastErr error

	for attempt := 1; attempt <= l.policy.MaxAttempts; attempt++ {
		conn, err := l.ensure(ctx)
		if err != nil {
			lastErr = err
		} else {
			result, callErr := conn.Call(ctx, payload)
			if callErr == nil {
				return result, nil
			}
			if !Retryable(callErr) {
				return nil, callErr
			}
			lastErr = fmt.Errorf("%w: %v", ErrConnectionReset, callErr)
			l.reset(conn)
		}

		l.logger.Warn("retrying call after transport fault",
			slog.String("action", payload.Action),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)

		if attempt == l.policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(l.policy.Backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("retry: exhausted %d attempts: %w", l.policy.MaxAttempts, lastErr)
}

// ensure returns the live connection, dialing a fresh one under lock if
// none is currently up.
func (l *Link) ensure(ctx context.Context) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		return l.conn, nil
	}

	conn, err := l.establish(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.conn = conn
	l.cancel = cancel

	go func() {
		runErr := conn.Run(runCtx)
		l.forget(conn, runErr)
	}()

	return conn, nil
}

// forget drops conn if it is still the current connection (a superseded
// connection from a later reconnect is left alone).
func (l *Link) forget(conn Conn, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != conn {
		return
	}
	l.conn = nil
	l.cancel = nil
	if cause != nil && !errors.Is(cause, context.Canceled) {
		l.logger.Warn("connection faulted", slog.String("error", cause.Error()))
	}
}

// reset tears conn down immediately if it is still current, so the next
// ensure dials fresh rather than reusing a connection already known bad.
func (l *Link) reset(conn Conn) {
	l.mu.Lock()
	cur, cancel := l.conn, l.cancel
	if cur == conn {
		l.conn = nil
		l.cancel = nil
	}
	l.mu.Unlock()
	if cur == conn && cancel != nil {
		cancel()
	}
}

// Close tears down the maintained connection, if any.
func (l *Link) Close() {
	l.mu.Lock()
	cancel := l.cancel
	l.conn = nil
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Retryable reports whether err is one this package's policy retries:
// either a failure to connect at all, or a connection that was live and
// then faulted. Application faults (returned as response bodies, never as
// Go errors from Conn.Call) never reach here.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrConnectionReset) || isTransportFault(err)
}

// isTransportFault reports whether err stems from the connection itself
// rather than from the invoked procedure: a session already torn down
// (mux.ErrSessionClosed) or one that just tore down under us
// (session.ErrClosed). A context cancellation or deadline is the caller's
// own doing and is deliberately excluded.
func isTransportFault(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, mux.ErrSessionClosed) || errors.Is(err, session.ErrClosed)
}
