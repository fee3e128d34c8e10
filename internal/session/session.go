package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nsrpc/nsrpc/internal/iterator"
	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
	"github.com/nsrpc/nsrpc/internal/mux"
	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// ErrClosed is returned by Send once the session has torn down.
var ErrClosed = errors.New("session: closed")

const (
	pingInterval  = 10 * time.Second
	faultAfter    = 3 * pingInterval
	watchdogTick  = 1 * time.Second
	sendQueueSize = 64
)

// Session is one full-duplex connection to a peer: a bound namespace, a
// role, a request multiplexer, a cursor table, and the three long-running
// tasks that drive them (§4.E, §5).
type Session struct {
	ID        string
	Namespace string
	Role      Role
	initiator bool

	transport Transport
	codec     Codec
	logger    *slog.Logger

	Registry *registry.Registry
	Cursors  *iterator.Table
	Mux      *mux.Multiplexer
	Metrics  *nsrpcmetrics.Collector

	outbound chan wire.Frame

	lastSendAt atomic.Int64
	lastRecvAt atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}

	onClose func(*Session, error)
}

// Options configures a Session at construction.
type Options struct {
	ID        string
	Namespace string
	Role      Role
	Initiator bool
	Transport Transport
	Codec     Codec
	Registry  *registry.Registry
	Metrics   *nsrpcmetrics.Collector
	Logger    *slog.Logger

	// OnClose, if set, is invoked exactly once with the terminating error
	// (nil on a clean shutdown request) during Run's teardown, before Run
	// returns.
	OnClose func(*Session, error)
}

// New constructs a Session ready to Run. The caller has already completed
// the setup handshake (§4.E handshake.go).
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ID:        opts.ID,
		Namespace: opts.Namespace,
		Role:      opts.Role,
		initiator: opts.Initiator,
		transport: opts.Transport,
		codec:     opts.Codec,
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("session_id", opts.ID),
			slog.String("role", opts.Role.String()),
		),
		Registry: opts.Registry,
		Metrics:  opts.Metrics,
		Cursors:  iterator.NewTable(),
		outbound: make(chan wire.Frame, sendQueueSize),
		closed:   make(chan struct{}),
		onClose:  opts.OnClose,
	}
	s.Mux = mux.New(s)
	now := time.Now().UnixNano()
	s.lastSendAt.Store(now)
	s.lastRecvAt.Store(now)
	return s
}

// Send implements mux.Sender: it enqueues an envelope on the outbound
// queue for the write pump (§4.F step 3).
func (s *Session) Send(ctx context.Context, frame wire.EnvelopeFrame) error {
	return s.enqueue(ctx, wire.Frame{WSAction: &frame.WSAction})
}

// Call forwards to Mux.Call. It exists so callers that only need
// request/response semantics (internal/retry, cmd entry points) can depend
// on Session without reaching into its Mux field directly.
func (s *Session) Call(ctx context.Context, payload wire.RequestPayload) (any, error) {
	return s.Mux.Call(ctx, payload)
}

func (s *Session) enqueue(ctx context.Context, f wire.Frame) error {
	select {
	case s.outbound <- f:
		s.lastSendAt.Store(time.Now().UnixNano())
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until ctx is canceled or a pump fails, then tears
// down: cancels sibling pumps, flushes cursors, faults every parked
// caller, and invokes OnClose exactly once (§4.E Shutdown).
func (s *Session) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() { errCh <- s.readPump(runCtx) }()
	go func() { errCh <- s.writePump(runCtx) }()
	go func() { errCh <- s.watchdog(runCtx) }()

	var first error
	for i := range 3 {
		err := <-errCh
		if i == 0 {
			if !errors.Is(err, context.Canceled) {
				first = err
			}
			// readPump stays blocked in ReadMessage until the transport
			// closes, so the first pump to stop closes it for the others.
			cancel()
			s.transport.Close() //nolint:errcheck // shutdown closes it again and logs
		}
	}

	s.shutdown(first)
	return first
}

// shutdown runs the teardown sequence exactly once, regardless of which
// pump triggered it or how many times Run's error collection loop calls
// it indirectly.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.closed)
		open := s.Cursors.Len()
		s.Cursors.Drop()
		if s.Metrics != nil {
			for range open {
				s.Metrics.CursorEnded()
			}
		}
		s.Mux.FaultAll(fmt.Errorf("%w: %v", ErrClosed, causeOrNil(cause)))
		if err := s.transport.Close(); err != nil {
			s.logger.Debug("transport close", slog.String("error", err.Error()))
		}
		if s.onClose != nil {
			s.onClose(s, cause)
		}
		if cause != nil {
			s.logger.Warn("session closed", slog.String("error", cause.Error()))
		} else {
			s.logger.Info("session closed")
		}
	})
}

func causeOrNil(err error) string {
	if err == nil {
		return "shutdown requested"
	}
	return err.Error()
}

// writePump serializes every enqueued frame onto the transport. It is the
// only goroutine that calls transport.WriteMessage, satisfying gorilla/
// websocket's single-writer requirement.
func (s *Session) writePump(ctx context.Context) error {
	for {
		select {
		case f := <-s.outbound:
			data, err := s.codec.Encode(f)
			if err != nil {
				return fmt.Errorf("session: encode frame: %w", err)
			}
			msgType := websocket.TextMessage
			if s.codec.Binary() {
				msgType = websocket.BinaryMessage
			}
			if err := s.transport.WriteMessage(msgType, data); err != nil {
				return fmt.Errorf("session: write: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		}
	}
}

// readPump decodes each inbound message and dispatches it (dispatch.go).
func (s *Session) readPump(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, data, err := s.transport.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("session: read: %w", err)
		}
		s.lastRecvAt.Store(time.Now().UnixNano())

		var f wire.Frame
		if err := s.codec.Decode(data, &f); err != nil {
			s.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}

		if err := s.handleFrame(ctx, f); err != nil {
			s.logger.Warn("frame handling error", slog.String("error", err.Error()))
		}
	}
}

// watchdog sends pings (initiator only, every ten idle seconds) and faults
// the session if no frame has arrived in three ping intervals (§4.E
// Keep-alive).
func (s *Session) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if s.initiator {
				if now.Sub(time.Unix(0, s.lastSendAt.Load())) >= pingInterval {
					if err := s.enqueue(ctx, wire.Frame{Ping: &wire.PingFrame{Ping: "ping"}}); err != nil && !errors.Is(err, ErrClosed) {
						return fmt.Errorf("session: enqueue ping: %w", err)
					}
				}
			}
			if now.Sub(time.Unix(0, s.lastRecvAt.Load())) > faultAfter {
				return fmt.Errorf("session: no frame received for %s", faultAfter)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		}
	}
}
