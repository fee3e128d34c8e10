package session_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/token"
	"github.com/nsrpc/nsrpc/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memTransport is an in-memory, channel-backed session.Transport. A pair
// shares two buffered channels, one per direction, so tests never open a
// real socket.
type memTransport struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMemTransportPair() (a, b *memTransport) {
	c1 := make(chan []byte, 32)
	c2 := make(chan []byte, 32)
	a = &memTransport{out: c1, in: c2, closed: make(chan struct{})}
	b = &memTransport{out: c2, in: c1, closed: make(chan struct{})}
	return a, b
}

func (m *memTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-m.in:
		return websocket.TextMessage, b, nil
	case <-m.closed:
		return 0, nil, io.ErrClosedPipe
	}
}

func (m *memTransport) WriteMessage(_ int, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case m.out <- cp:
		return nil
	case <-m.closed:
		return io.ErrClosedPipe
	}
}

func (m *memTransport) SetReadDeadline(time.Time) error { return nil }

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// fakeDialer hands back a pre-built transport, standing in for a real
// websocket.Dialer.
type fakeDialer struct{ transport session.Transport }

func (d fakeDialer) DialContext(context.Context, string) (session.Transport, error) {
	return d.transport, nil
}

func echoAddInvoker() registry.Invoker {
	return registry.InvokerFunc(func(_ context.Context, args []any, _ map[string]any) (any, error) {
		a, _ := args[0].(float64)
		b, _ := args[1].(float64)
		return a + b, nil
	})
}

func sharedSecret() *token.Codec {
	return token.New([]byte("test-only-shared-setup-secret"))
}

// TestDialAcceptRoundTripsCall establishes a session in each direction over
// an in-memory transport pair and verifies a plain call round-trips.
func TestDialAcceptRoundTripsCall(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secret := sharedSecret()

	serverReg := registry.New()
	serverReg.RegisterLocal("demo", registry.Descriptor{Name: "add", ResultKind: registry.Value}, echoAddInvoker())

	clientTransport, serverTransport := newMemTransportPair()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acceptedCh := make(chan *session.Session, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		sess, err := session.Accept(ctx, serverTransport, session.AcceptOptions{
			LocalID:  "node-b",
			Secret:   secret,
			Registry: serverReg,
			Logger:   logger,
		})
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- sess
	}()

	clientSess, err := session.Dial(ctx, fakeDialer{transport: clientTransport}, "ws://node-b/rpc", session.DialOptions{
		ID:         "node-a",
		Namespace:  "demo",
		Role:       session.Origin,
		Serializer: wire.SerializerJSON,
		Secret:     secret,
		Registry:   registry.New(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverSess *session.Session
	select {
	case serverSess = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}

	go clientSess.Run(ctx)
	go serverSess.Run(ctx)

	result, err := clientSess.Mux.Call(ctx, wire.RequestPayload{Action: "add", Args: []any{1.0, 2.0}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != 3.0 {
		t.Fatalf("got %v, want 3", result)
	}

	cancel()
}

// TestCursorNextOnUnknownIDRespondsCursorEnd verifies CURSOR_GONE's
// disposition (§7): a CURSOR_NEXT naming a cursor id the table has never
// seen (or has already dropped) responds CURSOR_END, not an error body.
func TestCursorNextOnUnknownIDRespondsCursorEnd(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	secret := sharedSecret()

	serverReg := registry.New()
	clientTransport, serverTransport := newMemTransportPair()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acceptedCh := make(chan *session.Session, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		sess, err := session.Accept(ctx, serverTransport, session.AcceptOptions{
			LocalID:  "node-b",
			Secret:   secret,
			Registry: serverReg,
			Logger:   logger,
		})
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- sess
	}()

	clientSess, err := session.Dial(ctx, fakeDialer{transport: clientTransport}, "ws://node-b/rpc", session.DialOptions{
		ID:         "node-a",
		Namespace:  "demo",
		Role:       session.Origin,
		Serializer: wire.SerializerJSON,
		Secret:     secret,
		Registry:   registry.New(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverSess *session.Session
	select {
	case serverSess = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not complete")
	}

	go clientSess.Run(ctx)
	go serverSess.Run(ctx)

	// CURSOR_NEXT is sent as a plain request naming a cursor id the
	// server-side cursor table has never started, exercising the
	// dispatch-layer fix directly over the wire rather than through
	// Mux.PullCursor, which requires a slot the client itself registered.
	result, err := clientSess.Mux.Call(ctx, wire.RequestPayload{
		Action: wire.ActionCursorNext,
		Kwargs: map[string]any{"cursor_id": "no-such-cursor"},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != wire.CursorEnd {
		t.Fatalf("got %v, want CURSOR_END", result)
	}

	cancel()
}

// TestAcceptRejectsBadSignature verifies a setup token signed with a
// different secret is rejected and the transport is closed.
func TestAcceptRejectsBadSignature(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clientTransport, serverTransport := newMemTransportPair()

	wrongSecret := token.New([]byte("not-the-shared-secret"))
	rightSecret := sharedSecret()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acceptErrCh := make(chan error, 1)
	go func() {
		_, err := session.Accept(ctx, serverTransport, session.AcceptOptions{
			LocalID:  "node-b",
			Secret:   rightSecret,
			Registry: registry.New(),
			Logger:   logger,
		})
		acceptErrCh <- err
	}()

	_, err := session.Dial(ctx, fakeDialer{transport: clientTransport}, "ws://node-b/rpc", session.DialOptions{
		ID:         "node-a",
		Namespace:  "demo",
		Role:       session.Origin,
		Serializer: wire.SerializerJSON,
		Secret:     wrongSecret,
		Registry:   registry.New(),
		Logger:     logger,
	})
	if err == nil {
		t.Fatal("dial: expected setup rejection, got nil error")
	}

	if err := <-acceptErrCh; err == nil {
		t.Fatal("accept: expected verify failure, got nil error")
	}
}

// TestWatchdogFaultsOnSilence verifies a session with no traffic at all
// self-terminates once the fault threshold elapses, using synctest's fake
// clock so the test does not wait in real time.
func TestWatchdogFaultsOnSilence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		transport, _ := newMemTransportPair()

		codec, err := session.CodecFor(wire.SerializerJSON)
		if err != nil {
			t.Fatalf("codec: %v", err)
		}

		closedCh := make(chan error, 1)
		sess := session.New(session.Options{
			ID:        "silent",
			Namespace: "demo",
			Role:      session.DownstreamPeer,
			Transport: transport,
			Codec:     codec,
			Registry:  registry.New(),
			Logger:    logger,
			OnClose:   func(_ *session.Session, err error) { closedCh <- err },
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		doneCh := make(chan error, 1)
		go func() { doneCh <- sess.Run(ctx) }()

		select {
		case err := <-doneCh:
			if err == nil {
				t.Fatal("Run returned nil, want a watchdog timeout error")
			}
		case <-time.After(time.Minute):
			t.Fatal("Run did not time out under synctest's fake clock")
		}

		<-closedCh
	})
}
