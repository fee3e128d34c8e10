// Package gateway wires an inbound HTTP listener to the session protocol:
// it upgrades each request on the configured path to a websocket, runs
// the setup handshake, and hands the resulting session to a peer.Engine
// for the rest of its life (§4.E, §4.G).
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
	"github.com/nsrpc/nsrpc/internal/peer"
	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/token"
)

// setupTimeout bounds how long a freshly upgraded connection has to
// complete the setup handshake before it is dropped.
const setupTimeout = 10 * time.Second

// upgrader accepts any origin: the mesh authenticates via the signed
// setup claim, not same-origin browser policy.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Listener accepts inbound mesh connections on a single HTTP path.
type Listener struct {
	LocalID  string
	Secret   *token.Codec
	Registry *registry.Registry
	Engine   *peer.Engine
	Metrics  *nsrpcmetrics.Collector
	Logger   *slog.Logger
}

// Handler returns the http.Handler to mount at the configured listen
// path (config.ListenConfig.Path).
func (l *Listener) Handler() http.Handler {
	return http.HandlerFunc(l.serveHTTP)
}

func (l *Listener) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger().Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	transport := session.NewWebsocketTransport(conn)

	ctx, cancel := context.WithTimeout(r.Context(), setupTimeout)
	sess, err := session.Accept(ctx, transport, session.AcceptOptions{
		LocalID:  l.LocalID,
		Secret:   l.Secret,
		Registry: l.Registry,
		Metrics:  l.Metrics,
		Logger:   l.Logger,
		OnClose:  l.Engine.OnClose,
	})
	cancel()
	if err != nil {
		l.logger().Warn("setup handshake rejected", slog.String("error", err.Error()))
		return
	}

	l.logger().Info("peer connected",
		slog.String("session_id", sess.ID),
		slog.String("namespace", sess.Namespace),
		slog.String("role", sess.Role.String()),
	)

	refresher := l.Engine.Bind(r.Context(), sess)
	refresher.Notify()

	if err := sess.Run(r.Context()); err != nil {
		l.logger().Debug("session ended", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
}

func (l *Listener) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// NewServer wraps handler in an *http.Server listening on addr with the
// request-header timeout the teacher's HTTP servers all use.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ListenAndServe runs srv until ctx is canceled, then shuts it down
// gracefully. Mirrors the teacher's listenAndServe: a context-aware
// net.Listen followed by Serve, with http.ErrServerClosed swallowed as
// the expected shutdown signal.
func ListenAndServe(ctx context.Context, srv *http.Server) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", srv.Addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), setupTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway: shutdown %s: %w", srv.Addr, err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway: serve %s: %w", srv.Addr, err)
		}
		return nil
	}
}
