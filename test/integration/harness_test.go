// Package integration_test exercises a running mesh end to end: real
// websocket connections through internal/gateway, real session setup and
// discovery, against in-process registries.
package integration_test

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nsrpc/nsrpc/internal/gateway"
	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
	"github.com/nsrpc/nsrpc/internal/peer"
	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/token"

	"github.com/prometheus/client_golang/prometheus"
)

const testSecret = "integration-test-secret"

// node wraps one mesh participant: its own registry, engine, and an inbound
// listener served over a real httptest server.
type node struct {
	ID       string
	Registry *registry.Registry
	Engine   *peer.Engine
	Secret   *token.Codec
	Server   *httptest.Server
	WSURL    string
}

// newNode starts a node listening on addr (host:port, "" picks any free
// port) at path "/rpc". Its server is closed through t.Cleanup when the
// test ends.
func newNode(t *testing.T, id, addr string) *node {
	reg := registry.New()
	secret := token.New([]byte(testSecret))
	logger := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	engine := peer.NewEngine(reg, logger)
	collector := nsrpcmetrics.NewCollector(prometheus.NewRegistry())

	listener := &gateway.Listener{
		LocalID:  id,
		Secret:   secret,
		Registry: reg,
		Engine:   engine,
		Metrics:  collector,
		Logger:   logger,
	}
	mux := http.NewServeMux()
	mux.Handle("/rpc", listener.Handler())

	srv := httptest.NewUnstartedServer(mux)
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			t.Fatalf("listen %s: %v", addr, err)
		}
		srv.Listener.Close()
		srv.Listener = ln
	}
	srv.Start()
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):] + "/rpc"

	return &node{ID: id, Registry: reg, Engine: engine, Secret: secret, Server: srv, WSURL: wsURL}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// dialAs connects to target as role, running the resulting session in the
// background and binding it to n's engine so it takes part in discovery.
func (n *node) dialAs(ctx context.Context, target *node, namespace string, role session.Role) (*session.Session, error) {
	dialer := session.NewDialer(5 * time.Second)
	sess, err := session.Dial(ctx, dialer, target.WSURL, session.DialOptions{
		ID:         n.ID,
		Namespace:  namespace,
		Role:       role,
		Serializer: "json",
		Secret:     n.Secret,
		Registry:   n.Registry,
		OnClose:    n.Engine.OnClose,
	})
	if err != nil {
		return nil, err
	}
	refresher := n.Engine.Bind(ctx, sess)
	refresher.Notify()
	go sess.Run(ctx) //nolint:errcheck // test session teardown surfaces through ctx cancellation
	return sess, nil
}

// waitForProcedure polls until name is visible in namespace on n, or
// timeout elapses.
func waitForProcedure(n *node, namespace, name string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := n.Registry.Lookup(namespace, name); ok {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
