// Package session implements the session protocol: setup handshake, framed
// read/write pumps over a websocket connection, keep-alive, and dispatch of
// incoming requests against a registry (§4.E).
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the minimal framed-message capability a session needs from
// the underlying connection. gorilla/websocket satisfies it directly; tests
// substitute an in-memory pair.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// wsTransport adapts *websocket.Conn to Transport, serializing concurrent
// writers (gorilla/websocket permits exactly one writer at a time).
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an established websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) ReadMessage() (int, []byte, error) {
	return t.conn.ReadMessage()
}

func (t *wsTransport) WriteMessage(messageType int, data []byte) error {
	return t.conn.WriteMessage(messageType, data)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Dialer opens an outbound websocket connection. Implemented by
// *websocket.Dialer in production; tests substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Transport, error)
}

// websocketDialer is the production Dialer backed by gorilla/websocket.
type websocketDialer struct {
	dialer *websocket.Dialer
}

// NewDialer returns a Dialer using gorilla/websocket's default dial
// settings with the given handshake timeout.
func NewDialer(handshakeTimeout time.Duration) Dialer {
	return &websocketDialer{dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

// NewTLSDialer is NewDialer with certificate verification optionally
// disabled, for upstreams configured with tls_insecure_skip_verify (a
// self-signed wss:// upstream in a test mesh, not a production default).
func NewTLSDialer(handshakeTimeout time.Duration, insecureSkipVerify bool) Dialer {
	return &websocketDialer{dialer: &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: insecureSkipVerify}, //nolint:gosec // operator opt-in per upstream
	}}
}

func (d *websocketDialer) DialContext(ctx context.Context, url string) (Transport, error) {
	conn, _, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebsocketTransport(conn), nil
}
