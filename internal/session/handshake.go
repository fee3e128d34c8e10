package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/token"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// setupCodec serializes the setup frame and its response. These precede
// negotiation of the session's own serializer, so they are always plain
// JSON regardless of what §6's setup claim later negotiates for the data
// plane.
var setupCodec Codec = jsonCodec{}

// DialOptions configures an outbound handshake (§4.E, §6).
type DialOptions struct {
	ID         string
	Namespace  string
	Role       Role // Origin or UpstreamPeer; never DownstreamPeer
	Serializer string
	Secret     *token.Codec
	Registry   *registry.Registry
	Metrics    *nsrpcmetrics.Collector
	Logger     *slog.Logger
	OnClose    func(*Session, error)
}

// Dial opens url, sends the setup frame, and blocks for the accepter's
// response. On success it returns a Session ready for Run.
func Dial(ctx context.Context, dialer Dialer, url string, opts DialOptions) (*Session, error) {
	if opts.Role == DownstreamPeer {
		return nil, fmt.Errorf("session: dial role must be Origin or UpstreamPeer, got %s", opts.Role)
	}

	transport, err := dialer.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", url, err)
	}

	claims := wire.SetupClaims{
		ID:            opts.ID,
		Type:          opts.Role.WireType(),
		Namespace:     opts.Namespace,
		Serialization: opts.Serializer,
	}
	tok, err := opts.Secret.Issue(claims)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("session: issue setup token: %w", err)
	}

	if err := writeSetupFrame(transport, wire.SetupFrame{Setup: tok}); err != nil {
		transport.Close()
		return nil, err
	}

	var resp wire.SetupResponse
	if err := readSetupFrame(ctx, transport, &resp); err != nil {
		transport.Close()
		return nil, err
	}
	if resp.Error != "" {
		transport.Close()
		return nil, fmt.Errorf("session: setup rejected: %s", resp.Error)
	}

	dataCodec, err := CodecFor(opts.Serializer)
	if err != nil {
		transport.Close()
		return nil, err
	}
	transport.SetReadDeadline(time.Time{})

	return New(Options{
		ID:        opts.ID,
		Namespace: opts.Namespace,
		Role:      opts.Role,
		Initiator: true,
		Transport: transport,
		Codec:     dataCodec,
		Registry:  opts.Registry,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		OnClose:   opts.OnClose,
	}), nil
}

// AcceptOptions configures an inbound handshake (§4.E, §6).
type AcceptOptions struct {
	LocalID  string
	Secret   *token.Codec
	Registry *registry.Registry
	Metrics  *nsrpcmetrics.Collector
	Logger   *slog.Logger
	OnClose  func(*Session, error)
}

// Accept reads and verifies the setup frame on transport, replies, and
// returns a Session bound to the role and namespace the initiator claimed.
// The returned role is ParseRole's mirror of what the initiator announced:
// an initiator announcing UpstreamPeer (wire "SERVER") is accepted here as
// DownstreamPeer (§4.G).
func Accept(ctx context.Context, transport Transport, opts AcceptOptions) (*Session, error) {
	var setup wire.SetupFrame
	if err := readSetupFrame(ctx, transport, &setup); err != nil {
		transport.Close()
		return nil, err
	}

	var claims wire.SetupClaims
	if err := opts.Secret.Verify(setup.Setup, &claims); err != nil {
		opts.recordSetupFailure("bad_signature")
		writeSetupFrame(transport, wire.SetupResponse{Error: err.Error()})
		transport.Close()
		return nil, fmt.Errorf("session: setup verify: %w", err)
	}

	role, ok := ParseRole(claims.Type)
	if !ok {
		opts.recordSetupFailure("unsupported_type")
		writeSetupFrame(transport, wire.SetupResponse{Error: fmt.Sprintf("unsupported setup type %q", claims.Type)})
		transport.Close()
		return nil, fmt.Errorf("session: unsupported setup type %q", claims.Type)
	}

	dataCodec, err := CodecFor(claims.Serialization)
	if err != nil {
		opts.recordSetupFailure("unsupported_codec")
		writeSetupFrame(transport, wire.SetupResponse{Error: err.Error()})
		transport.Close()
		return nil, err
	}

	if err := writeSetupFrame(transport, wire.SetupResponse{Auth: "ok", ServerID: opts.LocalID}); err != nil {
		transport.Close()
		return nil, err
	}
	transport.SetReadDeadline(time.Time{})

	return New(Options{
		ID:        claims.ID,
		Namespace: claims.Namespace,
		Role:      role,
		Initiator: false,
		Transport: transport,
		Codec:     dataCodec,
		Registry:  opts.Registry,
		Metrics:   opts.Metrics,
		Logger:    opts.Logger,
		OnClose:   opts.OnClose,
	}), nil
}

// recordSetupFailure increments the setup failure counter for reason if a
// metrics collector is attached; callers that build AcceptOptions without
// one (most tests) are unaffected.
func (opts AcceptOptions) recordSetupFailure(reason string) {
	if opts.Metrics == nil {
		return
	}
	opts.Metrics.SetupFailed(reason)
}

func writeSetupFrame(t Transport, v any) error {
	data, err := setupCodec.Encode(v)
	if err != nil {
		return fmt.Errorf("session: encode setup frame: %w", err)
	}
	if err := t.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("session: write setup frame: %w", err)
	}
	return nil
}

func readSetupFrame(ctx context.Context, t Transport, out any) error {
	if dl, ok := ctx.Deadline(); ok {
		if err := t.SetReadDeadline(dl); err != nil {
			return fmt.Errorf("session: set setup read deadline: %w", err)
		}
	}

	_, data, err := t.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: read setup frame: %w", err)
	}
	if err := setupCodec.Decode(data, out); err != nil {
		return fmt.Errorf("session: decode setup frame: %w", err)
	}
	return nil
}
