package peer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mitchellh/mapstructure"

	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
	"github.com/nsrpc/nsrpc/internal/proxy"
	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// refreshInterval is the periodic discovery cadence (§4.G).
const refreshInterval = 30 * time.Second

// Refresher runs the periodic (and on-demand) discovery loop for a single
// session, registering every procedure it learns as a proxy handle in reg
// under the session's namespace.
type Refresher struct {
	sess   *session.Session
	reg    *registry.Registry
	logger *slog.Logger

	notify chan struct{}
}

// NewRefresher returns a Refresher for sess, publishing what it learns into
// reg under sess.Namespace.
func NewRefresher(sess *session.Session, reg *registry.Registry, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		sess: sess,
		reg:  reg,
		logger: logger.With(
			slog.String("component", "peer.discovery"),
			slog.String("session_id", sess.ID),
		),
		notify: make(chan struct{}, 1),
	}
}

// Notify requests an out-of-cycle refresh, coalescing with any refresh
// already pending (§4.G: "immediately after a local create_table-style
// registration event").
func (r *Refresher) Notify() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run drives the refresh loop until ctx is canceled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	if err := r.refreshOnce(ctx); err != nil {
		r.logger.Warn("initial discovery refresh failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ticker.C:
			if err := r.refreshOnce(ctx); err != nil {
				r.logger.Warn("discovery refresh failed", slog.String("error", err.Error()))
			}
		case <-r.notify:
			if err := r.refreshOnce(ctx); err != nil {
				r.logger.Warn("triggered discovery refresh failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// filter returns the discovery request shape for r.sess.Role (§4.G table).
func (r *Refresher) filter() (kwargs map[string]any, origin registry.OriginKind) {
	switch r.sess.Role {
	case session.Origin:
		return map[string]any{"all_functions": true, "trigger": r.sess.ID}, registry.OriginUpstream
	case session.UpstreamPeer:
		return map[string]any{"upstream": true, "trigger": r.sess.ID}, registry.OriginUpstream
	case session.DownstreamPeer:
		return map[string]any{"upstream": false, "trigger": r.sess.ID}, registry.OriginDownstream
	default:
		return map[string]any{}, registry.OriginUpstream
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) error {
	kwargs, origin := r.filter()

	raw, err := r.sess.Mux.Call(ctx, wire.RequestPayload{
		Action: wire.ActionGetRegisteredFunctions,
		Kwargs: kwargs,
	})
	if err != nil {
		r.recordRefresh(nsrpcmetrics.OutcomeError)
		return fmt.Errorf("peer: get_registered_functions: %w", err)
	}

	descriptors, err := decodeDescriptors(raw)
	if err != nil {
		r.recordRefresh(nsrpcmetrics.OutcomeError)
		return err
	}

	for _, desc := range descriptors {
		if _, ok := r.reg.Lookup(r.sess.Namespace, desc.Name); ok {
			continue
		}
		handle := proxy.New(r.sess.Mux, desc.Name)
		r.reg.Register(r.sess.Namespace, desc, handle, registry.Origin{Kind: origin, SessionID: r.sess.ID})
	}
	r.recordRefresh(nsrpcmetrics.OutcomeOK)
	return nil
}

// recordRefresh observes one discovery cycle if the session carries a
// metrics collector; sessions built without one are unaffected.
func (r *Refresher) recordRefresh(outcome string) {
	if r.sess.Metrics == nil {
		return
	}
	r.sess.Metrics.DiscoveryRefreshed(r.sess.Role.String(), outcome)
}

// decodeDescriptors normalizes a get_registered_functions response body
// into []registry.Descriptor. Over the gob serializer the concrete type
// survives the round trip directly; over JSON it arrives as a generic
// []any of map[string]any and must be re-shaped.
func decodeDescriptors(raw any) ([]registry.Descriptor, error) {
	if raw == nil {
		return nil, nil
	}
	if ds, ok := raw.([]registry.Descriptor); ok {
		return ds, nil
	}

	var out []registry.Descriptor
	if err := mapstructure.Decode(raw, &out); err != nil {
		return nil, fmt.Errorf("peer: decode descriptors: %w", err)
	}
	return out, nil
}
