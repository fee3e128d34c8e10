package peer

import (
	"context"
	"log/slog"

	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/session"
)

// Engine ties a session's lifecycle to the connection manager and its
// discovery refresher: every session a caller binds here is tracked while
// live and untracked the moment it closes, with its refresh loop running
// for exactly that long. It is the one piece callers (cmd/nsrpcd) need to
// hold, instead of wiring ConnectionManager and Refresher by hand per
// session.
type Engine struct {
	Conns *ConnectionManager

	reg    *registry.Registry
	logger *slog.Logger
}

// NewEngine returns an Engine publishing what it learns into reg.
func NewEngine(reg *registry.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Conns:  NewConnectionManager(),
		reg:    reg,
		logger: logger.With(slog.String("component", "peer.engine")),
	}
}

// Bind registers sess with the connection manager and starts its
// discovery refresher under ctx, returning the refresher so the caller
// can Notify() it after a local registration event (§4.G). The caller is
// still responsible for calling sess.Run and for passing e.OnClose as the
// session's OnClose hook so the entry is removed again on teardown.
func (e *Engine) Bind(ctx context.Context, sess *session.Session) *Refresher {
	e.Conns.Add(sess)
	if sess.Metrics != nil {
		sess.Metrics.RegisterSession(sess.Role.String())
	}
	refresher := NewRefresher(sess, e.reg, e.logger)
	go func() {
		if err := refresher.Run(ctx); err != nil {
			e.logger.Debug("discovery refresher stopped",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return refresher
}

// OnClose is a session.DialOptions.OnClose / session.AcceptOptions.OnClose
// hook that removes sess from the connection manager when it tears down.
// A reconnect that has already installed a fresher session under the same
// id is left untouched (ConnectionManager.Remove's supersession guard).
func (e *Engine) OnClose(sess *session.Session, cause error) {
	e.Conns.Remove(sess.ID, sess)
	if sess.Metrics != nil {
		sess.Metrics.UnregisterSession(sess.Role.String())
	}
	if cause != nil {
		e.logger.Info("peer disconnected", slog.String("session_id", sess.ID), slog.String("error", cause.Error()))
	} else {
		e.logger.Info("peer disconnected", slog.String("session_id", sess.ID))
	}
}
