// nsrpcd is the namespace-federated RPC mesh daemon: it listens for
// inbound sessions, dials configured upstreams, and keeps every
// namespace's local and learned procedures current.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nsrpc/nsrpc/internal/config"
	"github.com/nsrpc/nsrpc/internal/gateway"
	nsrpcmetrics "github.com/nsrpc/nsrpc/internal/metrics"
	"github.com/nsrpc/nsrpc/internal/peer"
	"github.com/nsrpc/nsrpc/internal/registry"
	"github.com/nsrpc/nsrpc/internal/retry"
	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/token"
	appversion "github.com/nsrpc/nsrpc/internal/version"
)

// handshakeTimeout bounds how long an outbound Dial waits for the
// accepter's setup response.
const handshakeTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLogger(cfg.Log, logLevel)

	logger.Info("nsrpcd starting",
		slog.String("version", appversion.Version),
		slog.String("listen_addr", cfg.Listen.Addr),
		slog.String("namespace", cfg.Node.Namespace),
		slog.String("role", cfg.Node.Role),
	)

	if err := runDaemon(cfg, logger); err != nil {
		logger.Error("nsrpcd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("nsrpcd stopped")
	return 0
}

func runDaemon(cfg *config.Config, logger *slog.Logger) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	reg := registry.New()
	for _, g := range cfg.Groups {
		if err := reg.CreateGroup(g.Name, g.Members...); err != nil {
			return fmt.Errorf("create group %q: %w", g.Name, err)
		}
	}

	promReg := prometheus.NewRegistry()
	collector := nsrpcmetrics.NewCollector(promReg)

	secret := token.New([]byte(cfg.Node.Secret))
	engine := peer.NewEngine(reg, logger)

	localID := cfg.Node.ID
	if localID == "" {
		localID = uuid.NewString()
	}

	listener := &gateway.Listener{
		LocalID:  localID,
		Secret:   secret,
		Registry: reg,
		Engine:   engine,
		Metrics:  collector,
		Logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Listen.Path, listener.Handler())
	rpcSrv := gateway.NewServer(cfg.Listen.Addr, mux)

	metricsMux := http.NewServeMux()
	metricsMux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsSrv := gateway.NewServer(cfg.Metrics.Addr, metricsMux)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("rpc listener starting", slog.String("addr", cfg.Listen.Addr), slog.String("path", cfg.Listen.Path))
		return gateway.ListenAndServe(gCtx, rpcSrv)
	})
	g.Go(func() error {
		logger.Info("metrics listener starting", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return gateway.ListenAndServe(gCtx, metricsSrv)
	})

	for _, upstream := range cfg.Upstreams {
		upstream := upstream
		g.Go(func() error {
			return superviseUpstream(gCtx, upstream, cfg, localID, secret, reg, engine, collector, logger)
		})
	}

	if err := g.Wait(); err != nil && gCtx.Err() == nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// superviseUpstream keeps one upstream connection alive: dial, bind to
// the peer engine, run until the session tears down, then redial after
// retry.DefaultPolicy's fixed backoff (§4.I). Unlike internal/retry's
// call-scoped Link, this loop never gives up -- an upstream is a standing
// dependency the operator configured, not a single bounded call.
func superviseUpstream(
	ctx context.Context,
	upstream config.UpstreamConfig,
	cfg *config.Config,
	localID string,
	secret *token.Codec,
	reg *registry.Registry,
	engine *peer.Engine,
	collector *nsrpcmetrics.Collector,
	logger *slog.Logger,
) error {
	dialer := session.NewTLSDialer(handshakeTimeout, upstream.TLSInsecureSkipVerify)
	ns := upstream.Namespace
	if ns == "" {
		ns = cfg.Node.Namespace
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		sess, err := session.Dial(dialCtx, dialer, upstream.Addr, session.DialOptions{
			ID:         localID,
			Namespace:  ns,
			Role:       session.UpstreamPeer,
			Serializer: cfg.Node.Serializer,
			Secret:     secret,
			Registry:   reg,
			Metrics:    collector,
			Logger:     logger,
			OnClose:    engine.OnClose,
		})
		cancel()

		if err != nil {
			logger.Warn("upstream dial failed, retrying",
				slog.String("addr", upstream.Addr),
				slog.String("error", err.Error()),
				slog.Duration("backoff", retry.DefaultPolicy.Backoff),
			)
		} else {
			refresher := engine.Bind(ctx, sess)
			refresher.Notify()
			if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("upstream session ended, reconnecting",
					slog.String("addr", upstream.Addr),
					slog.String("error", err.Error()),
				)
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-time.After(retry.DefaultPolicy.Backoff):
		case <-ctx.Done():
			return nil
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
