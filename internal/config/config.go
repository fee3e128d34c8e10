// Package config manages the nsrpc daemon configuration using koanf/v2.
//
// Supports a YAML file overlaid with NSRPC_ environment variables; the file
// path itself comes from nsrpcd's -config flag.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nsrpc/nsrpc/internal/session"
	"github.com/nsrpc/nsrpc/internal/wire"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete nsrpc daemon configuration.
type Config struct {
	Listen    ListenConfig    `koanf:"listen"`
	Node      NodeConfig      `koanf:"node"`
	Upstreams []UpstreamConfig `koanf:"upstreams"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Groups    []GroupConfig   `koanf:"groups"`
}

// ListenConfig holds the websocket server configuration.
type ListenConfig struct {
	// Addr is the HTTP listen address for the session endpoint (e.g., ":8320").
	Addr string `koanf:"addr"`
	// Path is the URL path session setup is served on (e.g., "/rpc").
	Path string `koanf:"path"`
}

// NodeConfig holds this node's own identity and defaults for sessions it
// initiates (§4.E, §6).
type NodeConfig struct {
	// ID is this node's session id, sent in every setup claim it issues
	// and used as the key other nodes track it under.
	ID string `koanf:"id"`
	// Namespace is the default namespace this node registers local
	// procedures under and claims in outbound setup frames.
	Namespace string `koanf:"namespace"`
	// Secret is the shared HS256 signing secret for setup tokens.
	Secret string `koanf:"secret"`
	// Role is this node's declared role: "origin" or "upstream-peer"
	// (§4.G), validated by Validate and parsed by Config.Role. cmd/nsrpcd
	// dials every configured upstream as upstream-peer whatever this field
	// says. Inbound sessions take their role from the initiator's own
	// claim, not from this field.
	Role string `koanf:"role"`
	// Serializer is the data-plane codec to negotiate: "json" or
	// "pickle" (§4.E).
	Serializer string `koanf:"serializer"`
}

// UpstreamConfig describes a parent node this daemon dials out to as an
// upstream-peer session on startup.
type UpstreamConfig struct {
	// Addr is the upstream's websocket URL (e.g., "ws://parent:8320/rpc").
	Addr string `koanf:"addr"`
	// Namespace is the namespace claimed for this particular upstream
	// session, overriding Node.Namespace when set.
	Namespace string `koanf:"namespace"`
	// TLSInsecureSkipVerify disables certificate verification for wss://
	// upstreams (test/lab use only).
	TLSInsecureSkipVerify bool `koanf:"tls_insecure_skip_verify"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// GroupConfig declares a namespace group (a logical union of namespaces
// with failover/selection semantics, §4.C) to create on startup.
type GroupConfig struct {
	// Name is the group's own namespace name, used by callers in place of
	// any one member.
	Name string `koanf:"name"`
	// Members lists the namespaces the group fans registrations out to
	// and falls over across on lookup.
	Members []string `koanf:"members"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr: ":8320",
			Path: "/rpc",
		},
		Node: NodeConfig{
			Namespace:  "default",
			Role:       "origin",
			Serializer: wire.SerializerJSON,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for nsrpc configuration.
// Variables are named NSRPC_<section>_<key>, e.g., NSRPC_LISTEN_ADDR.
const envPrefix = "NSRPC_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (NSRPC_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	NSRPC_LISTEN_ADDR   -> listen.addr
//	NSRPC_NODE_SECRET   -> node.secret
//	NSRPC_METRICS_ADDR  -> metrics.addr
//	NSRPC_LOG_LEVEL     -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// NSRPC_LISTEN_ADDR -> listen.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms NSRPC_LISTEN_ADDR -> listen.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"listen.addr":       defaults.Listen.Addr,
		"listen.path":       defaults.Listen.Path,
		"node.namespace":    defaults.Node.Namespace,
		"node.role":         defaults.Node.Role,
		"node.serializer":   defaults.Node.Serializer,
		"metrics.addr":      defaults.Metrics.Addr,
		"metrics.path":      defaults.Metrics.Path,
		"log.level":         defaults.Log.Level,
		"log.format":        defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyListenAddr indicates the websocket listen address is empty.
	ErrEmptyListenAddr = errors.New("listen.addr must not be empty")

	// ErrEmptyNodeSecret indicates no setup-token signing secret was configured.
	ErrEmptyNodeSecret = errors.New("node.secret must not be empty")

	// ErrInvalidNodeRole indicates node.role is not a recognized outbound role.
	ErrInvalidNodeRole = errors.New("node.role must be origin or upstream-peer")

	// ErrInvalidSerializer indicates node.serializer names no known codec.
	ErrInvalidSerializer = errors.New("node.serializer must be json or pickle")

	// ErrEmptyUpstreamAddr indicates a configured upstream has no address.
	ErrEmptyUpstreamAddr = errors.New("upstream addr must not be empty")

	// ErrEmptyGroupName indicates a configured group has no name.
	ErrEmptyGroupName = errors.New("group name must not be empty")

	// ErrEmptyGroupMembers indicates a configured group names no members.
	ErrEmptyGroupMembers = errors.New("group must list at least one member")

	// ErrDuplicateGroupName indicates two groups share the same name.
	ErrDuplicateGroupName = errors.New("duplicate group name")
)

// validNodeRoles lists the outbound roles a node may default to;
// DownstreamPeer is never one, since it is only ever assigned to the
// accepting side of a session (§4.G).
var validNodeRoles = map[string]bool{
	"origin":        true,
	"upstream-peer": true,
}

var validSerializers = map[string]bool{
	wire.SerializerJSON:   true,
	wire.SerializerPickle: true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Listen.Addr == "" {
		return ErrEmptyListenAddr
	}
	if cfg.Node.Secret == "" {
		return ErrEmptyNodeSecret
	}
	if !validNodeRoles[cfg.Node.Role] {
		return ErrInvalidNodeRole
	}
	if !validSerializers[cfg.Node.Serializer] {
		return ErrInvalidSerializer
	}

	for i, up := range cfg.Upstreams {
		if up.Addr == "" {
			return fmt.Errorf("upstreams[%d]: %w", i, ErrEmptyUpstreamAddr)
		}
	}

	if err := validateGroups(cfg.Groups); err != nil {
		return err
	}

	return nil
}

func validateGroups(groups []GroupConfig) error {
	seen := make(map[string]struct{}, len(groups))

	for i, g := range groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: %w", i, ErrEmptyGroupName)
		}
		if len(g.Members) == 0 {
			return fmt.Errorf("groups[%d] %q: %w", i, g.Name, ErrEmptyGroupMembers)
		}
		if _, dup := seen[g.Name]; dup {
			return fmt.Errorf("groups[%d] name %q: %w", i, g.Name, ErrDuplicateGroupName)
		}
		seen[g.Name] = struct{}{}
	}

	return nil
}

// Role parses Node.Role into a session.Role. cmd/nsrpcd does not consult it
// when dialing upstreams; those sessions are always upstream-peer.
func (c *Config) Role() session.Role {
	if c.Node.Role == "upstream-peer" {
		return session.UpstreamPeer
	}
	return session.Origin
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
