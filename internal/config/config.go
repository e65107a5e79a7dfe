// Package config loads the settings shared by the shardctl binaries.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables, then command-line flags. Each layer only touches
// the fields it sets, so a flag left at its default never undoes a value
// from the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv, except
// the legacy names NODE_ID, NODE_LISTEN, NODE_ADDR and COORDINATOR_ADDR.
const EnvPrefix = "SHARDCTL_"

// Config is the complete configuration of a shardctl process.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Etcd        EtcdConfig        `yaml:"etcd"`
	Leader      LeaderConfig      `yaml:"leader"`
	Registry    RegistryConfig    `yaml:"registry"`
	Health      HealthConfig      `yaml:"health"`
	Node        NodeConfig        `yaml:"node"`
	Log         LogConfig         `yaml:"log"`
}

// CoordinatorConfig configures the coordinator process.
type CoordinatorConfig struct {
	// Listen is the HTTP listen address. Default: ":8080"
	Listen string `yaml:"listen"`

	// Name identifies this process as a master candidate. Default: host name.
	Name string `yaml:"name"`

	// DataPath is the directory holding the embedded etcd data (etcd/)
	// and the operation history (history.db). Empty keeps the history in
	// memory and the embedded etcd in a temporary directory.
	DataPath string `yaml:"data_path"`

	// HistoryLimit is how many finished leader operations are kept.
	// Default: 1000
	HistoryLimit int `yaml:"history_limit"`

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EtcdConfig selects the etcd cluster holding the coordination tree.
type EtcdConfig struct {
	// Endpoints are the client URLs of an external etcd cluster. Empty
	// starts an embedded single-member etcd in the coordinator.
	Endpoints []string `yaml:"endpoints"`

	// Namespace prefixes every key. Coordinators sharing a namespace share
	// one cluster. Default: "/shardctl"
	Namespace string `yaml:"namespace"`

	// ClientURL and PeerURL are where the embedded etcd listens.
	// Default: http://127.0.0.1:2379 and http://127.0.0.1:2380
	ClientURL string `yaml:"client_url"`
	PeerURL   string `yaml:"peer_url"`

	// SessionTTL is the lease TTL of every session. A crashed process's
	// ephemeral nodes vanish this long after its last keep-alive.
	// Default: 10s
	SessionTTL     time.Duration `yaml:"session_ttl"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LeaderConfig configures the master and its operation queue.
type LeaderConfig struct {
	OperationTimeout  time.Duration `yaml:"operation_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	Debounce          time.Duration `yaml:"debounce"`
	DeployAttempts    int           `yaml:"deploy_attempts"`
	// Grace is how long a leader keeps leading while the coordination
	// service is unreachable.
	Grace   time.Duration `yaml:"grace"`
	Backoff time.Duration `yaml:"backoff"`
}

// RegistryConfig configures the cluster registry.
type RegistryConfig struct {
	// Grace is how long the registry serves its last snapshot after the
	// coordination service becomes unavailable.
	Grace time.Duration `yaml:"grace"`
}

// HealthConfig configures the probing of worker processes registered
// over HTTP.
type HealthConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

// NodeConfig configures a worker process.
type NodeConfig struct {
	ID          string `yaml:"id"`
	Listen      string `yaml:"listen"`
	Addr        string `yaml:"addr"`
	Coordinator string `yaml:"coordinator"`

	// RegisterAttempts bounds registration retries at startup. Default: 20
	RegisterAttempts int           `yaml:"register_attempts"`
	RegisterBackoff  time.Duration `yaml:"register_backoff"`
	// Heartbeat is how often a registered node registers again, so a
	// coordinator that evicted or forgot it takes it back. Default: 10s
	Heartbeat   time.Duration `yaml:"heartbeat"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "coordinator"
	}
	return Config{
		Coordinator: CoordinatorConfig{
			Listen:          ":8080",
			Name:            name,
			HistoryLimit:    1000,
			ShutdownTimeout: 5 * time.Second,
		},
		Etcd: EtcdConfig{
			Namespace:      "/shardctl",
			ClientURL:      "http://127.0.0.1:2379",
			PeerURL:        "http://127.0.0.1:2380",
			SessionTTL:     10 * time.Second,
			DialTimeout:    5 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Leader: LeaderConfig{
			OperationTimeout:  30 * time.Second,
			ReconcileInterval: 10 * time.Second,
			Debounce:          250 * time.Millisecond,
			DeployAttempts:    3,
			Grace:             5 * time.Second,
			Backoff:           time.Second,
		},
		Registry: RegistryConfig{Grace: 5 * time.Second},
		Health: HealthConfig{
			Interval:    5 * time.Second,
			Timeout:     2 * time.Second,
			MaxFailures: 3,
		},
		Node: NodeConfig{
			Listen:           ":8081",
			Addr:             "http://127.0.0.1:8081",
			RegisterAttempts: 20,
			RegisterBackoff:  500 * time.Millisecond,
			Heartbeat:        10 * time.Second,
			ExecTimeout:      30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load returns the defaults overlaid with the YAML file at path. Unknown
// keys are an error. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.decode(raw); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(raw []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables looked up with
// getenv (os.Getenv in production). Malformed values are an error.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	strs := []struct {
		keys []string
		dst  *string
	}{
		{[]string{EnvPrefix + "LISTEN"}, &c.Coordinator.Listen},
		{[]string{EnvPrefix + "NAME"}, &c.Coordinator.Name},
		{[]string{EnvPrefix + "DATA_PATH"}, &c.Coordinator.DataPath},
		{[]string{EnvPrefix + "ETCD_NAMESPACE"}, &c.Etcd.Namespace},
		{[]string{EnvPrefix + "ETCD_CLIENT_URL"}, &c.Etcd.ClientURL},
		{[]string{EnvPrefix + "ETCD_PEER_URL"}, &c.Etcd.PeerURL},
		{[]string{EnvPrefix + "NODE_ID", "NODE_ID"}, &c.Node.ID},
		{[]string{EnvPrefix + "NODE_LISTEN", "NODE_LISTEN"}, &c.Node.Listen},
		{[]string{EnvPrefix + "NODE_ADDR", "NODE_ADDR"}, &c.Node.Addr},
		{[]string{EnvPrefix + "COORDINATOR", "COORDINATOR_ADDR"}, &c.Node.Coordinator},
		{[]string{EnvPrefix + "LOG_LEVEL"}, &c.Log.Level},
		{[]string{EnvPrefix + "LOG_FORMAT"}, &c.Log.Format},
	}
	for _, s := range strs {
		if v := lookup(getenv, s.keys); v != "" {
			*s.dst = v
		}
	}
	if v := getenv(EnvPrefix + "ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"OPERATION_TIMEOUT", &c.Leader.OperationTimeout},
		{"RECONCILE_INTERVAL", &c.Leader.ReconcileInterval},
		{"DEBOUNCE", &c.Leader.Debounce},
		{"LEADER_GRACE", &c.Leader.Grace},
		{"REGISTRY_GRACE", &c.Registry.Grace},
		{"HEALTH_INTERVAL", &c.Health.Interval},
		{"HEALTH_TIMEOUT", &c.Health.Timeout},
		{"NODE_HEARTBEAT", &c.Node.Heartbeat},
		{"ETCD_SESSION_TTL", &c.Etcd.SessionTTL},
	}
	for _, d := range durations {
		v := getenv(EnvPrefix + d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DEPLOY_ATTEMPTS", &c.Leader.DeployAttempts},
		{"HEALTH_MAX_FAILURES", &c.Health.MaxFailures},
		{"HISTORY_LIMIT", &c.Coordinator.HistoryLimit},
	}
	for _, n := range ints {
		v := getenv(EnvPrefix + n.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, n.key, err)
		}
		*n.dst = parsed
	}
	return nil
}

// splitList splits a comma-separated list, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func lookup(getenv func(string) string, keys []string) string {
	for _, k := range keys {
		if v := getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Parse builds a process configuration from the YAML file named by
// --config (or SHARDCTL_CONFIG), the environment and finally the flags
// that bind registers on the named flag set. The result is not validated.
// A --help request returns pflag.ErrHelp.
func Parse(name string, args []string, getenv func(string) string, bind func(*Config, *pflag.FlagSet)) (Config, error) {
	// The file has to be loaded before the other flags take their defaults
	// from it.
	pre := pflag.NewFlagSet(name, pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	path := pre.String("config", getenv(EnvPrefix+"CONFIG"), "")
	pre.BoolP("help", "h", false, "")
	_ = pre.Parse(args)

	cfg, err := Load(*path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return cfg, err
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", *path, "YAML configuration file")
	bind(&cfg, fs)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// BindFlags registers flags for the coordinator, leader and log settings on
// fs. Flags that were not set on the command line leave c untouched, so call
// it with a Config that already holds file and environment values.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Coordinator.Listen, "listen", c.Coordinator.Listen, "HTTP listen address")
	fs.StringVar(&c.Coordinator.Name, "name", c.Coordinator.Name, "master candidate name")
	fs.StringVar(&c.Coordinator.DataPath, "data", c.Coordinator.DataPath, "data directory for embedded etcd and operation history (empty: temporary)")
	fs.StringSliceVar(&c.Etcd.Endpoints, "etcd-endpoints", c.Etcd.Endpoints, "external etcd client URLs (empty: run embedded etcd)")
	fs.StringVar(&c.Etcd.ClientURL, "etcd-client-url", c.Etcd.ClientURL, "client URL of the embedded etcd")
	fs.StringVar(&c.Etcd.PeerURL, "etcd-peer-url", c.Etcd.PeerURL, "peer URL of the embedded etcd")
	fs.DurationVar(&c.Leader.OperationTimeout, "operation-timeout", c.Leader.OperationTimeout, "deadline for node operations")
	fs.DurationVar(&c.Leader.ReconcileInterval, "reconcile-interval", c.Leader.ReconcileInterval, "periodic replication check interval")
	fs.IntVar(&c.Leader.DeployAttempts, "deploy-attempts", c.Leader.DeployAttempts, "deploy attempts before an index is marked ERROR")
	fs.DurationVar(&c.Health.Interval, "health-interval", c.Health.Interval, "node health probe interval")
	c.bindLogFlags(fs)
}

// BindNodeFlags registers the worker process flags on fs.
func (c *Config) BindNodeFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Node.ID, "id", c.Node.ID, "node identifier")
	fs.StringVar(&c.Node.Listen, "listen", c.Node.Listen, "HTTP listen address")
	fs.StringVar(&c.Node.Addr, "addr", c.Node.Addr, "public address advertised to the coordinator")
	fs.StringVar(&c.Node.Coordinator, "coordinator", c.Node.Coordinator, "coordinator URL")
	c.bindLogFlags(fs)
}

func (c *Config) bindLogFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn, error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: text or json")
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"leader.operation_timeout", c.Leader.OperationTimeout},
		{"leader.reconcile_interval", c.Leader.ReconcileInterval},
		{"leader.grace", c.Leader.Grace},
		{"leader.backoff", c.Leader.Backoff},
		{"registry.grace", c.Registry.Grace},
		{"health.interval", c.Health.Interval},
		{"health.timeout", c.Health.Timeout},
		{"etcd.dial_timeout", c.Etcd.DialTimeout},
		{"etcd.request_timeout", c.Etcd.RequestTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", p.name, p.d)
		}
	}
	if c.Leader.Debounce < 0 {
		return fmt.Errorf("config: leader.debounce must not be negative, got %s", c.Leader.Debounce)
	}
	if c.Leader.DeployAttempts < 1 {
		return fmt.Errorf("config: leader.deploy_attempts must be at least 1, got %d", c.Leader.DeployAttempts)
	}
	if c.Coordinator.HistoryLimit < 1 {
		return fmt.Errorf("config: coordinator.history_limit must be at least 1, got %d", c.Coordinator.HistoryLimit)
	}
	if c.Health.MaxFailures < 1 {
		return fmt.Errorf("config: health.max_failures must be at least 1, got %d", c.Health.MaxFailures)
	}
	if c.Etcd.SessionTTL < time.Second {
		return fmt.Errorf("config: etcd.session_ttl must be at least 1s, got %s", c.Etcd.SessionTTL)
	}
	if ns := c.Etcd.Namespace; !strings.HasPrefix(ns, "/") || strings.HasSuffix(ns, "/") {
		return fmt.Errorf("config: etcd.namespace must start and not end with /, got %q", ns)
	}
	if len(c.Etcd.Endpoints) == 0 && (c.Etcd.ClientURL == "" || c.Etcd.PeerURL == "") {
		return errors.New("config: etcd.client_url and etcd.peer_url are required for embedded etcd")
	}
	if c.Coordinator.Name == "" {
		return errors.New("config: coordinator.name is required")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// ValidateNode reports whether the worker settings are complete.
func (c Config) ValidateNode() error {
	switch {
	case c.Node.ID == "":
		return errors.New("config: node.id is required (NODE_ID)")
	case c.Node.Coordinator == "":
		return errors.New("config: node.coordinator is required (COORDINATOR_ADDR)")
	case c.Node.Listen == "":
		return errors.New("config: node.listen is required")
	case c.Node.RegisterAttempts < 1:
		return fmt.Errorf("config: node.register_attempts must be at least 1, got %d", c.Node.RegisterAttempts)
	case c.Node.RegisterBackoff <= 0 || c.Node.Heartbeat <= 0 || c.Node.ExecTimeout <= 0:
		return errors.New("config: node.register_backoff, node.heartbeat and node.exec_timeout must be positive")
	}
	return nil
}

// NewLogger builds the process logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("config: unknown log.format %q", c.Format)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}
