package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pve-agent/internal/model"
)

type StreamMode string

const (
	StreamModeNone      StreamMode = "none"
	StreamModeGRPC      StreamMode = "grpc"
	StreamModeWebSocket StreamMode = "websocket"
)

// DefaultAgentVersion is reported until the CLI stamps the build version.
const DefaultAgentVersion = "dev"

type Config struct {
	Cluster   model.ClusterConfig `yaml:"cluster"`
	ClusterID string              `yaml:"cluster_id"`
	CAPath    string              `yaml:"ca_path"`

	UpdateInterval        time.Duration `yaml:"update_interval"`
	RequestTimeout        time.Duration `yaml:"request_timeout"`
	FetchConcurrency      int           `yaml:"fetch_concurrency"`
	CollectorErrorBackoff time.Duration `yaml:"collector_error_backoff"`
	CommandRetention      time.Duration `yaml:"command_retention"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	HealthInterval        time.Duration `yaml:"health_interval"`

	ProbeListenAddr string        `yaml:"probe_listen_addr"`
	ControlToken    string        `yaml:"control_token"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AgentVersion    string        `yaml:"-"`

	StreamMode            StreamMode    `yaml:"stream_mode"`
	BackendGRPCAddr       string        `yaml:"backend_grpc_addr"`
	BackendWSURL          string        `yaml:"backend_ws_url"`
	BackendToken          string        `yaml:"backend_token"`
	GRPCSnapshotMethod    string        `yaml:"grpc_snapshot_method"`
	GRPCCommandMethod     string        `yaml:"grpc_command_method"`
	WebSocketWriteTimeout time.Duration `yaml:"ws_write_timeout"`
	WebSocketPingInterval time.Duration `yaml:"ws_ping_interval"`
	TLSEnabled            bool          `yaml:"tls_enabled"`
	TLSSkipVerify         bool          `yaml:"tls_skip_verify"`
	TLSCAPath             string        `yaml:"tls_ca_path"`
	TLSCertPath           string        `yaml:"tls_cert_path"`
	TLSKeyPath            string        `yaml:"tls_key_path"`

	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`
}

func defaults() Config {
	return Config{
		Cluster: model.ClusterConfig{
			Port:      model.DefaultPort,
			Realm:     model.DefaultRealm,
			VerifySSL: true,
		},
		UpdateInterval:        30 * time.Second,
		RequestTimeout:        10 * time.Second,
		FetchConcurrency:      4,
		CollectorErrorBackoff: 5 * time.Second,
		CommandRetention:      5 * time.Minute,
		SweepInterval:         time.Minute,
		HealthInterval:        time.Minute,
		ProbeListenAddr:       "127.0.0.1:9108",
		ShutdownTimeout:       20 * time.Second,
		AgentVersion:          DefaultAgentVersion,
		StreamMode:            StreamModeNone,
		BackendGRPCAddr:       "127.0.0.1:3001",
		BackendWSURL:          "ws://127.0.0.1:3001/ws/inventory",
		GRPCSnapshotMethod:    "/pve.inventory.v1.InventoryService/StreamSnapshots",
		GRPCCommandMethod:     "/pve.inventory.v1.InventoryService/StreamCommandResults",
		WebSocketWriteTimeout: 5 * time.Second,
		WebSocketPingInterval: 10 * time.Second,
		LogJSON:               false,
		LogLevel:              "info",
	}
}

// Load reads the optional YAML file at path, then applies PVE_* environment
// variables on top of it.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.Cluster.Host = env("PVE_HOST", cfg.Cluster.Host)
	cfg.Cluster.Port = envInt("PVE_PORT", cfg.Cluster.Port)
	cfg.Cluster.Username = env("PVE_USERNAME", cfg.Cluster.Username)
	cfg.Cluster.Realm = env("PVE_REALM", cfg.Cluster.Realm)
	cfg.Cluster.Password = env("PVE_PASSWORD", cfg.Cluster.Password)
	cfg.Cluster.TokenID = env("PVE_TOKEN_ID", cfg.Cluster.TokenID)
	cfg.Cluster.TokenSecret = env("PVE_TOKEN_SECRET", cfg.Cluster.TokenSecret)
	cfg.Cluster.VerifySSL = envBool("PVE_VERIFY_SSL", cfg.Cluster.VerifySSL)
	cfg.ClusterID = env("PVE_CLUSTER_ID", cfg.ClusterID)
	cfg.CAPath = env("PVE_CA_PATH", cfg.CAPath)

	cfg.UpdateInterval = envDuration("PVE_UPDATE_INTERVAL", cfg.UpdateInterval)
	cfg.RequestTimeout = envDuration("PVE_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.FetchConcurrency = envInt("PVE_FETCH_CONCURRENCY", cfg.FetchConcurrency)
	cfg.CollectorErrorBackoff = envDuration("PVE_COLLECTOR_ERROR_BACKOFF", cfg.CollectorErrorBackoff)
	cfg.CommandRetention = envDuration("PVE_COMMAND_RETENTION", cfg.CommandRetention)
	cfg.SweepInterval = envDuration("PVE_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.HealthInterval = envDuration("PVE_HEALTH_INTERVAL", cfg.HealthInterval)

	cfg.ProbeListenAddr = env("PVE_AGENT_PROBE_ADDR", cfg.ProbeListenAddr)
	cfg.ControlToken = env("PVE_AGENT_CONTROL_TOKEN", cfg.ControlToken)
	cfg.ShutdownTimeout = envDuration("PVE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.StreamMode = StreamMode(strings.ToLower(env("PVE_STREAM_MODE", string(cfg.StreamMode))))
	cfg.BackendGRPCAddr = env("PVE_BACKEND_GRPC_ADDR", cfg.BackendGRPCAddr)
	cfg.BackendWSURL = env("PVE_BACKEND_WS_URL", cfg.BackendWSURL)
	cfg.BackendToken = env("PVE_BACKEND_TOKEN", cfg.BackendToken)
	cfg.GRPCSnapshotMethod = env("PVE_GRPC_SNAPSHOT_METHOD", cfg.GRPCSnapshotMethod)
	cfg.GRPCCommandMethod = env("PVE_GRPC_COMMAND_METHOD", cfg.GRPCCommandMethod)
	cfg.WebSocketWriteTimeout = envDuration("PVE_WS_WRITE_TIMEOUT", cfg.WebSocketWriteTimeout)
	cfg.WebSocketPingInterval = envDuration("PVE_WS_PING_INTERVAL", cfg.WebSocketPingInterval)
	cfg.TLSEnabled = envBool("PVE_TLS_ENABLED", cfg.TLSEnabled)
	cfg.TLSSkipVerify = envBool("PVE_TLS_SKIP_VERIFY", cfg.TLSSkipVerify)
	cfg.TLSCAPath = env("PVE_TLS_CA_PATH", cfg.TLSCAPath)
	cfg.TLSCertPath = env("PVE_TLS_CERT_PATH", cfg.TLSCertPath)
	cfg.TLSKeyPath = env("PVE_TLS_KEY_PATH", cfg.TLSKeyPath)

	cfg.LogJSON = envBool("PVE_LOG_JSON", cfg.LogJSON)
	cfg.LogLevel = strings.ToLower(env("PVE_LOG_LEVEL", cfg.LogLevel))

	if cfg.ClusterID == "" {
		cfg.ClusterID = cfg.Cluster.Host
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Cluster.Host) == "" {
		return errors.New("PVE_HOST is required")
	}
	if c.Cluster.Port <= 0 || c.Cluster.Port > 65535 {
		return fmt.Errorf("PVE_PORT out of range: %d", c.Cluster.Port)
	}
	if strings.TrimSpace(c.Cluster.Username) == "" {
		return errors.New("PVE_USERNAME is required")
	}
	if c.Cluster.Password == "" && !c.Cluster.UsesToken() {
		return errors.New("PVE_PASSWORD or PVE_TOKEN_ID/PVE_TOKEN_SECRET is required")
	}
	if (c.Cluster.TokenID == "") != (c.Cluster.TokenSecret == "") {
		return errors.New("PVE_TOKEN_ID and PVE_TOKEN_SECRET must be set together")
	}
	if strings.TrimSpace(c.AgentVersion) == "" {
		return errors.New("agent version must not be empty")
	}
	if c.UpdateInterval < time.Second {
		return errors.New("PVE_UPDATE_INTERVAL must be >= 1s")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("PVE_REQUEST_TIMEOUT must be > 0")
	}
	if c.FetchConcurrency <= 0 {
		return errors.New("PVE_FETCH_CONCURRENCY must be > 0")
	}
	if c.CommandRetention <= 0 || c.SweepInterval <= 0 {
		return errors.New("command retention and sweep interval must be > 0")
	}
	if c.HealthInterval <= 0 {
		return errors.New("PVE_HEALTH_INTERVAL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("PVE_SHUTDOWN_TIMEOUT must be > 0")
	}
	switch c.StreamMode {
	case StreamModeNone, StreamModeGRPC, StreamModeWebSocket:
	default:
		return fmt.Errorf("unsupported stream mode %q", c.StreamMode)
	}
	if c.StreamMode == StreamModeGRPC {
		if c.BackendGRPCAddr == "" {
			return errors.New("PVE_BACKEND_GRPC_ADDR is required for grpc mode")
		}
		if strings.TrimSpace(c.GRPCSnapshotMethod) == "" || strings.TrimSpace(c.GRPCCommandMethod) == "" {
			return errors.New("PVE_GRPC_SNAPSHOT_METHOD and PVE_GRPC_COMMAND_METHOD are required for grpc mode")
		}
	}
	if c.StreamMode == StreamModeWebSocket && c.BackendWSURL == "" {
		return errors.New("PVE_BACKEND_WS_URL is required for websocket mode")
	}
	return nil
}

// ProxmoxRootCAs loads CAPath for verifying a cluster with a private CA. It
// returns nil when no path is configured.
func (c Config) ProxmoxRootCAs() (*x509.CertPool, error) {
	if c.CAPath == "" {
		return nil, nil
	}
	return readCertPool(c.CAPath)
}

// TLSConfig is the client TLS setup for the stream backend.
func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		pool, err := readCertPool(c.TLSCAPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func readCertPool(path string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("append CA cert from %s failed", path)
	}
	return pool, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
