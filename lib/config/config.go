// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment names a deployment type.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete configuration of a node.
type Config struct {
	Environment Environment `yaml:"environment"`

	Storage      StorageConfig                `yaml:"storage"`
	Transport    TransportConfig              `yaml:"transport"`
	AntiEntropy  AntiEntropyConfig            `yaml:"anti_entropy"`
	LanDiscovery LanDiscoveryConfig           `yaml:"lan_discovery"`
	Timeouts     TimeoutConfig                `yaml:"timeouts"`
	Middleware   ChoreographyMiddlewareConfig `yaml:"middleware"`
	RateLimiting RateLimitingConfig           `yaml:"rate_limiting"`
	Validation   ValidationConfig             `yaml:"validation"`
	FlowBudget   FlowBudgetConfig             `yaml:"flow_budget"`

	// Per-environment sections, decoded over the base values when
	// Environment matches.
	Development *yaml.Node `yaml:"development,omitempty"`
	Staging     *yaml.Node `yaml:"staging,omitempty"`
	Production  *yaml.Node `yaml:"production,omitempty"`
}

// StorageConfig locates the node's persistent state.
type StorageConfig struct {
	// Root is the base directory; ${AURA_ROOT} expands to it.
	Root string `yaml:"root"`

	// StateDir holds the device key and the database.
	StateDir string `yaml:"state_dir"`

	// Database is the SQLite file for the op log and fact store.
	// Empty selects the in-memory store.
	Database string `yaml:"database"`
}

// TransportConfig configures the peer message transport.
type TransportConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	MaxMessageSize int           `yaml:"max_message_size"`
}

// AntiEntropyConfig configures op-log reconciliation.
type AntiEntropyConfig struct {
	// Participants are hex authority ids synced with in addition to
	// peers found by discovery.
	Participants  []string     `yaml:"participants"`
	MaxOpsPerSync int          `yaml:"max_ops_per_sync"`
	IntervalMs    uint64       `yaml:"interval_ms"`
	Bloom         *BloomConfig `yaml:"bloom,omitempty"`
}

// BloomConfig selects a Bloom-filter digest instead of the exact op-id
// set.
type BloomConfig struct {
	ExpectedItems     int     `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// LanDiscoveryConfig configures the UDP rendezvous service.
type LanDiscoveryConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BindAddr           string `yaml:"bind_addr"`
	BroadcastAddr      string `yaml:"broadcast_addr"`
	Port               uint16 `yaml:"port"`
	AnnounceIntervalMs uint64 `yaml:"announce_interval_ms"`
	MaxPacketSize      int    `yaml:"max_packet_size"`
}

// TimeoutConfig holds the consensus phase budgets.
type TimeoutConfig struct {
	Frost    time.Duration `yaml:"frost_timeout"`
	Recovery time.Duration `yaml:"recovery_timeout"`
	Network  time.Duration `yaml:"network_timeout"`
	Prepare  time.Duration `yaml:"prepare_timeout"`
	Commit   time.Duration `yaml:"commit_timeout"`
}

// ChoreographyMiddlewareConfig selects the effect middleware layers.
type ChoreographyMiddlewareConfig struct {
	DeviceName          string `yaml:"device_name"`
	EnableTracing       bool   `yaml:"enable_tracing"`
	EnableMetrics       bool   `yaml:"enable_metrics"`
	EnableCapabilities  bool   `yaml:"enable_capabilities"`
	EnableErrorRecovery bool   `yaml:"enable_error_recovery"`
	MaxRetries          int    `yaml:"max_retries"`

	// FailureThreshold consecutive retryable failures open a peer's
	// circuit breaker; it half-opens after ResetTimeout.
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitScope names how rate-limit buckets are keyed.
type RateLimitScope string

const (
	ScopeGlobal                 RateLimitScope = "global"
	ScopePerAccount             RateLimitScope = "per_account"
	ScopePerDevice              RateLimitScope = "per_device"
	ScopePerOperation           RateLimitScope = "per_operation"
	ScopePerAccountAndOperation RateLimitScope = "per_account_and_operation"
	ScopePerDeviceAndOperation  RateLimitScope = "per_device_and_operation"
)

// RateLimit is a token bucket.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstCapacity     int     `yaml:"burst_capacity"`
}

// RateLimitingConfig configures request throttling.
type RateLimitingConfig struct {
	Enable           bool           `yaml:"enable_rate_limiting"`
	DefaultRateLimit RateLimit      `yaml:"default_rate_limit"`
	Scope            RateLimitScope `yaml:"rate_limit_scope"`
}

// ValidationConfig bounds untrusted input.
type ValidationConfig struct {
	Enable                    bool   `yaml:"enable_validation"`
	ValidateAccountIDs        bool   `yaml:"validate_account_ids"`
	ValidateDeviceIDs         bool   `yaml:"validate_device_ids"`
	MaxAccountIDLength        int    `yaml:"max_account_id_length"`
	MaxDeviceIDLength         int    `yaml:"max_device_id_length"`
	MaxOperationNameLength    int    `yaml:"max_operation_name_length"`
	MaxPayloadLength          int    `yaml:"max_payload_length"`
	MaxTimestampAgeSeconds    uint64 `yaml:"max_timestamp_age_seconds"`
	MaxTimestampFutureSeconds uint64 `yaml:"max_timestamp_future_seconds"`
	MaxNonceValue             uint64 `yaml:"max_nonce_value"`
	MaxUsedNonces             int    `yaml:"max_used_nonces"`
}

// FlowBudgetConfig is the per-peer, per-context leakage allowance
// restored on each epoch rotation.
type FlowBudgetConfig struct {
	External int64 `yaml:"external"`
	Neighbor int64 `yaml:"neighbor"`
	InGroup  int64 `yaml:"in_group"`
}

// Default returns a complete development configuration. Every field
// has a usable value; Load decodes the file on top of it.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	root := filepath.Join(homeDir, ".local", "share", "aura")
	return &Config{
		Environment: Development,
		Storage: StorageConfig{
			Root:     root,
			StateDir: "${AURA_ROOT}/state",
			Database: "${AURA_ROOT}/state/ledger.db",
		},
		Transport: TransportConfig{
			ListenAddr:     "0.0.0.0:19434",
			DialTimeout:    10 * time.Second,
			MaxMessageSize: 4 << 20,
		},
		AntiEntropy: AntiEntropyConfig{
			MaxOpsPerSync: 256,
			IntervalMs:    30_000,
		},
		LanDiscovery: LanDiscoveryConfig{
			Enabled:            true,
			BindAddr:           "0.0.0.0",
			BroadcastAddr:      "255.255.255.255",
			Port:               19433,
			AnnounceIntervalMs: 5_000,
			MaxPacketSize:      1400,
		},
		Timeouts: TimeoutConfig{
			Frost:    30 * time.Second,
			Recovery: 5 * time.Minute,
			Network:  10 * time.Second,
			Prepare:  10 * time.Second,
			Commit:   10 * time.Second,
		},
		Middleware: ChoreographyMiddlewareConfig{
			DeviceName:          "aura-device",
			EnableTracing:       true,
			EnableMetrics:       true,
			EnableCapabilities:  true,
			EnableErrorRecovery: true,
			MaxRetries:          3,
			FailureThreshold:    5,
			ResetTimeout:        30 * time.Second,
		},
		RateLimiting: RateLimitingConfig{
			Enable:           true,
			DefaultRateLimit: RateLimit{RequestsPerSecond: 100, BurstCapacity: 200},
			Scope:            ScopePerDevice,
		},
		Validation: ValidationConfig{
			Enable:                    true,
			ValidateAccountIDs:        true,
			ValidateDeviceIDs:         true,
			MaxAccountIDLength:        64,
			MaxDeviceIDLength:         64,
			MaxOperationNameLength:    128,
			MaxPayloadLength:          1 << 20,
			MaxTimestampAgeSeconds:    300,
			MaxTimestampFutureSeconds: 60,
			MaxNonceValue:             1 << 62,
			MaxUsedNonces:             10_000,
		},
		FlowBudget: FlowBudgetConfig{
			External: 1_000,
			Neighbor: 10_000,
			InGroup:  100_000,
		},
	}
}

// Load reads the file named by AURA_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("AURA_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("AURA_CONFIG is not set; point it at an aura.yaml file or pass --config")
	}
	return LoadFile(path)
}

// LoadFile reads path over Default, applies the matching environment
// section and expands path variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration bytes. ext selects JSONC handling for
// ".json" and ".jsonc"; anything else is YAML.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvironmentSection(); err != nil {
		return nil, err
	}
	cfg.ExpandPaths()
	return cfg, nil
}

func (c *Config) applyEnvironmentSection() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = c.Development
	case Staging:
		section = c.Staging
	case Production:
		section = c.Production
	}
	if section == nil {
		return nil
	}
	environment := c.Environment
	if err := section.Decode(c); err != nil {
		return fmt.Errorf("%s section: %w", environment, err)
	}
	// A section cannot switch environments.
	c.Environment = environment
	return nil
}

var variablePattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expand(s string, vars map[string]string) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := variablePattern.FindStringSubmatch(match)
		if value := vars[parts[1]]; value != "" {
			return value
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// ExpandPaths substitutes ${AURA_ROOT}, ${HOME} and environment
// variables in the storage paths. Parse calls it; a Default config
// needs it before use.
func (c *Config) ExpandPaths() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Storage.Root = expand(c.Storage.Root, vars)
	vars["AURA_ROOT"] = c.Storage.Root
	c.Storage.StateDir = expand(c.Storage.StateDir, vars)
	c.Storage.Database = expand(c.Storage.Database, vars)
}

// AnnounceInterval is LanDiscovery.AnnounceIntervalMs as a Duration.
func (c *Config) AnnounceInterval() time.Duration {
	return time.Duration(c.LanDiscovery.AnnounceIntervalMs) * time.Millisecond
}

// SyncInterval is AntiEntropy.IntervalMs as a Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.AntiEntropy.IntervalMs) * time.Millisecond
}

// Validate reports every configuration problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch c.Environment {
	case Development, Staging, Production:
	default:
		add("environment: invalid value %q", c.Environment)
	}
	if c.Storage.StateDir == "" {
		add("storage.state_dir is required")
	}
	if _, _, err := net.SplitHostPort(c.Transport.ListenAddr); err != nil {
		add("transport.listen_addr: %v", err)
	}
	if c.Transport.MaxMessageSize <= 0 {
		add("transport.max_message_size must be positive")
	}

	if c.AntiEntropy.MaxOpsPerSync <= 0 {
		add("anti_entropy.max_ops_per_sync must be positive")
	}
	if c.AntiEntropy.IntervalMs == 0 {
		add("anti_entropy.interval_ms must be positive")
	}
	if bloom := c.AntiEntropy.Bloom; bloom != nil {
		if bloom.ExpectedItems <= 0 {
			add("anti_entropy.bloom.expected_items must be positive")
		}
		if bloom.FalsePositiveRate <= 0 || bloom.FalsePositiveRate >= 0.01 {
			add("anti_entropy.bloom.false_positive_rate must be in (0, 0.01), got %g", bloom.FalsePositiveRate)
		}
	}

	if c.LanDiscovery.Enabled {
		if net.ParseIP(c.LanDiscovery.BindAddr) == nil {
			add("lan_discovery.bind_addr: %q is not an IP address", c.LanDiscovery.BindAddr)
		}
		if net.ParseIP(c.LanDiscovery.BroadcastAddr) == nil {
			add("lan_discovery.broadcast_addr: %q is not an IP address", c.LanDiscovery.BroadcastAddr)
		}
		if c.LanDiscovery.Port == 0 {
			add("lan_discovery.port must be nonzero")
		}
		if c.LanDiscovery.AnnounceIntervalMs == 0 {
			add("lan_discovery.announce_interval_ms must be positive")
		}
		if c.LanDiscovery.MaxPacketSize < 128 || c.LanDiscovery.MaxPacketSize > 65507 {
			add("lan_discovery.max_packet_size %d outside [128, 65507]", c.LanDiscovery.MaxPacketSize)
		}
	}

	for name, value := range map[string]time.Duration{
		"frost_timeout":    c.Timeouts.Frost,
		"recovery_timeout": c.Timeouts.Recovery,
		"network_timeout":  c.Timeouts.Network,
		"prepare_timeout":  c.Timeouts.Prepare,
		"commit_timeout":   c.Timeouts.Commit,
	} {
		if value <= 0 {
			add("timeouts.%s must be positive", name)
		}
	}

	if c.Middleware.MaxRetries < 0 {
		add("middleware.max_retries must not be negative")
	}
	if c.Middleware.EnableErrorRecovery && c.Middleware.FailureThreshold <= 0 {
		add("middleware.failure_threshold must be positive when error recovery is enabled")
	}

	if c.RateLimiting.Enable {
		switch c.RateLimiting.Scope {
		case ScopeGlobal, ScopePerAccount, ScopePerDevice, ScopePerOperation,
			ScopePerAccountAndOperation, ScopePerDeviceAndOperation:
		default:
			add("rate_limiting.rate_limit_scope: invalid value %q", c.RateLimiting.Scope)
		}
		if c.RateLimiting.DefaultRateLimit.RequestsPerSecond <= 0 {
			add("rate_limiting.default_rate_limit.requests_per_second must be positive")
		}
		if c.RateLimiting.DefaultRateLimit.BurstCapacity <= 0 {
			add("rate_limiting.default_rate_limit.burst_capacity must be positive")
		}
	}

	if c.Validation.Enable && c.Validation.MaxUsedNonces <= 0 {
		add("validation.max_used_nonces must be positive")
	}
	if c.FlowBudget.External < 0 || c.FlowBudget.Neighbor < 0 || c.FlowBudget.InGroup < 0 {
		add("flow_budget dimensions must not be negative")
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the state directory with owner-only permissions.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Storage.StateDir, 0o700); err != nil {
		return fmt.Errorf("config: creating %s: %w", c.Storage.StateDir, err)
	}
	return nil
}
