package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the unified node configuration for meshnode.
type Config struct {
	Version int           `yaml:"version,omitempty"`
	Network NetworkConfig `yaml:"network"`
	Timing  TimingConfig  `yaml:"timing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// NetworkConfig identifies the mesh and how to reach it.
type NetworkConfig struct {
	ID         string `yaml:"id"`
	SecretFile string `yaml:"secret_file"`
	LocalPort  int    `yaml:"local_port"`
	STUNServer string `yaml:"stun_server"`
}

// TimingConfig holds the overlay engine's compile-time tunables, exposed
// as config for testability. Runtime reconfiguration is not supported;
// these are read once at Start.
type TimingConfig struct {
	KeepalivePeriod  time.Duration `yaml:"keepalive_period,omitempty"`
	PeerTimeout      time.Duration `yaml:"peer_timeout,omitempty"`
	HolePunchCount   int           `yaml:"hole_punch_count,omitempty"`
	HolePunchSpacing time.Duration `yaml:"hole_punch_spacing,omitempty"`
	STUNTimeout      time.Duration `yaml:"stun_timeout,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure. Disabled by default.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"`
}

// DefaultSTUNServer is the public STUN server used when none is configured.
const DefaultSTUNServer = "84.247.170.241:3478"

// defaults for TimingConfig, applied by the loader when a field is zero.
const (
	DefaultKeepalivePeriod  = 10 * time.Second
	DefaultPeerTimeout      = 60 * time.Second
	DefaultHolePunchCount   = 5
	DefaultHolePunchSpacing = 500 * time.Millisecond
	DefaultSTUNTimeout      = 5 * time.Second
)

// applyDefaults fills zero-valued fields with their default values.
func (c *Config) applyDefaults() {
	if c.Network.STUNServer == "" {
		c.Network.STUNServer = DefaultSTUNServer
	}
	if c.Timing.KeepalivePeriod == 0 {
		c.Timing.KeepalivePeriod = DefaultKeepalivePeriod
	}
	if c.Timing.PeerTimeout == 0 {
		c.Timing.PeerTimeout = DefaultPeerTimeout
	}
	if c.Timing.HolePunchCount == 0 {
		c.Timing.HolePunchCount = DefaultHolePunchCount
	}
	if c.Timing.HolePunchSpacing == 0 {
		c.Timing.HolePunchSpacing = DefaultHolePunchSpacing
	}
	if c.Timing.STUNTimeout == 0 {
		c.Timing.STUNTimeout = DefaultSTUNTimeout
	}
}
