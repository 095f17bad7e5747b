// Package config loads mesh core tunables: built-in defaults, overridden by
// an optional YAML file, overridden by environment variables (with a local
// .env loaded first for development), per SPEC_FULL.md §10.2.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Profile selects the timing envelope, per spec.md §4.9/§4.8/§4.2.
type Profile string

const (
	ProfileNormal    Profile = "normal"
	ProfileEmergency Profile = "emergency"
)

// Config holds every tunable named in spec.md.
type Config struct {
	// ListenPort is the TCP port the group owner's socket listener binds,
	// 0 means "pick any free port" (spec.md §4.2 leaves this
	// transport-dependent; 0 is the safe default for tests).
	ListenPort int `yaml:"listen_port"`
	// DiscoveryPort is the UDP beacon port used by the reference
	// transport (SPEC_FULL.md §11.1); spec.md doesn't mandate a value
	// since wireless discovery is external, this merely matches the
	// teacher's zreDiscoveryPort default.
	DiscoveryPort int `yaml:"discovery_port"`

	MaxFrameBytes int `yaml:"max_frame_bytes"` // spec.md §4.2 MAX_FRAME
	DefaultTTL    int `yaml:"default_ttl"`     // spec.md §3 DEFAULT_TTL

	StaleWindow    time.Duration `yaml:"stale_window"`    // spec.md §3/§4.5
	ReachableAge   time.Duration `yaml:"reachable_age"`   // spec.md §4.5 reachable() default max_age
	MessageExpiry  time.Duration `yaml:"message_expiry"`  // spec.md §3 dedup cache TTL
	RegistryClean  time.Duration `yaml:"registry_clean"`  // spec.md §4.5 cleanup interval
	DedupSweep     time.Duration `yaml:"dedup_sweep"`     // spec.md §5 dedup-cache sweep
	RosterHeartbt  time.Duration `yaml:"roster_heartbeat"` // spec.md §4.4
	HandshakeInFly time.Duration `yaml:"handshake_inflight"` // spec.md §4.3 duplicate-handshake window

	PingInterval time.Duration `yaml:"ping_interval"` // spec.md §4.7
	PingTimeout  time.Duration `yaml:"ping_timeout"`  // spec.md §4.7
	RTTWindow    int           `yaml:"rtt_window"`     // spec.md §4.7 ring buffer size N

	ConnectTimeoutNormal    time.Duration `yaml:"connect_timeout_normal"`
	ConnectTimeoutEmergency time.Duration `yaml:"connect_timeout_emergency"`
	DiscoveryTimeoutNormal  time.Duration `yaml:"discovery_timeout_normal"`
	DiscoveryTimeoutEmerg   time.Duration `yaml:"discovery_timeout_emergency"`
	AckTimeoutNormal        time.Duration `yaml:"ack_timeout_normal"`
	AckTimeoutEmergency     time.Duration `yaml:"ack_timeout_emergency"`

	MaxReconnectAttemptsNormal    int `yaml:"max_reconnect_attempts_normal"`
	MaxReconnectAttemptsEmergency int `yaml:"max_reconnect_attempts_emergency"`

	DedupCacheSize int `yaml:"dedup_cache_size"` // spec.md §4.6

	Profile Profile `yaml:"profile"`
}

// Default returns the literal defaults named throughout spec.md.
func Default() Config {
	return Config{
		ListenPort:    0,
		DiscoveryPort: 5670,

		MaxFrameBytes: 64 * 1024,
		DefaultTTL:    5,

		StaleWindow:    10 * time.Minute,
		ReachableAge:   5 * time.Minute,
		MessageExpiry:  24 * time.Hour,
		RegistryClean:  5 * time.Minute,
		DedupSweep:     30 * time.Minute,
		RosterHeartbt:  30 * time.Second,
		HandshakeInFly: 10 * time.Second,

		PingInterval: 10 * time.Second,
		PingTimeout:  3 * time.Second,
		RTTWindow:    16,

		ConnectTimeoutNormal:    8 * time.Second,
		ConnectTimeoutEmergency: 3 * time.Second,
		DiscoveryTimeoutNormal:  30 * time.Second,
		DiscoveryTimeoutEmerg:   15 * time.Second,
		AckTimeoutNormal:        5 * time.Second,
		AckTimeoutEmergency:     2 * time.Second,

		MaxReconnectAttemptsNormal:    5,
		MaxReconnectAttemptsEmergency: 10,

		DedupCacheSize: 1000,

		Profile: ProfileNormal,
	}
}

// ConnectTimeout returns the connect timeout for the active profile.
func (c Config) ConnectTimeout() time.Duration {
	if c.Profile == ProfileEmergency {
		return c.ConnectTimeoutEmergency
	}
	return c.ConnectTimeoutNormal
}

// DiscoveryTimeout returns the discovery timeout for the active profile.
func (c Config) DiscoveryTimeout() time.Duration {
	if c.Profile == ProfileEmergency {
		return c.DiscoveryTimeoutEmerg
	}
	return c.DiscoveryTimeoutNormal
}

// AckTimeout returns the ack-wait timeout for the active profile.
func (c Config) AckTimeout() time.Duration {
	if c.Profile == ProfileEmergency {
		return c.AckTimeoutEmergency
	}
	return c.AckTimeoutNormal
}

// MaxReconnectAttempts returns the reconnection attempt cap for the active
// profile.
func (c Config) MaxReconnectAttempts() int {
	if c.Profile == ProfileEmergency {
		return c.MaxReconnectAttemptsEmergency
	}
	return c.MaxReconnectAttemptsNormal
}

// Load reads defaults, then an optional YAML file at path (ignored if
// empty or missing), then environment variables (after loading a local
// .env via godotenv, ignored if absent).
func Load(path string) (Config, error) {
	cfg := Default()

	_ = godotenv.Load() // development convenience; absence is not an error

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MESH_LISTEN_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ListenPort = n
		}
	}
	if v, ok := os.LookupEnv("MESH_DISCOVERY_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DiscoveryPort = n
		}
	}
	if v, ok := os.LookupEnv("MESH_PROFILE"); ok {
		switch Profile(v) {
		case ProfileEmergency:
			cfg.Profile = ProfileEmergency
		case ProfileNormal:
			cfg.Profile = ProfileNormal
		}
	}
}
