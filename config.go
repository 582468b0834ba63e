package hubclient

import (
	"errors"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultBaseDelay                 = 1 * time.Second
	DefaultMaxDelay                  = 30 * time.Second
	DefaultMinDelay                  = 100 * time.Millisecond
	DefaultJitter                    = 0.3
	DefaultCircuitFailureThreshold   = 5
	DefaultCircuitCooldown           = 60 * time.Second
	DefaultHealthCheckInterval       = 30 * time.Second
	DefaultCredentialRefreshInterval = 10 * time.Minute
	DefaultHiddenSleepThreshold      = 5 * time.Minute
	DefaultRefreshTimeout            = 15 * time.Second
)

// ErrInvalidConfig is wrapped by every error returned from Config.Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds the tunables of the resilience layer. Zero fields are replaced
// by their defaults when a Manager or Client is constructed.
type Config struct {
	// BaseDelay is the backoff delay of the first reconnect attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff before jitter is applied.
	MaxDelay time.Duration
	// MinDelay is the floor of every computed delay.
	MinDelay time.Duration
	// Jitter is the symmetric randomization fraction, 0 <= Jitter < 1.
	Jitter float64

	CircuitFailureThreshold int
	CircuitCooldown         time.Duration

	HealthCheckInterval       time.Duration
	CredentialRefreshInterval time.Duration

	// HiddenSleepThreshold is how long the process may be suspended before a
	// resume is treated as a wake from sleep and credentials are refreshed first.
	HiddenSleepThreshold time.Duration

	// RefreshTimeout bounds a single credential refresh flight.
	RefreshTimeout time.Duration
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	var c Config
	c.defaults()
	return c
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	c.defaults()
	return c
}

func (c *Config) defaults() {
	if c.BaseDelay == 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MinDelay == 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.Jitter == 0 {
		c.Jitter = DefaultJitter
	}
	if c.CircuitFailureThreshold == 0 {
		c.CircuitFailureThreshold = DefaultCircuitFailureThreshold
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = DefaultCircuitCooldown
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.CredentialRefreshInterval == 0 {
		c.CredentialRefreshInterval = DefaultCredentialRefreshInterval
	}
	if c.HiddenSleepThreshold == 0 {
		c.HiddenSleepThreshold = DefaultHiddenSleepThreshold
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
}

// Validate reports the first inconsistent field.
func (c Config) Validate() error {
	switch {
	case c.BaseDelay < 0, c.MaxDelay < 0, c.MinDelay < 0:
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidConfig)
	case c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay:
		return fmt.Errorf("%w: base delay %s exceeds max delay %s", ErrInvalidConfig, c.BaseDelay, c.MaxDelay)
	case c.Jitter < 0 || c.Jitter >= 1:
		return fmt.Errorf("%w: jitter fraction must be in [0, 1), got %v", ErrInvalidConfig, c.Jitter)
	case c.CircuitFailureThreshold < 0:
		return fmt.Errorf("%w: circuit failure threshold must not be negative", ErrInvalidConfig)
	case c.CircuitCooldown < 0, c.HealthCheckInterval < 0, c.CredentialRefreshInterval < 0,
		c.HiddenSleepThreshold < 0, c.RefreshTimeout < 0:
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Backoff returns the backoff calculator described by c.
func (c Config) Backoff() Backoff {
	return Backoff{Base: c.BaseDelay, Max: c.MaxDelay, Jitter: c.Jitter, Floor: c.MinDelay}
}

// ============================================================================
// TOML file representation
// ============================================================================

// ConfigFile is the on-disk shape of Config. Durations are stored as integer
// milliseconds so the file stays readable and language neutral.
type ConfigFile struct {
	BaseDelayMs                    int64   `toml:"base_delay_ms,omitempty"`
	MaxDelayMs                     int64   `toml:"max_delay_ms,omitempty"`
	MinDelayMs                     int64   `toml:"min_delay_ms,omitempty"`
	JitterFraction                 float64 `toml:"jitter_fraction,omitempty"`
	CircuitFailureThreshold        int     `toml:"circuit_failure_threshold,omitempty"`
	CircuitCooldownMs              int64   `toml:"circuit_cooldown_ms,omitempty"`
	HealthCheckIntervalMs          int64   `toml:"health_check_interval_ms,omitempty"`
	CredentialRefreshIntervalMs    int64   `toml:"credential_refresh_interval_ms,omitempty"`
	HiddenDurationSleepThresholdMs int64   `toml:"hidden_duration_sleep_threshold_ms,omitempty"`
	RefreshTimeoutMs               int64   `toml:"refresh_timeout_ms,omitempty"`
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Config converts the file representation. Missing keys stay zero and pick up
// defaults later.
func (f ConfigFile) Config() Config {
	return Config{
		BaseDelay:                 ms(f.BaseDelayMs),
		MaxDelay:                  ms(f.MaxDelayMs),
		MinDelay:                  ms(f.MinDelayMs),
		Jitter:                    f.JitterFraction,
		CircuitFailureThreshold:   f.CircuitFailureThreshold,
		CircuitCooldown:           ms(f.CircuitCooldownMs),
		HealthCheckInterval:       ms(f.HealthCheckIntervalMs),
		CredentialRefreshInterval: ms(f.CredentialRefreshIntervalMs),
		HiddenSleepThreshold:      ms(f.HiddenDurationSleepThresholdMs),
		RefreshTimeout:            ms(f.RefreshTimeoutMs),
	}
}

// FileConfig is the inverse of ConfigFile.Config.
func FileConfig(c Config) ConfigFile {
	return ConfigFile{
		BaseDelayMs:                    c.BaseDelay.Milliseconds(),
		MaxDelayMs:                     c.MaxDelay.Milliseconds(),
		MinDelayMs:                     c.MinDelay.Milliseconds(),
		JitterFraction:                 c.Jitter,
		CircuitFailureThreshold:        c.CircuitFailureThreshold,
		CircuitCooldownMs:              c.CircuitCooldown.Milliseconds(),
		HealthCheckIntervalMs:          c.HealthCheckInterval.Milliseconds(),
		CredentialRefreshIntervalMs:    c.CredentialRefreshInterval.Milliseconds(),
		HiddenDurationSleepThresholdMs: c.HiddenSleepThreshold.Milliseconds(),
		RefreshTimeoutMs:               c.RefreshTimeout.Milliseconds(),
	}
}

// ParseConfig decodes TOML bytes, applies defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	var f ConfigFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("cannot parse config: %w", err)
	}
	cfg := f.Config()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.defaults()
	return cfg, nil
}

// LoadConfig reads a TOML file. A missing file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("cannot read config: %w", err)
	}
	return ParseConfig(data)
}
