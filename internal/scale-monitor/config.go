package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/wwade/scale/presence"
)

const envPrefix = "SCALE_"

// Config is the monitor's startup configuration. Durations are in
// seconds to keep the YAML plain.
type Config struct {
	// SampleInterval is the polling interval in seconds.
	SampleInterval float64 `koanf:"sample_interval"`
	// MinWeight and MaxWeight bound the bird weight band in grams.
	MinWeight float64 `koanf:"min_weight"`
	MaxWeight float64 `koanf:"max_weight"`
	// ZeroEpsilon is the near-zero band in grams.
	ZeroEpsilon float64 `koanf:"zero_epsilon"`
	// TareCooldown is the minimum seconds between auto-tares.
	TareCooldown float64 `koanf:"tare_cooldown"`
	// TareSettle is how long in seconds the scale is left alone after
	// a tare command.
	TareSettle float64 `koanf:"tare_settle"`
	// LogFile is the CSV event log path.
	LogFile string `koanf:"log_file"`

	Battery BatteryConfig `koanf:"battery"`
	MQTT    MQTTConfig    `koanf:"mqtt"`
}

// BatteryConfig controls the low battery watch.
type BatteryConfig struct {
	// Threshold is the warning level in percent.
	Threshold float64 `koanf:"threshold"`
	// CheckInterval is seconds between battery reads.
	CheckInterval float64 `koanf:"check_interval"`
	Disabled      bool    `koanf:"disabled"`
}

// MQTTConfig enables the MQTT event sink when Broker is set.
type MQTTConfig struct {
	Broker      string `koanf:"broker"`
	TopicPrefix string `koanf:"topic_prefix"`
	ClientID    string `koanf:"client_id"`
}

// DefaultConfig mirrors the defaults of the original field deployment.
func DefaultConfig() *Config {
	return &Config{
		SampleInterval: 1.5,
		MinWeight:      20,
		MaxWeight:      60,
		ZeroEpsilon:    0.5,
		TareCooldown:   30,
		TareSettle:     0.5,
		LogFile:        "bird_weights.csv",
		Battery: BatteryConfig{
			Threshold:     20,
			CheckInterval: 300,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "birdscale",
			ClientID:    "scale-monitor",
		},
	}
}

// LoadConfig layers an optional YAML file and SCALE_* environment
// variables over the defaults. Nested keys use a double underscore in
// the environment, e.g. SCALE_BATTERY__THRESHOLD.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("loading config from environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %.2f", c.SampleInterval)
	}
	if c.LogFile == "" {
		return fmt.Errorf("log file must be set")
	}
	if !c.Battery.Disabled && c.Battery.CheckInterval <= 0 {
		return fmt.Errorf("battery check interval must be positive, got %.1f", c.Battery.CheckInterval)
	}
	return c.Presence().Validate()
}

// Presence returns the state machine's view of the config.
func (c *Config) Presence() presence.Config {
	return presence.Config{
		MinGrams:     c.MinWeight,
		MaxGrams:     c.MaxWeight,
		ZeroEpsilon:  c.ZeroEpsilon,
		TareCooldown: secs(c.TareCooldown),
	}
}

func (c *Config) Interval() time.Duration {
	return secs(c.SampleInterval)
}

func (c *Config) Settle() time.Duration {
	return secs(c.TareSettle)
}

func (c *BatteryConfig) Interval() time.Duration {
	return secs(c.CheckInterval)
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
