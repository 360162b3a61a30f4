package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml configs can use human-readable values
// like "30s" or "1m", which yaml.v3 does not decode into time.Duration on its
// own.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Feed        FeedConfig        `yaml:"feed"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	Session     SessionConfig     `yaml:"session"`
	Reservation ReservationConfig `yaml:"reservation"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" validate:"min=1,max=65535"`
	Host           string   `yaml:"host"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	MaxSessions    int      `yaml:"max_sessions" validate:"min=0"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type FeedConfig struct {
	URL          string   `yaml:"url"`
	APIKey       string   `yaml:"api_key"`
	PollInterval Duration `yaml:"poll_interval" validate:"min=1s"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type NATSConfig struct {
	// URL enables the feed mirror when set; empty disables it.
	URL string `yaml:"url"`
}

type SessionConfig struct {
	PingInterval Duration `yaml:"ping_interval" validate:"min=1s"`

	// PongTimeout must exceed PingInterval so a single missed probe is
	// tolerated before the session is disconnected.
	PongTimeout Duration `yaml:"pong_timeout" validate:"gtfield=PingInterval"`

	SendBuffer int `yaml:"send_buffer" validate:"min=1"`
}

type ReservationConfig struct {
	MinCapacity      int `yaml:"min_capacity" validate:"min=1"`
	MaxCapacity      int `yaml:"max_capacity" validate:"gtfield=MinCapacity"`
	MaxSeedOccupancy int `yaml:"max_seed_occupancy" validate:"min=0"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Feed: FeedConfig{
			PollInterval: Duration{10 * time.Second},
		},
		Session: SessionConfig{
			PingInterval: Duration{5 * time.Second},
			PongTimeout:  Duration{10 * time.Second},
			SendBuffer:   64,
		},
		Reservation: ReservationConfig{
			MinCapacity:      20,
			MaxCapacity:      35,
			MaxSeedOccupancy: 15,
		},
	}
}

// Load reads the YAML config at path over the defaults, applies environment
// overrides for secrets (a .env file is honored if present) and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to defaults (plus
// environment overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	cfg = defaultConfig()
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secret-bearing fields from the environment so they stay
// out of the config file.
func (c *Config) applyEnv() {
	_ = godotenv.Load()

	if v := os.Getenv("FEED_URL"); v != "" {
		c.Feed.URL = v
	}
	if v := os.Getenv("FEED_API_KEY"); v != "" {
		c.Feed.APIKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

func (c *Config) validate() error {
	v := validator.New()
	// Expose Duration fields as plain time.Duration so "min=1s" and
	// cross-field tags work on them.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(Duration); ok {
			return d.Duration
		}
		return nil
	}, Duration{})

	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
