// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Addr          string   `yaml:"addr"`
		PipelineWarn  Duration `yaml:"pipeline_warn"`
		AuthEntryPath string   `yaml:"auth_entry_path"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	RabbitMQ struct {
		URL string `yaml:"url"`
	} `yaml:"rabbitmq"`

	Redis struct {
		Addr string `yaml:"addr"` // empty: in-memory counters
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		CacheTTL  Duration `yaml:"cache_ttl"`
	} `yaml:"auth"`

	Tenant struct {
		CacheTTL  Duration `yaml:"cache_ttl"`
		CacheSize int      `yaml:"cache_size"`
	} `yaml:"tenant"`

	Pool struct {
		MinConns       int      `yaml:"min_conns"`
		MaxConns       int      `yaml:"max_conns"`
		StartSize      int      `yaml:"start_size"`
		IdleTimeout    Duration `yaml:"idle_timeout"`
		GlobalCap      int      `yaml:"global_cap"`
		AcquireTimeout Duration `yaml:"acquire_timeout"`
		SlowQuery      Duration `yaml:"slow_query"`
		SweepInterval  Duration `yaml:"sweep_interval"`
		IdleThreshold  Duration `yaml:"idle_threshold"`
	} `yaml:"pool"`

	RateLimit struct {
		GlobalLimit  int                   `yaml:"global_limit"`
		GlobalWindow Duration              `yaml:"global_window"`
		Routes       map[string]RouteLimit `yaml:"routes"`
	} `yaml:"rate_limit"`

	Breaker struct {
		Routes map[string]BreakerRoute `yaml:"routes"`
	} `yaml:"breaker"`

	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
		AllowedMethods []string `yaml:"allowed_methods"`
		AllowedHeaders []string `yaml:"allowed_headers"`
	} `yaml:"cors"`
}

type RouteLimit struct {
	Limit  int      `yaml:"limit"`
	Window Duration `yaml:"window"`
}

type BreakerRoute struct {
	Threshold    int      `yaml:"threshold"`
	ResetTimeout Duration `yaml:"reset_timeout"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config with every knob at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.PipelineWarn == 0 {
		c.Server.PipelineWarn = Duration(25 * time.Millisecond)
	}
	if c.Server.AuthEntryPath == "" {
		c.Server.AuthEntryPath = "/login"
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = Duration(time.Minute)
	}
	if c.Tenant.CacheTTL == 0 {
		c.Tenant.CacheTTL = Duration(5 * time.Minute)
	}
	if c.Tenant.CacheSize == 0 {
		c.Tenant.CacheSize = 1024
	}
	if c.Pool.MinConns == 0 {
		c.Pool.MinConns = 2
	}
	if c.Pool.MaxConns == 0 {
		c.Pool.MaxConns = 15
	}
	if c.Pool.StartSize == 0 {
		c.Pool.StartSize = 5
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = Duration(30 * time.Second)
	}
	if c.Pool.GlobalCap == 0 {
		c.Pool.GlobalCap = 1000
	}
	if c.Pool.AcquireTimeout == 0 {
		c.Pool.AcquireTimeout = Duration(5 * time.Second)
	}
	if c.Pool.SlowQuery == 0 {
		c.Pool.SlowQuery = Duration(time.Second)
	}
	if c.Pool.SweepInterval == 0 {
		c.Pool.SweepInterval = Duration(time.Minute)
	}
	if c.Pool.IdleThreshold == 0 {
		c.Pool.IdleThreshold = Duration(5 * time.Minute)
	}
	if c.RateLimit.GlobalLimit == 0 {
		c.RateLimit.GlobalLimit = 300
	}
	if c.RateLimit.GlobalWindow == 0 {
		c.RateLimit.GlobalWindow = Duration(time.Minute)
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Authorization", "Content-Type", "X-Gateway-Token"}
	}
}
