package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Room struct {
		DisplayName string `yaml:"display_name"`
		Avatar      string `yaml:"avatar"`
	} `yaml:"room"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Feed struct {
		Enabled              bool    `yaml:"enabled"`
		Address              string  `yaml:"address"`
		MessagesPerSecond    float64 `yaml:"messages_per_second"`
		Burst                int     `yaml:"burst"`
		ConnectionsPerMinute int     `yaml:"connections_per_minute"`
	} `yaml:"feed"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Timeouts struct {
		Join     time.Duration `yaml:"join"`
		Leave    time.Duration `yaml:"leave"`
		Shutdown time.Duration `yaml:"shutdown"`
	} `yaml:"timeouts"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Redis.Address == "" {
		return fmt.Errorf("redis.address must not be empty")
	}
	if c.Redis.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be > 0")
	}

	for i, srv := range c.WebRTC.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d].urls must not be empty", i)
		}
	}

	if c.Feed.Enabled {
		if c.Feed.Address == "" {
			return fmt.Errorf("feed.address must not be empty when feed.enabled=true")
		}
		if c.Feed.MessagesPerSecond <= 0 {
			return fmt.Errorf("feed.messages_per_second must be > 0 when feed.enabled=true")
		}
		if c.Feed.Burst <= 0 {
			return fmt.Errorf("feed.burst must be > 0 when feed.enabled=true")
		}
		if c.Feed.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("feed.connections_per_minute must be > 0 when feed.enabled=true")
		}
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Timeouts.Join <= 0 {
		return fmt.Errorf("timeouts.join must be > 0")
	}
	if c.Timeouts.Leave <= 0 {
		return fmt.Errorf("timeouts.leave must be > 0")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.WebRTC.ICEServers = []struct {
		URLs       []string `yaml:"urls"`
		Username   string   `yaml:"username,omitempty"`
		Credential string   `yaml:"credential,omitempty"`
	}{
		{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
	}

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Feed.Enabled = true
	cfg.Feed.Address = "127.0.0.1:8090"
	cfg.Feed.MessagesPerSecond = 50
	cfg.Feed.Burst = 100
	cfg.Feed.ConnectionsPerMinute = 60

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "meshroom"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Timeouts.Join = 15 * time.Second
	cfg.Timeouts.Leave = 10 * time.Second
	cfg.Timeouts.Shutdown = 10 * time.Second

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MESHROOM_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if pass := os.Getenv("MESHROOM_REDIS_PASSWORD"); pass != "" {
		c.Redis.Password = pass
	}
	if addr := os.Getenv("MESHROOM_FEED_ADDRESS"); addr != "" {
		c.Feed.Address = addr
	}
	if level := os.Getenv("MESHROOM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
