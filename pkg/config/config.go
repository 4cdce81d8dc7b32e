package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Session struct {
		// ServerURL is the websocket endpoint of the coordination server.
		ServerURL     string `yaml:"server_url"`
		TURNServerURL string `yaml:"turn_server_url"`
		TURNUsername  string `yaml:"turn_username"`
		TURNCredential string `yaml:"turn_credential"`
		// STUNServerURL is the public fallback when the relay is unreachable.
		STUNServerURL string `yaml:"stun_server_url"`
		AccessToken   string `yaml:"access_token"`

		ConnectTimeout    time.Duration `yaml:"connect_timeout"`
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
	} `yaml:"session"`

	Media struct {
		Video struct {
			Width     int `yaml:"width"`
			Height    int `yaml:"height"`
			FrameRate int `yaml:"frame_rate"`
		} `yaml:"video"`
		Audio struct {
			SampleRate       int  `yaml:"sample_rate"`
			EchoCancellation bool `yaml:"echo_cancellation"`
		} `yaml:"audio"`
		Screen struct {
			Width     int `yaml:"width"`
			Height    int `yaml:"height"`
			FrameRate int `yaml:"frame_rate"`
		} `yaml:"screen"`
	} `yaml:"media"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Roster struct {
		CacheTTL     time.Duration `yaml:"cache_ttl"`
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"roster"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Required  bool   `yaml:"required"`
	} `yaml:"auth"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
		MaxMessageSize    int64   `yaml:"max_message_size_bytes"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Session
	if c.Session.ServerURL == "" {
		return fmt.Errorf("session.server_url must not be empty")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.ReconnectAttempts < 0 {
		return fmt.Errorf("session.reconnect_attempts must be >= 0")
	}
	if c.Session.TURNServerURL != "" {
		if c.Session.TURNUsername == "" || c.Session.TURNCredential == "" {
			return fmt.Errorf("session.turn_username and turn_credential must be set when turn_server_url is set")
		}
	}

	// Media
	if c.Media.Video.Width <= 0 || c.Media.Video.Height <= 0 {
		return fmt.Errorf("media.video dimensions must be > 0")
	}
	if c.Media.Video.FrameRate <= 0 {
		return fmt.Errorf("media.video.frame_rate must be > 0")
	}
	if c.Media.Audio.SampleRate <= 0 {
		return fmt.Errorf("media.audio.sample_rate must be > 0")
	}
	if c.Media.Screen.Width <= 0 || c.Media.Screen.Height <= 0 {
		return fmt.Errorf("media.screen dimensions must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	// Roster
	if c.Roster.CacheTTL <= 0 {
		return fmt.Errorf("roster.cache_ttl must be > 0")
	}
	if c.Roster.PollInterval <= 0 {
		return fmt.Errorf("roster.poll_interval must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth.required=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxMessageSize < 0 {
			return fmt.Errorf("rate_limiting.max_message_size_bytes must be >= 0")
		}
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

	cfg.Session.ServerURL = "ws://localhost:8081/ws"
	cfg.Session.STUNServerURL = "stun:stun.l.google.com:19302"
	cfg.Session.ConnectTimeout = 10 * time.Second
	cfg.Session.ReconnectAttempts = 3

	cfg.Media.Video.Width = 1280
	cfg.Media.Video.Height = 720
	cfg.Media.Video.FrameRate = 30
	cfg.Media.Audio.SampleRate = 48000
	cfg.Media.Audio.EchoCancellation = true
	cfg.Media.Screen.Width = 1920
	cfg.Media.Screen.Height = 1080
	cfg.Media.Screen.FrameRate = 30

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Roster.CacheTTL = 30 * time.Second
	cfg.Roster.PollInterval = 15 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.Required = false
	cfg.Auth.JWTSecret = ""

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "tourstream"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200
	cfg.RateLimiting.MaxMessageSize = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if url := os.Getenv("TOURSTREAM_SERVER_URL"); url != "" {
		c.Session.ServerURL = url
	}
	if url := os.Getenv("TOURSTREAM_TURN_URL"); url != "" {
		c.Session.TURNServerURL = url
	}
	if user := os.Getenv("TOURSTREAM_TURN_USERNAME"); user != "" {
		c.Session.TURNUsername = user
	}
	if cred := os.Getenv("TOURSTREAM_TURN_CREDENTIAL"); cred != "" {
		c.Session.TURNCredential = cred
	}
	if token := os.Getenv("TOURSTREAM_ACCESS_TOKEN"); token != "" {
		c.Session.AccessToken = token
	}
	if addr := os.Getenv("TOURSTREAM_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("TOURSTREAM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("TOURSTREAM_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
