package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Supabase      SupabaseConfig      `yaml:"supabase"`
	Evidence      EvidenceConfig      `yaml:"evidence"`
	Remediation   RemediationConfig   `yaml:"remediation"`
	Logger        LoggerConfig        `yaml:"logger"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Redis         RedisConfig         `yaml:"redis"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CORSAllowOrigin []string      `yaml:"cors_allow_origin"`
	Version         string        `yaml:"version"`
}

type SupabaseConfig struct {
	APIBaseURL string        `yaml:"api_base_url" validate:"required,url"`
	Timeout    time.Duration `yaml:"timeout"`
	RateLimit  float64       `yaml:"rate_limit" validate:"gte=0"`
	Burst      int           `yaml:"burst" validate:"gte=0"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

type EvidenceConfig struct {
	Dir         string `yaml:"dir" validate:"required"`
	MemoryLimit int    `yaml:"memory_limit" validate:"gte=0"`
}

type RemediationConfig struct {
	TableConcurrency int    `yaml:"table_concurrency" validate:"gte=0"`
	ReplicationSlot  string `yaml:"replication_slot"`
}

type LoggerConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RedisConfig enables the Redis evidence feed when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Prefix    string `yaml:"prefix"`
	RecentMax int64  `yaml:"recent_max"`

	// BufferSize bounds the records waiting to be published; overflow is dropped.
	BufferSize int `yaml:"buffer_size" validate:"gte=0"`
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

type MonitorConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Schedule string   `yaml:"schedule" validate:"required_if=Enabled true"`
	Token    string   `yaml:"token" validate:"required_if=Enabled true"`
	Projects []string `yaml:"projects" validate:"required_if=Enabled true,dive,required"`
	AutoFix  bool     `yaml:"auto_fix"`
}

type NotificationsConfig struct {
	Slack SlackNotifyConfig `yaml:"slack"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
	Channel    string `yaml:"channel"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 2 * time.Minute
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 2 * time.Minute
	}
	if len(c.Server.CORSAllowOrigin) == 0 {
		c.Server.CORSAllowOrigin = []string{"*"}
	}
	if c.Server.Version == "" {
		c.Server.Version = "1.0.0"
	}

	if c.Supabase.APIBaseURL == "" {
		c.Supabase.APIBaseURL = "https://api.supabase.com/v1"
	}
	if c.Supabase.Timeout == 0 {
		c.Supabase.Timeout = 30 * time.Second
	}
	if c.Supabase.Breaker.Timeout == 0 {
		c.Supabase.Breaker.Timeout = 30 * time.Second
	}
	if c.Supabase.Breaker.FailureThreshold == 0 {
		c.Supabase.Breaker.FailureThreshold = 5
	}

	if c.Evidence.Dir == "" {
		c.Evidence.Dir = "evidence"
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Monitor.Schedule == "" && c.Monitor.Enabled {
		c.Monitor.Schedule = "0 0 6 * * *"
	}
}
