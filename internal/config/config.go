package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Encryption    EncryptionConfig    `yaml:"encryption"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	APIToken     string        `yaml:"api_token"`
}

type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ScannerConfig carries the scan-engine knobs. Every field has a default
// applied by Load; zero values never reach the engine.
type ScannerConfig struct {
	// MaxRounds caps the multiquery adversarial loop.
	MaxRounds int `yaml:"max_rounds"`
	// MaxSearchResults bounds retrieval queries per rule.
	MaxSearchResults int `yaml:"max_search_results"`
	// StaleWorkerWindow is how long a worker may go unseen before it is
	// considered dead.
	StaleWorkerWindow time.Duration `yaml:"stale_worker_window"`
	// ProviderTimeout bounds any single provider call.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	// TransportRetries is the retry count for transient provider failures.
	TransportRetries int `yaml:"transport_retries"`
	// MinAvailableWorkers gates scan creation.
	MinAvailableWorkers int `yaml:"min_available_workers"`
}

type EncryptionConfig struct {
	// Key is the base64-encoded 32-byte key for at-rest encryption.
	Key string `yaml:"key"`
}

// KeyBytes decodes the configured key material.
func (c EncryptionConfig) KeyBytes() ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return key, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

type NotificationsConfig struct {
	MinSeverityValue int               `yaml:"min_severity_value"`
	Slack            SlackNotifyConfig `yaml:"slack"`
	Email            EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
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

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Scanner.MaxRounds == 0 {
		c.Scanner.MaxRounds = 5
	}
	if c.Scanner.MaxSearchResults == 0 {
		c.Scanner.MaxSearchResults = 100
	}
	if c.Scanner.StaleWorkerWindow == 0 {
		c.Scanner.StaleWorkerWindow = 60 * time.Second
	}
	if c.Scanner.ProviderTimeout == 0 {
		c.Scanner.ProviderTimeout = 30 * time.Second
	}
	if c.Scanner.TransportRetries == 0 {
		c.Scanner.TransportRetries = 2
	}
	if c.Scanner.MinAvailableWorkers == 0 {
		c.Scanner.MinAvailableWorkers = 1
	}

	if c.Notifications.MinSeverityValue == 0 {
		c.Notifications.MinSeverityValue = 3
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
