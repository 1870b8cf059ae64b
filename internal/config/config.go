package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App             AppConfig             `yaml:"app"`
	Database        DatabaseConfig        `yaml:"database"`
	Redis           RedisConfig           `yaml:"redis"`
	Backup          BackupConfig          `yaml:"backup"`
	Monitoring      MonitoringConfig      `yaml:"monitoring"`
	Logging         LoggingConfig         `yaml:"logging"`
	API             APIConfig             `yaml:"api"`
	Notify          NotifyConfig          `yaml:"notify"`
	Exports         ExportConfig          `yaml:"exports"`
	Retry           RetryConfig           `yaml:"retry"`
	Upstream        UpstreamConfig        `yaml:"upstream"`
	Synchronization SynchronizationConfig `yaml:"synchronization"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool `yaml:"enabled"`
	Port       int  `yaml:"port"`
	Reflection bool `yaml:"reflection"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type NotifyConfig struct {
	TelegramToken string  `yaml:"telegram_token"`
	ChatIDs       []int64 `yaml:"chat_ids"`
	OnlyFailures  bool    `yaml:"only_failures"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type RetryConfig struct {
	MaxRetries    int     `yaml:"maxRetries"`
	InitialDelay  string  `yaml:"initialDelay"`
	MaxDelay      string  `yaml:"maxDelay"`
	BackoffFactor float64 `yaml:"backoffFactor"`
}

type UpstreamConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Timeout       string `yaml:"timeout"`
	ProbeInterval string `yaml:"probe_interval"`
}

// SynchronizationConfig is the file-backed synchronization section. Field
// names are shared with other clients and must not change.
type SynchronizationConfig struct {
	Mode              string                                 `yaml:"mode"`
	BigBundles        bool                                   `yaml:"bigBundles"`
	OverwriteServer   bool                                   `yaml:"overwriteServer"`
	UsePatches        bool                                   `yaml:"usePatches"`
	ForbidSending     []string                               `yaml:"forbidSending"`
	Subscriptions     []string                               `yaml:"subscriptions"`
	Resources         []ResourceBinding                      `yaml:"resources"`
	SubscribedObjects []models.SubscribedObjectConfiguration `yaml:"subscribedObjects"`
	PollInterval      string                                 `yaml:"pollInterval,omitempty"`
}

// ResourceBinding binds a subscription id to pull triggers and push operations.
type ResourceBinding struct {
	Subscription string   `yaml:"subscription"`
	Triggers     []string `yaml:"triggers"`
	Operations   []string `yaml:"operations"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional on devices; only a malformed file is an error
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document, expanding environment references first.
func Parse(data []byte) (*Config, error) {
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Save writes cfg back to path atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Retry.MaxRetries < 1 {
		return errors.New("retry.maxRetries must be at least 1")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return errors.New("logging.output=file requires logging.file_path")
	}
	for _, raw := range []string{c.Retry.InitialDelay, c.Retry.MaxDelay, c.Upstream.Timeout, c.Upstream.ProbeInterval} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
	}
	return c.Synchronization.Validate()
}

// Validate checks enumerations and durations of the synchronization section.
func (s SynchronizationConfig) Validate() error {
	if _, err := models.ParseSyncMode(s.Mode); err != nil {
		return err
	}
	if _, err := s.Poll(); err != nil {
		return fmt.Errorf("synchronization.pollInterval: %w", err)
	}
	seen := make(map[string]bool, len(s.Resources))
	for _, r := range s.Resources {
		if strings.TrimSpace(r.Subscription) == "" {
			return errors.New("synchronization.resources: subscription is required")
		}
		if seen[r.Subscription] {
			return fmt.Errorf("synchronization.resources: duplicate subscription %q", r.Subscription)
		}
		seen[r.Subscription] = true
		if _, err := models.ParseTriggerSet(r.Triggers); err != nil {
			return fmt.Errorf("synchronization.resources[%s]: %w", r.Subscription, err)
		}
		if _, err := models.ParseOperationSet(r.Operations); err != nil {
			return fmt.Errorf("synchronization.resources[%s]: %w", r.Subscription, err)
		}
	}
	for _, so := range s.SubscribedObjects {
		if strings.TrimSpace(so.SubscribeTo) == "" {
			return errors.New("synchronization.subscribedObjects: subscribeTo is required")
		}
	}
	return nil
}

// SyncMode returns the parsed mode; Validate has already rejected bad values.
func (s SynchronizationConfig) SyncMode() models.SyncMode {
	mode, _ := models.ParseSyncMode(s.Mode)
	return mode
}

// Poll returns the poll interval; zero means the client never polls.
func (s SynchronizationConfig) Poll() (time.Duration, error) {
	return ParseISODuration(s.PollInterval)
}

// Forbidden reports whether resourceType may never be sent upstream.
func (s SynchronizationConfig) Forbidden(resourceType string) bool {
	for _, f := range s.ForbidSending {
		if strings.EqualFold(strings.TrimSpace(f), resourceType) {
			return true
		}
	}
	return false
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "santedb-sync"
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = models.DefaultMaxRetries
	}
	if c.Retry.InitialDelay == "" {
		c.Retry.InitialDelay = "30s"
	}
	if c.Retry.MaxDelay == "" {
		c.Retry.MaxDelay = "30m"
	}
	if c.Retry.BackoffFactor == 0 {
		c.Retry.BackoffFactor = 2
	}
	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = models.DefaultNetworkTimeout.String()
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
	if c.Synchronization.Mode == "" {
		c.Synchronization.Mode = string(models.ModePartial)
	}
}

// Durations returns the parsed retry and upstream timing values.
func (c *Config) Durations() (initialDelay, maxDelay, timeout time.Duration) {
	initialDelay, _ = time.ParseDuration(c.Retry.InitialDelay)
	maxDelay, _ = time.ParseDuration(c.Retry.MaxDelay)
	timeout, _ = time.ParseDuration(c.Upstream.Timeout)
	return initialDelay, maxDelay, timeout
}

// UpstreamProbeInterval returns how often connectivity is checked; zero
// selects the monitor default.
func (c *Config) UpstreamProbeInterval() time.Duration {
	d, _ := time.ParseDuration(c.Upstream.ProbeInterval)
	return d
}

