package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cowork-labs/cowork/internal/coordinator"
	"github.com/cowork-labs/cowork/internal/store"
)

// Config represents the top-level cowork.yml configuration.
type Config struct {
	Version     string             `yaml:"version"`
	Tenant      string             `yaml:"tenant,omitempty"` // Tenant identifier stamped on workspaces
	Owner       string             `yaml:"owner,omitempty"`  // Default workspace owner
	Database    DatabaseConfig     `yaml:"database"`
	Migrations  MigrationsConfig   `yaml:"migrations,omitempty"`
	Dispatcher  *DispatcherConfig  `yaml:"dispatcher,omitempty"`
	Coordinator *CoordinatorConfig `yaml:"coordinator,omitempty"`
	Debug       bool               `yaml:"debug,omitempty"` // Enables debug-level logging
}

// DatabaseConfig specifies PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"` // Default: 5432
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode,omitempty"` // Default: disable
}

// MigrationsConfig specifies schema migration behavior.
type MigrationsConfig struct {
	Dir  string `yaml:"dir,omitempty"`  // Default: migrations
	Auto bool   `yaml:"auto,omitempty"` // Run migrations on startup
}

// DispatcherConfig specifies the event bus catch-up loop.
type DispatcherConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms,omitempty"` // Default: 500
	BatchSize      int `yaml:"batch_size,omitempty"`       // Default: 100
}

// CoordinatorConfig specifies agent messaging policy and batch defaults.
type CoordinatorConfig struct {
	DefaultConcurrency int                 `yaml:"default_concurrency,omitempty"` // Default: 4
	DefaultAllow       bool                `yaml:"default_allow,omitempty"`
	AllowedRoutes      []coordinator.Route `yaml:"allowed_routes,omitempty"`
}

// PollInterval returns the dispatcher poll interval as a duration.
func (d *DispatcherConfig) PollInterval() time.Duration {
	return time.Duration(d.PollIntervalMs) * time.Millisecond
}

// DBConfig converts the database section into store connection parameters.
func (c *Config) DBConfig() store.DBConfig {
	return store.DBConfig{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Name:     c.Database.Name,
		SSLMode:  c.Database.SSLMode,
	}
}

// Policy converts the coordinator section into a messaging policy.
func (c *Config) Policy() coordinator.Policy {
	if c.Coordinator == nil {
		return coordinator.Policy{}
	}
	return coordinator.Policy{
		DefaultAllow:  c.Coordinator.DefaultAllow,
		AllowedRoutes: c.Coordinator.AllowedRoutes,
	}
}

// Validate performs strict validation and applies defaults for omitted
// sections.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port must be between 1 and 65535, got %d", c.Database.Port)
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Migrations.Dir == "" {
		c.Migrations.Dir = "migrations"
	}

	if c.Dispatcher == nil {
		c.Dispatcher = &DispatcherConfig{}
	}
	if c.Dispatcher.PollIntervalMs == 0 {
		c.Dispatcher.PollIntervalMs = 500
	}
	if c.Dispatcher.PollIntervalMs < 1 {
		return fmt.Errorf("dispatcher.poll_interval_ms must be >= 1, got %d", c.Dispatcher.PollIntervalMs)
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = 100
	}
	if c.Dispatcher.BatchSize < 1 {
		return fmt.Errorf("dispatcher.batch_size must be >= 1, got %d", c.Dispatcher.BatchSize)
	}

	if c.Coordinator == nil {
		c.Coordinator = &CoordinatorConfig{}
	}
	if c.Coordinator.DefaultConcurrency == 0 {
		c.Coordinator.DefaultConcurrency = 4
	}
	if c.Coordinator.DefaultConcurrency < 1 {
		return fmt.Errorf("coordinator.default_concurrency must be >= 1, got %d", c.Coordinator.DefaultConcurrency)
	}
	for _, route := range c.Coordinator.AllowedRoutes {
		if route.From == "" || route.To == "" {
			return fmt.Errorf("coordinator.allowed_routes entries require both from and to")
		}
	}

	return nil
}

// applyEnvOverrides lets deployment environments override connection
// parameters without editing the file.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("COWORK_DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("COWORK_DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid COWORK_DB_PORT: %q", v)
		}
		c.Database.Port = port
	}
	if v := os.Getenv("COWORK_DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("COWORK_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("COWORK_DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("COWORK_DB_SSLMODE"); v != "" {
		c.Database.SSLMode = v
	}
	return nil
}

// Load reads, applies environment overrides to, and validates cowork.yml
// from the specified path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
