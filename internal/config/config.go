// Package config provides environment-variable-first configuration loading
// with an optional YAML or TOML file as the base layer.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Storage backends.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig     `yaml:"smtp" toml:"smtp"`
	Database   DatabaseConfig `yaml:"database" toml:"database"`
	Storage    StorageConfig  `yaml:"storage" toml:"storage"`
	HTTP       HTTPConfig     `yaml:"http" toml:"http"`
	MXHostname string         `yaml:"mx_hostname" toml:"mx_hostname"`
	Logging    LoggingConfig  `yaml:"logging" toml:"logging"`
}

// SMTPConfig holds SMTP listener configuration.
type SMTPConfig struct {
	Host                string        `yaml:"host" toml:"host"`
	Port                int           `yaml:"port" toml:"port"`
	Hostname            string        `yaml:"hostname" toml:"hostname"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	MaxConnections      int           `yaml:"max_connections" toml:"max_connections"`
	MaxConnectionsPerIP int           `yaml:"max_connections_per_ip" toml:"max_connections_per_ip"`
}

// ListenAddr returns host:port.
func (c SMTPConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	Driver      string `yaml:"driver" toml:"driver"`
	URL         string `yaml:"url" toml:"url"`
	AutoMigrate bool   `yaml:"auto_migrate" toml:"auto_migrate"`
	MaxConns    int    `yaml:"max_conns" toml:"max_conns"`

	// Seed lists "local@domain" or "*@domain" entries created at startup.
	Seed []string `yaml:"seed" toml:"seed"`
}

// StorageConfig selects where attachment bytes are written.
type StorageConfig struct {
	Backend string   `yaml:"backend" toml:"backend"`
	Dir     string   `yaml:"dir" toml:"dir"`
	S3      S3Config `yaml:"s3" toml:"s3"`
}

// S3Config holds S3 bucket settings. Endpoint is set for S3-compatible
// servers.
type S3Config struct {
	Region          string `yaml:"region" toml:"region"`
	Bucket          string `yaml:"bucket" toml:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
}

// HTTPConfig holds the operational HTTP server configuration.
type HTTPConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or TOML file (chosen by
// extension) as the base layer, then overrides with environment variables.
// Returns an error if the specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override file values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("smtp.port %d out of range", c.SMTP.Port))
	}
	if c.SMTP.IdleTimeout <= 0 {
		errs = append(errs, errors.New("smtp.idle_timeout must be positive"))
	}
	if c.SMTP.MaxConnections < 0 || c.SMTP.MaxConnectionsPerIP < 0 {
		errs = append(errs, errors.New("smtp connection limits must not be negative"))
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required for the %s driver", c.Database.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for local storage"))
		}
	case StorageS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for s3 storage"))
		}
		if c.Storage.S3.Region == "" {
			errs = append(errs, errors.New("storage.s3.region is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Host = "0.0.0.0"
	c.SMTP.Port = 2525
	c.SMTP.Hostname = "localhost"
	c.SMTP.IdleTimeout = 5 * time.Minute
	c.SMTP.MaxConnections = 1000
	c.SMTP.MaxConnectionsPerIP = 20
	c.Database.Driver = DriverPostgres
	c.Database.AutoMigrate = true
	c.Storage.Backend = StorageLocal
	c.Storage.Dir = "uploads"
	c.HTTP.Listen = ":8025"
	c.MXHostname = "mail.flymail.local"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var errs []error

	setString(&c.SMTP.Host, "SMTP_HOST")
	errs = append(errs, setInt(&c.SMTP.Port, "SMTP_PORT"))
	setString(&c.SMTP.Hostname, "SMTP_HOSTNAME")
	if v := os.Getenv("SMTP_IDLE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid SMTP_IDLE_TIMEOUT %q: %w", v, err))
		} else {
			c.SMTP.IdleTimeout = d
		}
	}
	errs = append(errs, setInt(&c.SMTP.MaxConnections, "SMTP_MAX_CONNECTIONS"))
	errs = append(errs, setInt(&c.SMTP.MaxConnectionsPerIP, "SMTP_MAX_CONNECTIONS_PER_IP"))

	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = strings.ToLower(v)
	}
	setString(&c.Database.URL, "DATABASE_URL")
	if v := os.Getenv("DATABASE_AUTO_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DATABASE_AUTO_MIGRATE %q: %w", v, err))
		} else {
			c.Database.AutoMigrate = b
		}
	}
	errs = append(errs, setInt(&c.Database.MaxConns, "DATABASE_MAX_CONNS"))
	if v := os.Getenv("DATABASE_SEED"); v != "" {
		c.Database.Seed = nil
		for _, entry := range strings.Split(v, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				c.Database.Seed = append(c.Database.Seed, entry)
			}
		}
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	setString(&c.Storage.Dir, "UPLOADS_DIR")
	setString(&c.Storage.S3.Region, "S3_REGION")
	setString(&c.Storage.S3.Bucket, "S3_BUCKET")
	setString(&c.Storage.S3.Prefix, "S3_PREFIX")
	setString(&c.Storage.S3.Endpoint, "S3_ENDPOINT")
	setString(&c.Storage.S3.AccessKeyID, "S3_ACCESS_KEY_ID")
	setString(&c.Storage.S3.SecretAccessKey, "S3_SECRET_ACCESS_KEY")

	setString(&c.HTTP.Listen, "HTTP_LISTEN")
	setString(&c.MXHostname, "MX_HOSTNAME")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}
