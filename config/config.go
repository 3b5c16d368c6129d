package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cron     CronConfig     `yaml:"cron"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Timezone string         `yaml:"timezone" validate:"required"`
}

type ServerConfig struct {
	Port string `yaml:"port" validate:"required"`
	Mode string `yaml:"mode" validate:"oneof=debug release test"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type CronConfig struct {
	ReconcileInterval string `yaml:"reconcile_interval" validate:"required"` // schedule reconcile cadence
}

type StorageConfig struct {
	Dir            string `yaml:"dir" validate:"required"`
	PublicURL      string `yaml:"public_url" validate:"required,url"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" validate:"required"`
	TokenTTL      time.Duration `yaml:"token_ttl" validate:"gt=0"`
	AdminName     string        `yaml:"admin_name"`
	AdminEmail    string        `yaml:"admin_email" validate:"omitempty,email"`
	AdminPassword string        `yaml:"admin_password"`
	LoginRate     float64       `yaml:"login_rate" validate:"gt=0"` // requests per second per IP
	LoginBurst    int           `yaml:"login_burst" validate:"gt=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "5000",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Path: "data/blog.db",
		},
		Cron: CronConfig{
			ReconcileInterval: "@every 10s",
		},
		Storage: StorageConfig{
			Dir:            "data/uploads",
			PublicURL:      "http://localhost:5000/uploads",
			MaxUploadBytes: 5 << 20,
		},
		Auth: AuthConfig{
			TokenTTL:   24 * time.Hour,
			AdminName:  "Admin",
			LoginRate:  1,
			LoginBurst: 5,
		},
		Log: LogConfig{
			Level: "info",
		},
		Timezone: "Asia/Jakarta",
	}
}

// Load reads the YAML file at configPath (if it exists) over the defaults and
// then applies environment overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else {
		slog.Info("config file not found, using defaults", "path", configPath)
	}

	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Server.Port = port
	}

	if mode := os.Getenv("GIN_MODE"); mode != "" {
		c.Server.Mode = mode
	}

	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		c.Database.Path = dbPath
	}

	if dir := os.Getenv("STORAGE_DIR"); dir != "" {
		c.Storage.Dir = dir
	}

	if publicURL := os.Getenv("PUBLIC_URL"); publicURL != "" {
		c.Storage.PublicURL = publicURL
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}

	if email := os.Getenv("ADMIN_EMAIL"); email != "" {
		c.Auth.AdminEmail = email
	}

	if password := os.Getenv("ADMIN_PASSWORD"); password != "" {
		c.Auth.AdminPassword = password
	}

	if interval := os.Getenv("RECONCILE_INTERVAL"); interval != "" {
		c.Cron.ReconcileInterval = interval
	}

	if tz := os.Getenv("TZ_NAME"); tz != "" {
		c.Timezone = tz
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = strings.ToLower(level)
	}
}

// Validate checks required fields and that the timezone can be loaded.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SlogLevel maps the configured log level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetServerAddress returns the listen address; a bare port gets a ":" prefix.
func (c *Config) GetServerAddress() string {
	if _, err := strconv.Atoi(c.Server.Port); err == nil {
		return ":" + c.Server.Port
	}
	return c.Server.Port
}
