// Package config loads server settings from an optional YAML file, the
// environment (CHAT_ prefix) and built-in defaults, in that order of
// precedence: environment over file over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/json-socket-chat/internal/auth"
	"github.com/omochice/json-socket-chat/internal/logging"
)

const envPrefix = "CHAT"

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server   Server         `mapstructure:"server"`
	Database Database       `mapstructure:"database"`
	Media    Media          `mapstructure:"media"`
	Auth     auth.Config    `mapstructure:"auth"`
	Log      logging.Config `mapstructure:"log"`
	Admin    Admin          `mapstructure:"admin"`
}

type Server struct {
	// Address accepts raw TCP and, when WSAddress is empty, WebSocket too.
	Address       string        `mapstructure:"address"`
	WSAddress     string        `mapstructure:"ws_address"`
	MaxFrame      string        `mapstructure:"max_frame_bytes"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
	MaxFrameBytes int           `mapstructure:"-"`
}

type Database struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type Media struct {
	Dir            string `mapstructure:"dir"`
	BaseURL        string `mapstructure:"base_url"`
	MaxUpload      string `mapstructure:"max_upload_bytes"`
	MaxUploadBytes int64  `mapstructure:"-"`
}

type Admin struct {
	Address string `mapstructure:"address"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.ws_address", "")
	v.SetDefault("server.max_frame_bytes", "16MiB")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 20.0)
	v.SetDefault("server.rate_burst", 40)

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.migrate", true)

	v.SetDefault("media.dir", "./data/uploads")
	v.SetDefault("media.base_url", "/files/")
	v.SetDefault("media.max_upload_bytes", "10MiB")

	v.SetDefault("auth.bcrypt_cost", bcrypt.DefaultCost)
	v.SetDefault("auth.min_password_length", 6)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("admin.address", "")
}

// Load reads configuration. An empty path looks for config/chat.yaml or
// ./chat.yaml and proceeds with defaults when neither exists; an explicit
// path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("chat")
		v.SetConfigType("yaml")
		v.AddConfigPath("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if c.Database.DSN == "" {
		c.Database.DSN = strings.TrimSpace(os.Getenv("DB_URL"))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values and fills the parsed byte sizes.
func (c *Config) Validate() error {
	frame, err := humanize.ParseBytes(c.Server.MaxFrame)
	if err != nil {
		return fmt.Errorf("config: server.max_frame_bytes: %w", err)
	}
	if frame == 0 {
		return errors.New("config: server.max_frame_bytes must be positive")
	}
	c.Server.MaxFrameBytes = int(frame)

	upload, err := humanize.ParseBytes(c.Media.MaxUpload)
	if err != nil {
		return fmt.Errorf("config: media.max_upload_bytes: %w", err)
	}
	if upload == 0 {
		return errors.New("config: media.max_upload_bytes must be positive")
	}
	c.Media.MaxUploadBytes = int64(upload)

	if c.Server.Address == "" {
		return errors.New("config: server.address is required")
	}
	if c.Server.SendBuffer <= 0 {
		return errors.New("config: server.send_buffer must be positive")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		return errors.New("config: server.rate_limit and server.rate_burst must be positive")
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("config: database.dsn (or DB_URL) is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}

	if c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("config: auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.Auth.MinPasswordLength < 1 {
		return errors.New("config: auth.min_password_length must be positive")
	}
	return nil
}
