// Package config loads diskimager settings from defaults, an optional YAML
// file, DISKIMAGER_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"diskimager/imaging"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "DISKIMAGER"

// Config is the resolved configuration.
type Config struct {
	BufferSize       string        `mapstructure:"buffer_size"`
	CompressionLevel int           `mapstructure:"compression_level"`
	LockRetries      uint          `mapstructure:"lock_retries"`
	LockRetryDelay   time.Duration `mapstructure:"lock_retry_delay"`

	UI     string `mapstructure:"ui"`
	Report string `mapstructure:"report"`

	// DeviceFile swaps the native drive for a file-backed one.
	DeviceFile string `mapstructure:"device_file"`
	DeviceSize string `mapstructure:"device_size"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig controls the slog handler and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// New returns a viper instance with defaults and environment binding,
// reading config files from fs.
func New(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)
	v.SetDefault("buffer_size", "1M")
	v.SetDefault("compression_level", imaging.DefaultCompressionLevel)
	v.SetDefault("lock_retries", imaging.DefaultLockRetries)
	v.SetDefault("lock_retry_delay", imaging.DefaultLockRetryDelay)
	v.SetDefault("ui", "plain")
	v.SetDefault("report", "")
	v.SetDefault("device_file", "")
	v.SetDefault("device_size", "0")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (when set) into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects settings the tool cannot run with.
func (c *Config) Validate() error {
	switch c.UI {
	case "plain", "tui", "quiet":
	default:
		return fmt.Errorf("ui must be plain, tui or quiet, got %q", c.UI)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if _, err := ParseSize(c.DeviceSize); err != nil {
		return fmt.Errorf("device size: %w", err)
	}
	ec, err := c.Engine()
	if err != nil {
		return err
	}
	return ec.Validate()
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// Engine converts the settings into an imaging.Config.
func (c *Config) Engine() (imaging.Config, error) {
	size, err := ParseSize(c.BufferSize)
	if err != nil {
		return imaging.Config{}, fmt.Errorf("buffer size: %w", err)
	}
	return imaging.Config{
		BufferSize:       int(size),
		CompressionLevel: c.CompressionLevel,
		LockRetries:      c.LockRetries,
		LockRetryDelay:   c.LockRetryDelay,
	}, nil
}

// ParseSize accepts plain byte counts and K, M, G suffixes (binary units),
// with an optional trailing B.
func ParseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	if ss == "" {
		return 0, fmt.Errorf("empty size")
	}
	ss = strings.TrimSuffix(ss, "ib")
	if len(ss) > 1 {
		ss = strings.TrimSuffix(ss, "b")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1 << 10
	case strings.HasSuffix(ss, "m"):
		mult = 1 << 20
	case strings.HasSuffix(ss, "g"):
		mult = 1 << 30
	}
	if mult > 1 {
		ss = ss[:len(ss)-1]
	}
	v, err := strconv.ParseFloat(ss, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(v * float64(mult)), nil
}
