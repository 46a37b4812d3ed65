// Package config loads gateway settings from an optional file and DEVICEIO_*
// environment variables. The viper and logging helpers are shared with the
// emulator's own settings in package server.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/mbocsi/deviceio/client"
	"github.com/spf13/viper"
)

const EnvPrefix = "DEVICEIO"

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

type GatewayConfig struct {
	ProxyID         string        `mapstructure:"proxy_id"`
	PanelID         string        `mapstructure:"panel_id"`
	BaseURL         string        `mapstructure:"base_url"`
	Discover        bool          `mapstructure:"discover"` // resolve BaseURL over mDNS
	DiscoverTimeout time.Duration `mapstructure:"discover_timeout"`
	StorePath       string        `mapstructure:"store_path"` // SQLite file; empty keeps state in memory
	QueueSize       int           `mapstructure:"queue_size"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	SwitchInterval  time.Duration `mapstructure:"switch_interval"` // simulated local breaker switches; 0 disables
	Log             LogConfig     `mapstructure:"log"`
}

// NewViper returns a viper instance reading path (may be empty) and the
// DEVICEIO_* environment, with the shared log defaults set.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	return v
}

// Read loads the config file, if any, and decodes every known key into out.
func Read(v *viper.Viper, path string, out any) error {
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// LoadGateway reads the gateway settings. path may be empty.
func LoadGateway(path string) (*GatewayConfig, error) {
	v := NewViper(path)
	v.SetDefault("proxy_id", "DAE-CALVIN-TEST-4130-001")
	v.SetDefault("panel_id", "DAE-CALVIN-TEST-4133-001")
	v.SetDefault("base_url", client.DefaultBaseURL)
	v.SetDefault("discover", false)
	v.SetDefault("discover_timeout", 5*time.Second)
	v.SetDefault("store_path", "")
	v.SetDefault("queue_size", client.DefaultQueueSize)
	v.SetDefault("poll_timeout", client.DefaultPollTimeout)
	v.SetDefault("request_timeout", client.DefaultRequestTimeout)
	v.SetDefault("error_backoff", client.DefaultErrorBackoff)
	v.SetDefault("switch_interval", 0)

	var cfg GatewayConfig
	if err := Read(v, path, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ProxyID) == "" {
		return nil, errors.New("proxy_id is required")
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ClientConfig maps the settings onto a client.Config without callbacks.
func (c *GatewayConfig) ClientConfig(logger *slog.Logger) client.Config {
	return client.Config{
		BaseURL:        c.BaseURL,
		ProxyID:        c.ProxyID,
		QueueSize:      c.QueueSize,
		PollTimeout:    c.PollTimeout,
		RequestTimeout: c.RequestTimeout,
		ErrorBackoff:   c.ErrorBackoff,
		Logger:         logger,
	}
}

// ParseLevel accepts the slog level names.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
}
