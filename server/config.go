package server

import (
	"time"

	"github.com/mbocsi/deviceio/config"
)

// Config holds the emulator settings read from a file and DEVICEIO_* variables.
type Config struct {
	Addr           string           `mapstructure:"addr"`
	BasePath       string           `mapstructure:"base_path"`
	AutoProvision  bool             `mapstructure:"auto_provision"`
	Proxies        []string         `mapstructure:"proxies"` // provisioned at startup
	MaxPollTimeout time.Duration    `mapstructure:"max_poll_timeout"`
	MaxObservers   int              `mapstructure:"max_observers"`
	Advertise      bool             `mapstructure:"advertise"`
	InstanceName   string           `mapstructure:"instance_name"`
	MCP            bool             `mapstructure:"mcp"` // serve MCP tools on stdio
	Log            config.LogConfig `mapstructure:"log"`
}

// LoadConfig reads the emulator settings. path may be empty.
func LoadConfig(path string) (*Config, error) {
	v := config.NewViper(path)
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("base_path", DefaultBasePath)
	v.SetDefault("auto_provision", false)
	v.SetDefault("proxies", []string{})
	v.SetDefault("max_poll_timeout", DefaultMaxPollTimeout)
	v.SetDefault("max_observers", DefaultMaxObservers)
	v.SetDefault("advertise", false)
	v.SetDefault("instance_name", DefaultInstanceName)
	v.SetDefault("mcp", false)

	var cfg Config
	if err := config.Read(v, path, &cfg); err != nil {
		return nil, err
	}
	if _, err := config.ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Options() Options {
	return Options{
		Addr:           c.Addr,
		BasePath:       c.BasePath,
		AutoProvision:  c.AutoProvision,
		MaxPollTimeout: c.MaxPollTimeout,
		MaxObservers:   c.MaxObservers,
		Advertise:      c.Advertise,
		InstanceName:   c.InstanceName,
	}
}
