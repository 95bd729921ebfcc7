// Package config handles gotftp.toml server configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/chronologos/gotftp/internal/retransmit"
)

// Config is the server configuration. Zero fields in a file keep their
// defaults.
type Config struct {
	Address      string   `toml:"address"`
	Port         int      `toml:"port"`
	Root         string   `toml:"root"`
	Timeout      Duration `toml:"timeout"`
	MaxRetries   int      `toml:"max-retries"`
	TickInterval Duration `toml:"tick-interval"`
	AllowWrite   bool     `toml:"allow-write"`
	History      string   `toml:"history"`
	LogLevel     string   `toml:"log-level"`
}

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Address:      "0.0.0.0",
		Port:         69,
		Root:         ".",
		Timeout:      Duration{retransmit.DefaultTimeout},
		MaxRetries:   retransmit.DefaultMaxRetries,
		TickInterval: Duration{100 * time.Millisecond},
		AllowWrite:   true,
		LogLevel:     "info",
	}
}

// Load reads a TOML file over the defaults. Root and History may start
// with "~".
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	md, err := toml.DecodeFile(p, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", p, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), p)
	}
	if err := cfg.ExpandPaths(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// ExpandPaths resolves a leading "~" in Root and History.
func (c *Config) ExpandPaths() error {
	var err error
	if c.Root, err = homedir.Expand(c.Root); err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if c.History, err = homedir.Expand(c.History); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.Root == "":
		return errors.New("root must not be empty")
	case c.Timeout.Duration <= 0:
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	case c.MaxRetries < 0:
		return fmt.Errorf("max-retries must not be negative, got %d", c.MaxRetries)
	case c.TickInterval.Duration <= 0:
		return fmt.Errorf("tick-interval must be positive, got %s", c.TickInterval)
	case c.TickInterval.Duration > c.Timeout.Duration:
		return fmt.Errorf("tick-interval %s exceeds timeout %s", c.TickInterval, c.Timeout)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr is the listen address in "host:port" form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// Policy is the retransmission policy for sessions. An explicit
// max-retries of 0 disables retransmission.
func (c Config) Policy() retransmit.Policy {
	p := retransmit.Policy{Timeout: c.Timeout.Duration, MaxRetries: c.MaxRetries}
	if p.MaxRetries == 0 {
		p.MaxRetries = -1
	}
	return p
}

// ParseLevel maps debug|info|warn|error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
