// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package config loads the configuration of the fiberecho server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeycumines/go-fiberio/fiberlog"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Log formats.
const (
	FormatJSON    = "json"
	FormatZerolog = "zerolog"
)

// Config holds the runtime parameters of the server.
type Config struct {
	// Listen is the host:port the echo server binds.
	Listen string `json:"listen" yaml:"listen" toml:"listen"`

	// MetricsAddr is the host:port serving /metrics, empty disables it.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`

	// Threads is the number of io manager worker threads.
	Threads int `json:"threads" yaml:"threads" toml:"threads"`

	// MaxPollTimeoutMS caps a single epoll wait.
	MaxPollTimeoutMS int `json:"max_poll_timeout_ms" yaml:"max_poll_timeout_ms" toml:"max_poll_timeout_ms"`

	// ReadTimeoutMS closes idle connections, 0 disables it.
	ReadTimeoutMS int `json:"read_timeout_ms" yaml:"read_timeout_ms" toml:"read_timeout_ms"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
	Namespace string `json:"namespace" yaml:"namespace" toml:"namespace"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Listen:           "127.0.0.1:7000",
		MetricsAddr:      "127.0.0.1:9100",
		Threads:          2,
		MaxPollTimeoutMS: 5000,
		ReadTimeoutMS:    0,
		LogLevel:         "info",
		LogFormat:        FormatJSON,
		Namespace:        "fiberio",
	}
}

// Load reads a configuration file based on its extension, on top of
// [Default]. Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("config: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("config: unsupported extension: %q", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("config: listen: %w", err)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("config: metrics_addr: %w", err)
		}
	}
	if c.Threads < 1 {
		return fmt.Errorf("config: threads must be positive: %d", c.Threads)
	}
	if c.MaxPollTimeoutMS < 1 {
		return fmt.Errorf("config: max_poll_timeout_ms must be positive: %d", c.MaxPollTimeoutMS)
	}
	if c.ReadTimeoutMS < 0 {
		return fmt.Errorf("config: read_timeout_ms must not be negative: %d", c.ReadTimeoutMS)
	}
	if _, ok := fiberlog.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("config: unknown log_level: %q", c.LogLevel)
	}
	switch c.LogFormat {
	case FormatJSON, FormatZerolog:
	default:
		return fmt.Errorf("config: unknown log_format: %q", c.LogFormat)
	}
	if c.Namespace == "" {
		return errors.New("config: empty namespace")
	}
	return nil
}
