// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads netron settings from TOML files.
//
// A configuration file has the following keys, all optional:
//
//	id = "node-1"                  # netron ID; random if omitted
//	listen = ["tcp:5150"]          # addresses to accept peers on
//	connect = ["node-2:5150"]      # peers to connect to at startup
//	response_timeout = "30s"       # bound on waiting for a response
//	allow_remote_contexts = true   # let peers attach contexts
//	log_level = "debug"            # zerolog level name
//	metrics_addr = "localhost:9090" # serve Prometheus metrics here
//
// A listen address beginning with "ws://" accepts WebSocket connections on
// the host and path given; other addresses are split by
// [netron.SplitAddress].
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/netron"
	"github.com/creachadair/netron/channel"
	"github.com/rs/zerolog"
)

// Config is the parsed form of a configuration file.
type Config struct {
	ID                  string
	Listen              []string
	Connect             []string
	ResponseTimeout     time.Duration
	AllowRemoteContexts bool
	LogLevel            zerolog.Level
	MetricsAddr         string
}

// Default returns the configuration used for keys not set by a file.
func Default() Config {
	return Config{
		ResponseTimeout: netron.DefaultResponseTimeout,
		LogLevel:        zerolog.InfoLevel,
	}
}

type fileConfig struct {
	ID                  string   `toml:"id"`
	Listen              []string `toml:"listen"`
	Connect             []string `toml:"connect"`
	ResponseTimeout     string   `toml:"response_timeout"`
	AllowRemoteContexts bool     `toml:"allow_remote_contexts"`
	LogLevel            string   `toml:"log_level"`
	MetricsAddr         string   `toml:"metrics_addr"`
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse parses the configuration file contents in text.
func Parse(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if keys := meta.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("unknown config key %q", keys[0].String())
	}
	cfg := Default()

	if meta.IsDefined("id") {
		cfg.ID = strings.TrimSpace(raw.ID)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = normalize(raw.Listen)
	}
	if meta.IsDefined("connect") {
		cfg.Connect = normalize(raw.Connect)
	}
	if meta.IsDefined("response_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ResponseTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse response_timeout: %w", err)
		}
		cfg.ResponseTimeout = d
	}
	if meta.IsDefined("allow_remote_contexts") {
		cfg.AllowRemoteContexts = raw.AllowRemoteContexts
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return Config{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	return cfg, nil
}

// Options returns netron options for c. The options dial peers with
// [channel.Dial] and log to logger, which may be nil.
func (c Config) Options(logger *zerolog.Logger) *netron.Options {
	opts := &netron.Options{
		ID:                  c.ID,
		Dial:                channel.Dial,
		ResponseTimeout:     c.ResponseTimeout,
		AllowRemoteContexts: c.AllowRemoteContexts,
	}
	if logger != nil {
		lg := logger.Level(c.LogLevel)
		opts.Logger = &lg
	}
	return opts
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
