package main

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"
	ini "gopkg.in/ini.v1"
)

// fileConfig holds the subset of server configuration that can be
// reloaded from an INI file without a restart, grounded on the
// unraid-management-agent daemon's FileConfig/LoadConfigFile pattern
// (CLI flags and defaults win unless the file sets a value).
type fileConfig struct {
	RateLimit    rate.Limit
	RateBurst    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// loadFileConfig reads path as an INI file. A missing path or missing
// file is not an error: it just means the CLI defaults apply unchanged.
func loadFileConfig(path string, defaults fileConfig) (fileConfig, error) {
	cfg := defaults
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("mcp-server: parsing config file %s: %w", path, err)
	}

	sec := f.Section("server")
	if v, err := sec.Key("read_timeout").Duration(); err == nil {
		cfg.ReadTimeout = v
	}
	if v, err := sec.Key("write_timeout").Duration(); err == nil {
		cfg.WriteTimeout = v
	}
	if v, err := sec.Key("max_body_bytes").Int64(); err == nil {
		cfg.MaxBodyBytes = v
	}

	rl := f.Section("ratelimit")
	if v, err := rl.Key("limit").Float64(); err == nil {
		cfg.RateLimit = rate.Limit(v)
	}
	if v, err := rl.Key("burst").Int(); err == nil {
		cfg.RateBurst = v
	}

	return cfg, nil
}
