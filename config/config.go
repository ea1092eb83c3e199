package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"deptmatch/matcher"
)

type Config struct {
	Matcher MatcherConfig `toml:"matcher"`
	Store   StoreConfig   `toml:"store"`
	Server  ServerConfig  `toml:"server"`
	Path    string        `toml:"-"`
}

type MatcherConfig struct {
	Trials         int   `toml:"trials"`
	Workers        *int  `toml:"workers"`
	Seed           int64 `toml:"seed"`
	MinPreferences int   `toml:"min_preferences"`
}

type StoreConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// Metrics serves prometheus metrics at /metrics.
	Metrics bool `toml:"metrics"`
}

func Default() Config {
	workers := matcher.DefaultParams.Workers
	return Config{
		Matcher: MatcherConfig{
			Trials:         matcher.DefaultParams.Trials,
			Workers:        &workers,
			MinPreferences: matcher.MinPreferences,
		},
		Store:  StoreConfig{Driver: "sqlite"},
		Server: ServerConfig{Addr: ":8080", Metrics: true},
	}
}

// Load reads the TOML file at path over the defaults. An empty path means
// ~/.deptmatch/config.toml, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()
	optional := path == ""
	resolved := path
	if optional {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	if cfg.Matcher.Trials < 1 {
		return Config{}, fmt.Errorf("matcher.trials must be at least 1, got %d", cfg.Matcher.Trials)
	}
	if cfg.Matcher.MinPreferences < 0 {
		return Config{}, fmt.Errorf("matcher.min_preferences must not be negative, got %d", cfg.Matcher.MinPreferences)
	}
	cfg.Path = resolved
	return cfg, nil
}

func (c Config) Params() matcher.Params {
	p := matcher.Params{Trials: c.Matcher.Trials, Seed: c.Matcher.Seed, Workers: matcher.DefaultParams.Workers}
	if c.Matcher.Workers != nil {
		p.Workers = *c.Matcher.Workers
	}
	return p
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deptmatch/config.toml"
	}
	return filepath.Join(home, ".deptmatch", "config.toml")
}
