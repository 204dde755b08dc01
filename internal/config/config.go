// Package config loads server settings from an optional YAML file,
// then applies environment overrides. Every field has a default, so a
// missing file and an empty environment both produce a runnable
// server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port   string
	DBPath string

	// Client-side coalescing windows, served to sync agents so the
	// whole deployment shares one tuning.
	FolderDebounce time.Duration
	CursorDebounce time.Duration

	PresenceTTL time.Duration

	JanitorInterval time.Duration
	RoomMaxIdle     time.Duration

	ExecBaseURL string
	ExecAPIKey  string
	ExecAPIHost string
}

func Default() *Config {
	return &Config{
		Port:            "8080",
		DBPath:          "codesathi.db",
		FolderDebounce:  500 * time.Millisecond,
		CursorDebounce:  100 * time.Millisecond,
		PresenceTTL:     5 * time.Second,
		JanitorInterval: 10 * time.Minute,
		RoomMaxIdle:     0, // 0 keeps rooms forever
		ExecBaseURL:     "https://judge0-ce.p.rapidapi.com",
		ExecAPIHost:     "judge0-ce.p.rapidapi.com",
	}
}

// fileConfig mirrors Config with string durations, since YAML has no
// native duration scalar.
type fileConfig struct {
	Port            string `yaml:"port"`
	DBPath          string `yaml:"db_path"`
	FolderDebounce  string `yaml:"folder_debounce"`
	CursorDebounce  string `yaml:"cursor_debounce"`
	PresenceTTL     string `yaml:"presence_ttl"`
	JanitorInterval string `yaml:"janitor_interval"`
	RoomMaxIdle     string `yaml:"room_max_idle"`
	ExecBaseURL     string `yaml:"exec_base_url"`
	ExecAPIKey      string `yaml:"exec_api_key"`
	ExecAPIHost     string `yaml:"exec_api_host"`
}

// Load reads the YAML file at path when it exists, then lets
// environment variables win over both the file and the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config YAML: %w", err)
			}
			if err := fc.apply(cfg); err != nil {
				return nil, err
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.ExecBaseURL != "" {
		cfg.ExecBaseURL = fc.ExecBaseURL
	}
	if fc.ExecAPIKey != "" {
		cfg.ExecAPIKey = fc.ExecAPIKey
	}
	if fc.ExecAPIHost != "" {
		cfg.ExecAPIHost = fc.ExecAPIHost
	}
	for _, f := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{fc.FolderDebounce, &cfg.FolderDebounce, "folder_debounce"},
		{fc.CursorDebounce, &cfg.CursorDebounce, "cursor_debounce"},
		{fc.PresenceTTL, &cfg.PresenceTTL, "presence_ttl"},
		{fc.JanitorInterval, &cfg.JanitorInterval, "janitor_interval"},
		{fc.RoomMaxIdle, &cfg.RoomMaxIdle, "room_max_idle"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", f.key, err)
		}
		*f.dst = d
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.DBPath, "CODESATHI_DB_PATH")
	setDuration(&cfg.FolderDebounce, "CODESATHI_FOLDER_DEBOUNCE")
	setDuration(&cfg.CursorDebounce, "CODESATHI_CURSOR_DEBOUNCE")
	setDuration(&cfg.PresenceTTL, "CODESATHI_PRESENCE_TTL")
	setDuration(&cfg.JanitorInterval, "CODESATHI_JANITOR_INTERVAL")
	setDuration(&cfg.RoomMaxIdle, "CODESATHI_ROOM_MAX_IDLE")
	setString(&cfg.ExecBaseURL, "CODESATHI_EXEC_BASE_URL")
	setString(&cfg.ExecAPIKey, "RAPIDAPI_KEY")
	setString(&cfg.ExecAPIHost, "CODESATHI_EXEC_API_HOST")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	// bare numbers are taken as milliseconds
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: port must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("config: presence_ttl must be positive")
	}
	if c.FolderDebounce < 0 || c.CursorDebounce < 0 {
		return fmt.Errorf("config: debounce windows must not be negative")
	}
	return nil
}
