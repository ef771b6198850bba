// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for standupd.
//
// Resolution order (later wins):
//   - Built-in defaults
//   - TOML config file (STANDUPD_CONFIG, else /etc/standupd/config.toml)
//   - Environment variable overrides
//
// The resulting Config is read-only for the life of the process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is consulted when STANDUPD_CONFIG is not set.
const DefaultConfigPath = "/etc/standupd/config.toml"

// =============================================================================
// ERRORS
// =============================================================================

// ConfigError reports an invalid or missing configuration value. It is fatal
// at process startup; no request serving begins.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// =============================================================================
// CONFIG STRUCTURE
// =============================================================================

// Config is the complete standupd configuration.
type Config struct {
	// APIPort is the control API bind port.
	APIPort int `toml:"api_port"`
	// ModelPort is the port the moshi process binds its WebSocket to.
	ModelPort int `toml:"model_port"`
	// VoicePrompt selects the voice-embedding asset passed to moshi.
	VoicePrompt string `toml:"voice_prompt"`
	// CPUOffload enables moshi's reduced-memory execution mode.
	CPUOffload bool `toml:"cpu_offload"`
	// HFToken is the Hugging Face credential moshi needs to download its
	// model weights. Required; startup fails without it.
	HFToken string `toml:"hf_token"`

	// ModelCommand is the argv prefix used to launch the model process.
	ModelCommand []string `toml:"model_command"`
	// PromptPath is where the rendered text prompt is persisted for moshi.
	PromptPath string `toml:"prompt_path"`
	// SSLDir is handed to moshi for its self-signed certs. Empty means a
	// scratch directory is created at first start.
	SSLDir string `toml:"ssl_dir"`

	// MaxContextBytes bounds the injected markdown (and therefore the
	// rendered prompt).
	MaxContextBytes int `toml:"max_context_bytes"`
	// StartupTimeoutSecs bounds the wait for moshi's port after launch.
	StartupTimeoutSecs int `toml:"startup_timeout_secs"`
	// StopTimeoutSecs bounds the graceful-stop wait before SIGKILL.
	StopTimeoutSecs int `toml:"stop_timeout_secs"`

	// HistoryPath is the SQLite file for the submission/restart audit log.
	// Empty disables history.
	HistoryPath string `toml:"history_path"`
	// RateLimitPerMinute caps control API requests per client IP.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// Default returns the built-in defaults. Ports, voice and prompt path match
// the standard PersonaPlex pod image.
func Default() *Config {
	return &Config{
		APIPort:            8080,
		ModelPort:          8998,
		VoicePrompt:        "NATM1.pt",
		CPUOffload:         false,
		ModelCommand:       []string{"python", "-m", "moshi.server"},
		PromptPath:         "/app/context/current_prompt.txt",
		MaxContextBytes:    64 * 1024,
		StartupTimeoutSecs: 120,
		StopTimeoutSecs:    10,
		HistoryPath:        "/app/context/standupd.db",
		RateLimitPerMinute: 120,
	}
}

// StartupTimeout returns StartupTimeoutSecs as a duration.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSecs) * time.Second
}

// StopTimeout returns StopTimeoutSecs as a duration.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSecs) * time.Second
}

// =============================================================================
// LOADING
// =============================================================================

// Load resolves the effective configuration: defaults, then the TOML file if
// one exists, then environment overrides, then validation.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("STANDUPD_CONFIG")
	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, &ConfigError{Field: "file", Message: fmt.Sprintf("parse %s: %v", path, err)}
		}
	} else if explicit {
		return nil, &ConfigError{Field: "file", Message: fmt.Sprintf("STANDUPD_CONFIG=%s: %v", path, err)}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
//
// Recognized variables:
//   - HF_TOKEN: Hugging Face credential (required)
//   - VOICE_PROMPT: voice-embedding asset name
//   - PORT_API: control API port
//   - PORT_MOSHI: model process port
//   - CPU_OFFLOAD: "1"/"true" enables reduced-memory mode
//   - STANDUPD_PROMPT_PATH: rendered prompt location
//   - STANDUPD_HISTORY: audit log SQLite path ("" disables)
func (c *Config) ApplyEnvOverrides() {
	if token := os.Getenv("HF_TOKEN"); token != "" {
		c.HFToken = token
	}

	if voice := os.Getenv("VOICE_PROMPT"); voice != "" {
		c.VoicePrompt = voice
	}

	if port := os.Getenv("PORT_API"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.APIPort = n
		}
	}

	if port := os.Getenv("PORT_MOSHI"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.ModelPort = n
		}
	}

	if offload := os.Getenv("CPU_OFFLOAD"); offload != "" {
		c.CPUOffload = offload == "1" || strings.EqualFold(offload, "true")
	}

	if path := os.Getenv("STANDUPD_PROMPT_PATH"); path != "" {
		c.PromptPath = path
	}

	if path, ok := os.LookupEnv("STANDUPD_HISTORY"); ok {
		c.HistoryPath = path
	}
}

// Validate checks the resolved configuration. A missing HF token is fatal:
// moshi cannot download its weights without it.
func (c *Config) Validate() error {
	if c.HFToken == "" {
		return &ConfigError{Field: "hf_token", Message: "HF_TOKEN is required (moshi model download credential)"}
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return &ConfigError{Field: "api_port", Message: fmt.Sprintf("invalid port %d", c.APIPort)}
	}
	if c.ModelPort <= 0 || c.ModelPort > 65535 {
		return &ConfigError{Field: "model_port", Message: fmt.Sprintf("invalid port %d", c.ModelPort)}
	}
	if c.APIPort == c.ModelPort {
		return &ConfigError{Field: "model_port", Message: "api_port and model_port must differ"}
	}
	if len(c.ModelCommand) == 0 {
		return &ConfigError{Field: "model_command", Message: "must not be empty"}
	}
	if c.MaxContextBytes <= 0 {
		return &ConfigError{Field: "max_context_bytes", Message: "must be positive"}
	}
	if c.StartupTimeoutSecs <= 0 || c.StopTimeoutSecs <= 0 {
		return &ConfigError{Field: "timeouts", Message: "startup and stop timeouts must be positive"}
	}
	return nil
}
