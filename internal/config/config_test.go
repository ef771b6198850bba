// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// clearEnv unsets every variable Load consults so tests are hermetic.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STANDUPD_CONFIG", "HF_TOKEN", "VOICE_PROMPT", "PORT_API",
		"PORT_MOSHI", "CPU_OFFLOAD", "STANDUPD_PROMPT_PATH", "STANDUPD_HISTORY",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_MissingTokenIsFatal(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("Load() without HF_TOKEN should fail")
	}

	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("error = %T, want *ConfigError", err)
	}
	if cerr.Field != "hf_token" {
		t.Errorf("Field = %q, want hf_token", cerr.Field)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HF_TOKEN", "hf_test_token")
	t.Setenv("VOICE_PROMPT", "NATF2.pt")
	t.Setenv("PORT_API", "9090")
	t.Setenv("PORT_MOSHI", "9998")
	t.Setenv("CPU_OFFLOAD", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HFToken != "hf_test_token" {
		t.Errorf("HFToken = %q", cfg.HFToken)
	}
	if cfg.VoicePrompt != "NATF2.pt" {
		t.Errorf("VoicePrompt = %q", cfg.VoicePrompt)
	}
	if cfg.APIPort != 9090 || cfg.ModelPort != 9998 {
		t.Errorf("ports = %d/%d, want 9090/9998", cfg.APIPort, cfg.ModelPort)
	}
	if !cfg.CPUOffload {
		t.Error("CPUOffload should be true")
	}
}

func TestLoad_TOMLFileThenEnvWins(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
api_port = 7000
model_port = 7998
voice_prompt = "NATM2.pt"
hf_token = "hf_from_file"
max_context_bytes = 1024
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	t.Setenv("STANDUPD_CONFIG", path)
	t.Setenv("VOICE_PROMPT", "NATM1.pt") // env beats file

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIPort != 7000 {
		t.Errorf("APIPort = %d, want 7000 (from file)", cfg.APIPort)
	}
	if cfg.HFToken != "hf_from_file" {
		t.Errorf("HFToken = %q, want hf_from_file", cfg.HFToken)
	}
	if cfg.VoicePrompt != "NATM1.pt" {
		t.Errorf("VoicePrompt = %q, want env override", cfg.VoicePrompt)
	}
	if cfg.MaxContextBytes != 1024 {
		t.Errorf("MaxContextBytes = %d, want 1024", cfg.MaxContextBytes)
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	clearEnv(t)
	t.Setenv("HF_TOKEN", "x")
	t.Setenv("STANDUPD_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))

	if _, err := Load(); err == nil {
		t.Fatal("Load() with missing explicit config file should fail")
	}
}

func TestValidate_PortCollision(t *testing.T) {
	cfg := Default()
	cfg.HFToken = "x"
	cfg.ModelPort = cfg.APIPort

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject identical api/model ports")
	}
}

func TestConfig_Timeouts(t *testing.T) {
	cfg := Default()
	if cfg.StopTimeout().Seconds() != 10 {
		t.Errorf("StopTimeout = %v, want 10s", cfg.StopTimeout())
	}
	if cfg.StartupTimeout().Seconds() != 120 {
		t.Errorf("StartupTimeout = %v, want 120s", cfg.StartupTimeout())
	}
}
