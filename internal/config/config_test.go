package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:               8080,
			BindAddress:        "0.0.0.0",
			MaxConcurrentCalls: 100,
			ShutdownTimeout:    30,
		},
		Audio: AudioConfig{
			NativeSampleRate: 8000,
			BufferDuration:   50,
		},
		Session: SessionConfig{
			URL:             "wss://api.example.com/v1/realtime",
			APIKey:          "test-key",
			Model:           "gpt-realtime",
			Voice:           "alloy",
			SampleRate:      24000,
			VADThreshold:    0.5,
			PrefixPadding:   300,
			SilenceDuration: 500,
		},
		Calls: CallsConfig{
			CompletionTimeout: 300,
			AnalysisWait:      10,
			CleanupInterval:   60,
			MaxAge:            3600,
		},
		Analysis: AnalysisConfig{
			Enabled:       true,
			Endpoint:      "https://api.example.com/analyze",
			APIKey:        "test-key",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{
			name:   "valid configuration",
			mutate: func(*Config) {},
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
		},
		{
			name:        "empty bind address",
			mutate:      func(c *Config) { c.Server.BindAddress = "" },
			expectError: true,
		},
		{
			name:        "wrong native sample rate",
			mutate:      func(c *Config) { c.Audio.NativeSampleRate = 16000 },
			expectError: true,
		},
		{
			name:        "buffer duration too small",
			mutate:      func(c *Config) { c.Audio.BufferDuration = 5 },
			expectError: true,
		},
		{
			name:        "empty session url",
			mutate:      func(c *Config) { c.Session.URL = "" },
			expectError: true,
		},
		{
			name:        "unsupported session sample rate",
			mutate:      func(c *Config) { c.Session.SampleRate = 44100 },
			expectError: true,
		},
		{
			name:        "vad threshold out of range",
			mutate:      func(c *Config) { c.Session.VADThreshold = 1.5 },
			expectError: true,
		},
		{
			name:        "zero completion timeout",
			mutate:      func(c *Config) { c.Calls.CompletionTimeout = 0 },
			expectError: true,
		},
		{
			name:        "max age below cleanup interval",
			mutate:      func(c *Config) { c.Calls.MaxAge = 30 },
			expectError: true,
		},
		{
			name:        "analysis enabled without endpoint",
			mutate:      func(c *Config) { c.Analysis.Endpoint = "" },
			expectError: true,
		},
		{
			name: "analysis disabled skips validation",
			mutate: func(c *Config) {
				c.Analysis = AnalysisConfig{Enabled: false}
			},
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "verbose" },
			expectError: true,
		},
		{
			name:        "invalid log format",
			mutate:      func(c *Config) { c.Logging.Format = "xml" },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.expectError && err == nil {
				t.Error("expected validation error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  port: 9090
  bind_address: "127.0.0.1"
  max_concurrent_calls: 50
  shutdown_timeout: 15
audio:
  native_sample_rate: 8000
  buffer_duration: 50
session:
  url: "wss://api.example.com/v1/realtime"
  api_key: "file-key"
  model: "gpt-realtime"
  voice: "alloy"
  sample_rate: 24000
  vad_threshold: 0.5
  prefix_padding: 300
  silence_duration: 500
calls:
  completion_timeout: 300
  analysis_wait: 10
  cleanup_interval: 60
  max_age: 3600
analysis:
  enabled: false
logging:
  level: "debug"
  format: "text"
  output: "stderr"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Session.APIKey != "file-key" {
		t.Errorf("api key = %q", cfg.Session.APIKey)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadAPIKeyFromEnvironment(t *testing.T) {
	content := `
server:
  port: 8080
  bind_address: "0.0.0.0"
  max_concurrent_calls: 100
  shutdown_timeout: 30
audio:
  native_sample_rate: 8000
  buffer_duration: 50
session:
  url: "wss://api.example.com/v1/realtime"
  sample_rate: 24000
calls:
  completion_timeout: 300
  cleanup_interval: 60
  max_age: 3600
analysis:
  enabled: false
logging:
  level: "info"
  format: "json"
  output: "stdout"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("OPENAI_API_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.APIKey != "env-key" {
		t.Errorf("api key = %q, want env-key", cfg.Session.APIKey)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()

	if got := cfg.Audio.GetBufferDuration(); got != 50*time.Millisecond {
		t.Errorf("buffer duration = %v", got)
	}
	if got := cfg.Audio.BufferThresholdBytes(); got != 400 {
		t.Errorf("buffer threshold = %d bytes, want 400", got)
	}
	if got := cfg.Server.GetShutdownTimeout(); got != 30*time.Second {
		t.Errorf("shutdown timeout = %v", got)
	}
	if got := cfg.Calls.GetCompletionTimeout(); got != 5*time.Minute {
		t.Errorf("completion timeout = %v", got)
	}
	if got := cfg.Analysis.GetTimeoutDuration(); got != 30*time.Second {
		t.Errorf("analysis timeout = %v", got)
	}
}
