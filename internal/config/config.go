package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Session  SessionConfig  `yaml:"session"`
	Calls    CallsConfig    `yaml:"calls"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP/websocket server configuration
type ServerConfig struct {
	Port               int    `yaml:"port"`
	BindAddress        string `yaml:"bind_address"`
	MaxConcurrentCalls int    `yaml:"max_concurrent_calls"`
	ShutdownTimeout    int    `yaml:"shutdown_timeout"` // seconds
}

// AudioConfig contains audio bridging parameters
type AudioConfig struct {
	NativeSampleRate int `yaml:"native_sample_rate"` // telephony side, Hz
	BufferDuration   int `yaml:"buffer_duration"`    // milliseconds of audio per flush threshold
}

// SessionConfig contains conversational session configuration
type SessionConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	SampleRate   int    `yaml:"sample_rate"` // Hz

	VADThreshold    float64 `yaml:"vad_threshold"`
	PrefixPadding   int     `yaml:"prefix_padding"`   // milliseconds
	SilenceDuration int     `yaml:"silence_duration"` // milliseconds
}

// CallsConfig contains call lifecycle configuration
type CallsConfig struct {
	CompletionTimeout int `yaml:"completion_timeout"` // seconds
	AnalysisWait      int `yaml:"analysis_wait"`      // seconds
	CleanupInterval   int `yaml:"cleanup_interval"`   // seconds
	MaxAge            int `yaml:"max_age"`            // seconds, terminal calls only
}

// AnalysisConfig contains transcript analysis API configuration
type AnalysisConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	Model         string `yaml:"model"`
	Prompt        string `yaml:"prompt"`
	Enabled       bool   `yaml:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. API keys may be left out of
// the file and provided through OPENAI_API_KEY / ANALYSIS_API_KEY instead.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if config.Session.APIKey == "" {
		config.Session.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.Analysis.APIKey == "" {
		config.Analysis.APIKey = os.Getenv("ANALYSIS_API_KEY")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Calls.Validate(); err != nil {
		return fmt.Errorf("calls config: %w", err)
	}

	if err := c.Analysis.Validate(); err != nil {
		return fmt.Errorf("analysis config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.MaxConcurrentCalls < 1 {
		return fmt.Errorf("max_concurrent_calls must be at least 1, got %d", s.MaxConcurrentCalls)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.NativeSampleRate != 8000 {
		return fmt.Errorf("native_sample_rate must be 8000 Hz for the telephony media stream, got %d", a.NativeSampleRate)
	}

	if a.BufferDuration < 10 || a.BufferDuration > 1000 {
		return fmt.Errorf("buffer_duration must be between 10 and 1000 ms, got %d", a.BufferDuration)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the config file or OPENAI_API_KEY)")
	}

	if s.SampleRate != 8000 && s.SampleRate != 16000 && s.SampleRate != 24000 {
		return fmt.Errorf("sample_rate must be 8000, 16000 or 24000 Hz, got %d", s.SampleRate)
	}

	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		return fmt.Errorf("vad_threshold must be between 0 and 1, got %f", s.VADThreshold)
	}

	if s.PrefixPadding < 0 {
		return fmt.Errorf("prefix_padding cannot be negative, got %d", s.PrefixPadding)
	}

	if s.SilenceDuration < 0 {
		return fmt.Errorf("silence_duration cannot be negative, got %d", s.SilenceDuration)
	}

	return nil
}

// Validate validates call lifecycle configuration
func (c *CallsConfig) Validate() error {
	if c.CompletionTimeout < 1 {
		return fmt.Errorf("completion_timeout must be at least 1 second, got %d", c.CompletionTimeout)
	}

	if c.AnalysisWait < 0 {
		return fmt.Errorf("analysis_wait cannot be negative, got %d", c.AnalysisWait)
	}

	if c.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", c.CleanupInterval)
	}

	if c.MaxAge < c.CleanupInterval {
		return fmt.Errorf("max_age (%d) must be at least cleanup_interval (%d)", c.MaxAge, c.CleanupInterval)
	}

	return nil
}

// Validate validates analysis configuration
func (a *AnalysisConfig) Validate() error {
	if !a.Enabled {
		return nil
	}

	if a.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when analysis is enabled")
	}

	if a.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", a.Timeout)
	}

	if a.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", a.MaxRetries)
	}

	if a.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", a.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// BufferThresholdBytes returns the flush threshold in companded bytes at the
// native rate (one byte per sample).
func (a *AudioConfig) BufferThresholdBytes() int {
	return a.NativeSampleRate * a.BufferDuration / 1000
}

// GetBufferDuration returns the buffer duration as a time.Duration
func (a *AudioConfig) GetBufferDuration() time.Duration {
	return time.Duration(a.BufferDuration) * time.Millisecond
}

// GetShutdownTimeout returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// GetCompletionTimeout returns the completion timeout as a time.Duration
func (c *CallsConfig) GetCompletionTimeout() time.Duration {
	return time.Duration(c.CompletionTimeout) * time.Second
}

// GetAnalysisWait returns the analysis wait ceiling as a time.Duration
func (c *CallsConfig) GetAnalysisWait() time.Duration {
	return time.Duration(c.AnalysisWait) * time.Second
}

// GetCleanupInterval returns the cleanup interval as a time.Duration
func (c *CallsConfig) GetCleanupInterval() time.Duration {
	return time.Duration(c.CleanupInterval) * time.Second
}

// GetMaxAge returns the terminal call retention as a time.Duration
func (c *CallsConfig) GetMaxAge() time.Duration {
	return time.Duration(c.MaxAge) * time.Second
}

// GetTimeoutDuration returns the analysis timeout as a time.Duration
func (a *AnalysisConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}
