// Package config provides unified configuration for the Perch daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration.
type Config struct {
	// DataDir is the base directory for the store, spill files, and logs.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Buffer configuration
	Buffer BufferConfig `json:"buffer" yaml:"buffer"`

	// Daemon loop configuration
	Daemon DaemonConfig `json:"daemon" yaml:"daemon"`

	// Collectors configuration
	Collectors CollectorsConfig `json:"collectors" yaml:"collectors"`
}

// BufferConfig holds event buffer configuration.
type BufferConfig struct {
	// MaxSize is the queue length that triggers an in-line flush.
	MaxSize int `json:"max_size" yaml:"max_size"`

	// FlushInterval is the period of the orchestrator's flush loop.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// SpillDir is the dead-letter directory for failed batches.
	SpillDir string `json:"spill_dir" yaml:"spill_dir"`
}

// DaemonConfig holds orchestrator configuration.
type DaemonConfig struct {
	// HeartbeatInterval is the period between heartbeat health entries.
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	// StopTimeout is the bounded wait for a collector to finish its
	// in-flight collect call during shutdown.
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
}

// CollectorsConfig holds per-collector configuration.
type CollectorsConfig struct {
	Shell      ShellConfig      `json:"shell" yaml:"shell"`
	Transcript TranscriptConfig `json:"transcript" yaml:"transcript"`
	Network    NetworkConfig    `json:"network" yaml:"network"`
	Messages   MessagesConfig   `json:"messages" yaml:"messages"`
}

// ShellConfig configures the shell-history collector.
type ShellConfig struct {
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	HistoryPath string        `json:"history_path" yaml:"history_path"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
}

// TranscriptConfig configures the transcript collector.
type TranscriptConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	ProjectDir string        `json:"project_dir" yaml:"project_dir"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
	PreviewLen int           `json:"preview_len" yaml:"preview_len"`
}

// NetworkConfig configures the network-connection collector.
type NetworkConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Command is the connection-table command and its arguments.
	Command []string `json:"command" yaml:"command"`

	Interval    time.Duration `json:"interval" yaml:"interval"`
	ExecTimeout time.Duration `json:"exec_timeout" yaml:"exec_timeout"`
}

// MessagesConfig configures the message-archive collector.
type MessagesConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ArchivePath is the chat-archive SQLite file to read.
	ArchivePath string        `json:"archive_path" yaml:"archive_path"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
	PreviewLen  int           `json:"preview_len" yaml:"preview_len"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: "./data/perch",
		Buffer: BufferConfig{
			MaxSize:       500,
			FlushInterval: 5 * time.Second,
			SpillDir:      "",
		},
		Daemon: DaemonConfig{
			HeartbeatInterval: 60 * time.Second,
			StopTimeout:       10 * time.Second,
		},
		Collectors: CollectorsConfig{
			Shell: ShellConfig{
				Enabled:     true,
				HistoryPath: filepath.Join(home, ".zsh_history"),
				Interval:    10 * time.Second,
			},
			Transcript: TranscriptConfig{
				Enabled:    true,
				ProjectDir: filepath.Join(home, ".claude", "projects"),
				Interval:   15 * time.Second,
				PreviewLen: 500,
			},
			Network: NetworkConfig{
				Enabled:     true,
				Command:     []string{"lsof", "-i", "-P", "-n"},
				Interval:    60 * time.Second,
				ExecTimeout: 5 * time.Second,
			},
			Messages: MessagesConfig{
				Enabled:     false,
				ArchivePath: "",
				Interval:    15 * time.Second,
				PreviewLen:  200,
			},
		},
	}
}

// Resolve fills in paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/perch"
	}
	if c.Buffer.SpillDir == "" {
		c.Buffer.SpillDir = filepath.Join(c.DataDir, "spill")
	}
}

// StorePath returns the path to the event store database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "perch.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Buffer.MaxSize <= 0 {
		return fmt.Errorf("buffer.max_size must be positive, got %d", c.Buffer.MaxSize)
	}
	if c.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("buffer.flush_interval must be positive, got %v", c.Buffer.FlushInterval)
	}
	if c.Daemon.StopTimeout <= 0 {
		return fmt.Errorf("daemon.stop_timeout must be positive, got %v", c.Daemon.StopTimeout)
	}
	if c.Collectors.Network.Enabled && len(c.Collectors.Network.Command) == 0 {
		return fmt.Errorf("collectors.network.command is required when the network collector is enabled")
	}
	if c.Collectors.Messages.Enabled && c.Collectors.Messages.ArchivePath == "" {
		return fmt.Errorf("collectors.messages.archive_path is required when the messages collector is enabled")
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.Buffer.SpillDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides.
// Environment variables use the PERCH_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PERCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PERCH_BUFFER_MAX_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Buffer.MaxSize)
	}
	if v := os.Getenv("PERCH_BUFFER_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buffer.FlushInterval = d
		}
	}
	if v := os.Getenv("PERCH_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Daemon.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("PERCH_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Daemon.StopTimeout = d
		}
	}
	if v := os.Getenv("PERCH_SHELL_HISTORY"); v != "" {
		cfg.Collectors.Shell.HistoryPath = v
	}
	if v := os.Getenv("PERCH_TRANSCRIPT_DIR"); v != "" {
		cfg.Collectors.Transcript.ProjectDir = v
	}
	if v := os.Getenv("PERCH_MESSAGES_ARCHIVE"); v != "" {
		cfg.Collectors.Messages.ArchivePath = v
		cfg.Collectors.Messages.Enabled = true
	}
}
