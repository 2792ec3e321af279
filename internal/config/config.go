// Package config handles Atrium configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/atrium/config.yaml, /etc/atrium/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "atrium", "config.yaml"))
	}

	paths = append(paths, "/etc/atrium/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Atrium configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Models       ModelsConfig       `yaml:"models"`
	Anthropic    AnthropicConfig    `yaml:"anthropic"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	MCP          MCPConfig          `yaml:"mcp"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Archive      ArchiveConfig      `yaml:"archive"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string `yaml:"default"`
	OllamaURL string `yaml:"ollama_url"`
	// StreamTimeoutSec bounds how long a provider may go without
	// producing response headers on a streaming request.
	StreamTimeoutSec int           `yaml:"stream_timeout_sec"`
	Available        []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, anthropic
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// RetrievalConfig defines the external retrieval collaborator boundary.
// The service is expected to answer POST {url}/search with scored
// document chunks; Atrium never talks to the vector index directly.
type RetrievalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	TopK       int    `yaml:"top_k"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// MCPConfig defines the per-session Revit MCP connector subsystem.
// URL/Transport describe a remote endpoint; Main/Command/Args describe
// a stdio subprocess. When both are present, the remote endpoint wins.
// Any of these may be overridden by REVIT_MCP_* environment variables
// (see ApplyEnv). The resulting descriptor seeds new sessions; each
// session can still be rebound at runtime through the API.
type MCPConfig struct {
	Enabled   bool     `yaml:"enabled"`
	URL       string   `yaml:"url"`
	Transport string   `yaml:"transport"`
	Main      string   `yaml:"main"`    // stdio launch target (server entry point)
	Command   string   `yaml:"command"` // custom launch command override
	Args      []string `yaml:"args"`

	ConnectTimeoutSec int `yaml:"connect_timeout_sec"`
	InvokeTimeoutSec  int `yaml:"invoke_timeout_sec"`
	ProbeTimeoutSec   int `yaml:"probe_timeout_sec"`
}

// OrchestratorConfig bounds the per-turn generation/tool loop.
type OrchestratorConfig struct {
	// MaxToolDepth is the maximum number of tool-invocation rounds in a
	// single turn before the loop is stopped with an error event.
	MaxToolDepth int    `yaml:"max_tool_depth"`
	SystemPrompt string `yaml:"system_prompt"`
}

// SessionsConfig defines chat session housekeeping.
type SessionsConfig struct {
	// IdleTimeoutMin evicts sessions with no activity for this many
	// minutes. Zero disables the sweep.
	IdleTimeoutMin int `yaml:"idle_timeout_min"`
	// MaxMessages caps in-memory history per session (oldest trimmed).
	MaxMessages int `yaml:"max_messages"`
}

// ArchiveConfig defines the transcript archive database.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite file; defaults under data_dir
}

// MQTTConfig defines optional ops telemetry publishing.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. mqtt://broker:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPrefix        string `yaml:"topic_prefix"`
	InstanceName       string `yaml:"instance_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file body (${VAR} syntax) are expanded before parsing. Defaults
// are applied first, so a partial file is fine.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		LogLevel: "info",
		Models: ModelsConfig{
			Default:          "qwen3:4b",
			OllamaURL:        "http://localhost:11434",
			StreamTimeoutSec: 120,
			Available: []ModelConfig{
				{
					Name:          "qwen3:4b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 4096,
				},
			},
		},
		Retrieval: RetrievalConfig{
			TopK:       5,
			TimeoutSec: 15,
		},
		MCP: MCPConfig{
			Enabled:           true,
			ConnectTimeoutSec: 15,
			InvokeTimeoutSec:  10,
			ProbeTimeoutSec:   5,
		},
		Orchestrator: OrchestratorConfig{
			MaxToolDepth: 8,
		},
		Sessions: SessionsConfig{
			IdleTimeoutMin: 120,
			MaxMessages:    200,
		},
		Archive: ArchiveConfig{
			Enabled: true,
		},
		MQTT: MQTTConfig{
			TopicPrefix:        "atrium",
			PublishIntervalSec: 60,
		},
		DataDir: "data",
	}
}
