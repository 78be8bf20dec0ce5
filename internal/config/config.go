// Package config handles Vesper configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./vesper.yaml, ~/.config/vesper/vesper.yaml, /etc/vesper/vesper.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"vesper.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vesper", "vesper.yaml"))
	}

	paths = append(paths, "/etc/vesper/vesper.yaml")
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

// Config holds all Vesper configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	LLM        LLMConfig        `yaml:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Agent      AgentConfig      `yaml:"agent"`
	Windowing  WindowingConfig  `yaml:"windowing"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the chat-completion provider settings. BaseURL may
// point at any OpenAI-compatible endpoint (hosted API, a local Ollama
// /v1 surface, vLLM, etc.).
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"` // Ollama URL (e.g., http://localhost:11434)
	Model      string `yaml:"model"`    // Embedding model name (e.g., nomic-embed-text)
	Dimensions int    `yaml:"dimensions"`
}

// AgentConfig defines orchestrator loop settings.
type AgentConfig struct {
	// MaxToolIterations bounds the tool-call loop within one turn.
	// When the model keeps requesting tools past this limit the turn
	// fails with an explicit error instead of looping forever.
	MaxToolIterations int `yaml:"max_tool_iterations"`
	// ExtractionModel optionally overrides the chat model for fact
	// extraction (a smaller model is usually sufficient).
	ExtractionModel string `yaml:"extraction_model"`
}

// WindowingConfig defines the connection to the external window manager.
type WindowingConfig struct {
	URL string `yaml:"url"` // websocket endpoint, e.g. ws://localhost:7420/ipc
}

// SandboxConfig defines the connection to the code-execution sandbox.
type SandboxConfig struct {
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
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
		Listen: ListenConfig{Port: 8080},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "qwen3:4b",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Embeddings: EmbeddingsConfig{
			Enabled:    true,
			BaseURL:    "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
		},
		Agent: AgentConfig{
			MaxToolIterations: 8,
		},
		Sandbox: SandboxConfig{TimeoutSec: 30},
		DataDir: "data",
	}
}
