// Package config loads and persists the application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/codefionn/agentloop/internal/secrets"
)

// ProviderConfig holds the model selection and credentials for one backend.
type ProviderConfig struct {
	APIKey         string   `json:"api_key,omitempty"`
	Model          string   `json:"model"`
	FallbackModels []string `json:"fallback_models,omitempty"`
}

// RetryConfig tunes the send retry loop.
type RetryConfig struct {
	MaxAttempts         int `json:"max_attempts"`
	InitialDelaySeconds int `json:"initial_delay_seconds"`
	MaxDelaySeconds     int `json:"max_delay_seconds"`
}

// LoopDetectionConfig tunes when repeated model behavior aborts a turn.
type LoopDetectionConfig struct {
	ToolRepeatThreshold    int `json:"tool_repeat_threshold"`
	ContentRepeatThreshold int `json:"content_repeat_threshold"`
}

// ToolsConfig holds settings for the built-in tools.
type ToolsConfig struct {
	WorkingDir          string `json:"working_dir"`
	ShellTimeoutSeconds int    `json:"shell_timeout_seconds"`
	CacheTTLSeconds     int    `json:"cache_ttl_seconds"`
	MaxCacheEntries     int    `json:"max_cache_entries"`
}

// MCPServerConfig describes a user-defined MCP server.
type MCPServerConfig struct {
	Type     string   `json:"type"` // stdio (default), sse or http
	Command  string   `json:"command,omitempty"`
	Args     []string `json:"args,omitempty"`
	Env      []string `json:"env,omitempty"`
	URL      string   `json:"url,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
}

// SecretsSettings keeps track of password-protection state.
type SecretsSettings struct {
	PasswordSet bool   `json:"password_set,omitempty"`
	Verifier    string `json:"verifier,omitempty"`
}

// Config represents application configuration.
type Config struct {
	Provider      string                      `json:"provider"` // gemini, anthropic or openai
	Providers     map[string]*ProviderConfig  `json:"providers"`
	Retry         RetryConfig                 `json:"retry"`
	LoopDetection LoopDetectionConfig         `json:"loop_detection"`
	MaxTurns      int                         `json:"max_turns"`
	Tools         ToolsConfig                 `json:"tools"`
	MCPServers    map[string]*MCPServerConfig `json:"mcp_servers,omitempty"`
	LogLevel      string                      `json:"log_level"` // debug, info, warn, error, none
	LogPath       string                      `json:"log_path,omitempty"`
	SessionDBPath string                      `json:"session_db_path,omitempty"`
	Secrets       SecretsSettings             `json:"secrets,omitempty"`

	secretsPassword string
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "agentloop")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "agentloop")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "agentloop")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "agentloop")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "agentloop")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "agentloop")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "agentloop")
	}
}

// GetConfigPath returns the default config path.
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		Provider: "gemini",
		Providers: map[string]*ProviderConfig{
			"gemini": {
				Model:          "gemini-2.5-pro",
				FallbackModels: []string{"gemini-2.5-flash"},
			},
			"anthropic": {
				Model: "claude-3-5-sonnet-20241022",
			},
			"openai": {
				Model: "gpt-4.1",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:         5,
			InitialDelaySeconds: 5,
			MaxDelaySeconds:     30,
		},
		LoopDetection: LoopDetectionConfig{
			ToolRepeatThreshold:    5,
			ContentRepeatThreshold: 10,
		},
		MaxTurns: 100,
		Tools: ToolsConfig{
			WorkingDir:          ".",
			ShellTimeoutSeconds: 30,
			CacheTTLSeconds:     300,
			MaxCacheEntries:     100,
		},
		MCPServers:    make(map[string]*MCPServerConfig),
		LogLevel:      "info",
		LogPath:       filepath.Join(stateDir, "agentloop.log"),
		SessionDBPath: filepath.Join(stateDir, "sessions.db"),
	}
}

// Load loads configuration from file, merging it over the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Critical fields keep their defaults when the file leaves them empty.
	if config.Provider == "" {
		config.Provider = "gemini"
	}
	if config.Providers == nil {
		config.Providers = DefaultConfig().Providers
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry.MaxAttempts = 5
	}
	if config.LoopDetection.ToolRepeatThreshold <= 0 {
		config.LoopDetection.ToolRepeatThreshold = 5
	}
	if config.LoopDetection.ContentRepeatThreshold <= 0 {
		config.LoopDetection.ContentRepeatThreshold = 10
	}
	if config.MaxTurns <= 0 {
		config.MaxTurns = 100
	}
	if config.Tools.WorkingDir == "" {
		config.Tools.WorkingDir = "."
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogPath == "" {
		config.LogPath = filepath.Join(defaultStateDir(), "agentloop.log")
	}
	if config.SessionDBPath == "" {
		config.SessionDBPath = filepath.Join(defaultStateDir(), "sessions.db")
	}
	if config.MCPServers == nil {
		config.MCPServers = make(map[string]*MCPServerConfig)
	}

	return config, nil
}

// Save saves configuration to file, encrypting API keys when a secrets
// password is active.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := c.marshalWithEncryptedSecrets()
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// ActiveProvider returns the configuration for the selected provider.
func (c *Config) ActiveProvider() (*ProviderConfig, error) {
	provider, ok := c.Providers[c.Provider]
	if !ok || provider == nil {
		return nil, fmt.Errorf("no configuration for provider %q", c.Provider)
	}
	return provider, nil
}

// HasEncryptedFields reports whether any persisted field still carries an
// encrypted payload.
func (c *Config) HasEncryptedFields() bool {
	for _, provider := range c.Providers {
		if provider != nil && secrets.IsEncrypted(provider.APIKey) {
			return true
		}
	}
	return false
}

// ApplySecretsPassword records the active password and decrypts any
// encrypted fields.
func (c *Config) ApplySecretsPassword(password string) error {
	if err := c.verifyPassword(password); err != nil {
		return err
	}

	for _, name := range c.providersInOrder() {
		provider := c.Providers[name]
		if provider == nil {
			continue
		}
		if err := decryptField(&provider.APIKey, password); err != nil {
			return fmt.Errorf("decrypt %s api key: %w", name, err)
		}
	}
	c.secretsPassword = password
	return nil
}

// SecretsPassword returns the active secrets password.
func (c *Config) SecretsPassword() string {
	return c.secretsPassword
}

// UpdateSecretsPassword switches the runtime password and updates the
// persisted flags.
func (c *Config) UpdateSecretsPassword(password string) error {
	c.Secrets.PasswordSet = password != ""
	c.Secrets.Verifier = ""
	return c.ApplySecretsPassword(password)
}

func (c *Config) marshalWithEncryptedSecrets() ([]byte, error) {
	copyCfg := *c
	copyCfg.Providers = make(map[string]*ProviderConfig, len(c.Providers))

	for name, provider := range c.Providers {
		if provider == nil {
			copyCfg.Providers[name] = nil
			continue
		}
		providerCopy := *provider
		if len(provider.FallbackModels) > 0 {
			providerCopy.FallbackModels = append([]string{}, provider.FallbackModels...)
		}
		if c.secretsPassword != "" {
			encrypted, err := encryptField(providerCopy.APIKey, c.secretsPassword)
			if err != nil {
				return nil, fmt.Errorf("encrypt %s api key: %w", name, err)
			}
			providerCopy.APIKey = encrypted
		}
		copyCfg.Providers[name] = &providerCopy
	}

	if copyCfg.Secrets.PasswordSet && c.secretsPassword != "" {
		verifier, err := encryptField("agentloop", c.secretsPassword)
		if err != nil {
			return nil, err
		}
		copyCfg.Secrets.Verifier = verifier
	} else {
		copyCfg.Secrets.Verifier = ""
	}

	return json.MarshalIndent(&copyCfg, "", "  ")
}

func (c *Config) providersInOrder() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func encryptField(value, password string) (string, error) {
	if value == "" || secrets.IsEncrypted(value) {
		return value, nil
	}
	return secrets.EncryptString(value, password)
}

func decryptField(value *string, password string) error {
	if value == nil || *value == "" {
		return nil
	}
	plain, encrypted, err := secrets.DecryptString(*value, password)
	if err != nil && encrypted {
		return err
	}
	if encrypted && err == nil {
		*value = plain
	}
	return nil
}

func (c *Config) verifyPassword(password string) error {
	if !c.Secrets.PasswordSet || c.Secrets.Verifier == "" {
		return nil
	}
	_, _, err := secrets.DecryptString(c.Secrets.Verifier, password)
	return err
}
