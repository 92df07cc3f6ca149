// Package config handles configuration loading for the mail sync core.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mailwarden/config.yaml, /config/config.yaml,
// /etc/mailwarden/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mailwarden", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/mailwarden/config.yaml")
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

// Config holds all mailwarden configuration.
type Config struct {
	Listen      ListenConfig    `yaml:"listen"`
	DatabasePath string         `yaml:"database_path"`
	AI          AIConfig        `yaml:"ai"`
	Sync        SyncConfig      `yaml:"sync"`
	Accounts    []AccountConfig `yaml:"accounts"`
	LogLevel    string          `yaml:"log_level"`
}

// ListenConfig defines the API server bind settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AIConfig controls classification behavior. Recognized keys mirror the
// external configuration contract. enabled is only reported in the
// startup log; the sync engine classifies new messages whatever its
// value. useDefaultTags/tags/excludeTags assemble the taxonomy; labelPrefix and
// labelColors control how AI tags are mirrored back to the provider.
type AIConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Model          string            `yaml:"model"`
	Endpoint       string            `yaml:"endpoint"`
	Temperature    float64           `yaml:"temperature"`
	UseDefaultTags bool              `yaml:"useDefaultTags"`
	Tags           []TagConfig       `yaml:"tags"`
	ExcludeTags    []string          `yaml:"excludeTags"`
	LabelPrefix    string            `yaml:"labelPrefix"`
	LabelColors    map[string]string `yaml:"labelColors"`
}

// TagConfig is a single taxonomy entry: a tag name plus the description
// given to the classifier prompt.
type TagConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SyncConfig controls the sync engine's per-cycle behavior.
type SyncConfig struct {
	MaxMessagesPerSync int `yaml:"max_messages_per_sync"`
}

// AccountConfig describes one mailbox the sync engine manages.
type AccountConfig struct {
	ID             string       `yaml:"id"`
	Provider       string       `yaml:"provider"` // "gmail" or "imap"
	Email          string       `yaml:"email"`
	CredentialFile string       `yaml:"credential_file"`
	IMAP           *IMAPConfig  `yaml:"imap,omitempty"`
	SMTP           *SMTPConfig  `yaml:"smtp,omitempty"`
	Labels         LabelsConfig `yaml:"labels"`
}

// IMAPConfig holds IMAP-specific connection settings for an account.
type IMAPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	TLS  bool   `yaml:"tls"`
}

// SMTPConfig holds outbound-mail settings for an IMAP account.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TLS         bool   `yaml:"tls"`
	DefaultFrom string `yaml:"default_from"`
}

// LabelsConfig overrides the global AI label prefix/colors per account.
type LabelsConfig struct {
	Prefix string            `yaml:"prefix"`
	Colors map[string]string `yaml:"colors"`
}

// Configured reports whether the account has the minimum fields needed
// to authenticate: an email address and a credential file.
func (a AccountConfig) Configured() bool {
	return a.Email != "" && a.CredentialFile != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${GMAIL_CLIENT_SECRET}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "./data/mailwarden.db"
	}
	if c.AI.Endpoint == "" {
		c.AI.Endpoint = "http://localhost:11434"
	}
	if c.AI.Model == "" {
		c.AI.Model = "qwen3:4b"
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = 0.3
	}
	if c.AI.LabelPrefix == "" {
		c.AI.LabelPrefix = "AI"
	}
	if c.Sync.MaxMessagesPerSync == 0 {
		c.Sync.MaxMessagesPerSync = 100
	}

	for i := range c.Accounts {
		acct := &c.Accounts[i]
		if acct.ID == "" {
			acct.ID = acct.Email
		}
		if acct.Labels.Prefix == "" {
			acct.Labels.Prefix = c.AI.LabelPrefix
		}
		if acct.Labels.Colors == nil {
			acct.Labels.Colors = c.AI.LabelColors
		}
		if acct.IMAP != nil && acct.IMAP.Port == 0 {
			if acct.IMAP.TLS {
				acct.IMAP.Port = 993
			} else {
				acct.IMAP.Port = 143
			}
		}
		if acct.SMTP != nil && acct.SMTP.Port == 0 {
			if acct.SMTP.TLS {
				acct.SMTP.Port = 465
			} else {
				acct.SMTP.Port = 587
			}
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for _, acct := range c.Accounts {
		switch acct.Provider {
		case "gmail", "imap":
		default:
			return fmt.Errorf("account %q: provider must be gmail or imap, got %q", acct.ID, acct.Provider)
		}
		if acct.Email == "" {
			return fmt.Errorf("account %q: email is required", acct.ID)
		}
		if acct.CredentialFile == "" {
			return fmt.Errorf("account %q: credential_file is required", acct.ID)
		}
		if acct.Provider == "imap" && acct.IMAP == nil {
			return fmt.Errorf("account %q: imap provider requires an imap{} block", acct.ID)
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development
// with Ollama. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		AI: AIConfig{
			Enabled:        true,
			Model:          "qwen3:4b",
			UseDefaultTags: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
