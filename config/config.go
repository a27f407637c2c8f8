// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/text/language"

	"github.com/voicelink-app/voicelink/internal/types"
)

const (
	appName        = "voicelink"
	configFileName = "config.json"
)

// Voices the backend currently offers. An empty voice falls back to the
// first entry.
var Voices = []string{"alloy", "echo", "shimmer", "nova", "verse"}

// DefaultInstructions is the tutoring system prompt sent at negotiation.
const DefaultInstructions = "You are a patient, encouraging tutor. Explain " +
	"step by step, check understanding before moving on, and keep answers " +
	"focused on the student's question."

// Config represents the application configuration.
type Config struct {
	// RelayURL is the WebSocket relay endpoint. Empty means connect to
	// the backend directly using APIKey.
	RelayURL string `json:"relay_url,omitempty"`
	APIKey   string `json:"api_key,omitempty"`

	Voice        string             `json:"voice,omitempty"`
	Mode         types.ResponseMode `json:"mode,omitempty"`
	Instructions string             `json:"instructions,omitempty"`
	Temperature  float64            `json:"temperature,omitempty"`
	MaxTokens    int                `json:"max_tokens,omitempty"`

	// Language is a BCP 47 tag for the student's spoken language, used to
	// bias transcription. Validated on load and save.
	Language string `json:"language,omitempty"`

	TranscriptionModel string `json:"transcription_model,omitempty"`

	// HistoryDir overrides where conversation history is stored. Empty
	// uses a directory next to the config file.
	HistoryDir string `json:"history_dir,omitempty"`
}

// Load loads configuration from the config file.
// Returns default config if file doesn't exist.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, fmt.Errorf("get config path: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save persists the configuration to disk.
func (c *Config) Save() error {
	if err := c.validate(); err != nil {
		return err
	}

	path, err := configPath()
	if err != nil {
		return fmt.Errorf("get config path: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// SetVoice validates and persists a voice selection.
func (c *Config) SetVoice(voice string) error {
	if !slices.Contains(Voices, voice) {
		return fmt.Errorf("unknown voice: %s", voice)
	}
	c.Voice = voice
	return c.Save()
}

// SetMode persists a response mode selection.
func (c *Config) SetMode(mode types.ResponseMode) error {
	if mode != types.ModeVoice && mode != types.ModeSignText {
		return fmt.Errorf("unknown response mode: %s", mode)
	}
	c.Mode = mode
	return c.Save()
}

// SetLanguage validates a BCP 47 tag and persists it in canonical form.
func (c *Config) SetLanguage(tag string) error {
	parsed, err := language.Parse(tag)
	if err != nil {
		return fmt.Errorf("invalid language tag %q: %w", tag, err)
	}
	c.Language = parsed.String()
	return c.Save()
}

// HistoryPath returns the directory for conversation history, creating no
// directories itself.
func (c *Config) HistoryPath() (string, error) {
	if c.HistoryDir != "" {
		return c.HistoryDir, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName, "history"), nil
}

func (c *Config) applyDefaults() {
	if c.Voice == "" {
		c.Voice = Voices[0]
	}
	if c.Mode == "" {
		c.Mode = types.ModeVoice
	}
	if c.Instructions == "" {
		c.Instructions = DefaultInstructions
	}
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = "whisper-1"
	}
}

func (c *Config) validate() error {
	if c.Voice != "" && !slices.Contains(Voices, c.Voice) {
		return fmt.Errorf("unknown voice: %s", c.Voice)
	}
	if c.Mode != "" && c.Mode != types.ModeVoice && c.Mode != types.ModeSignText {
		return fmt.Errorf("unknown response mode: %s", c.Mode)
	}
	if c.Language != "" {
		if _, err := language.Parse(c.Language); err != nil {
			return fmt.Errorf("invalid language tag %q: %w", c.Language, err)
		}
	}
	return nil
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName, configFileName), nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
