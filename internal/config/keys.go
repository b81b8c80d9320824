package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the llm.complete action has no Anthropic key.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// APIKeyWithSource returns the Anthropic key and where it came from. The environment
// wins over the config file; unexpanded ${VAR} references count as unset.
func (c *LLMConfig) APIKeyWithSource() (string, KeySource) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv
	}
	if c != nil && c.APIKey != "" {
		key := os.ExpandEnv(c.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}

// ResolveAPIKey returns the Anthropic key or ErrNoAPIKey. Bedrock uses AWS
// credentials instead and never needs one.
func (c *LLMConfig) ResolveAPIKey() (string, error) {
	key, src := c.APIKeyWithSource()
	if src == KeySourceNone {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// ValidateAPIKey checks the key format without calling the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey hides all but the prefix and the last four characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
