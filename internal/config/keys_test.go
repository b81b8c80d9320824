package config

import (
	"testing"
)

func TestResolveAPIKey(t *testing.T) {
	t.Run("from environment variable", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

		cfg := &LLMConfig{APIKey: "sk-ant-config-key"}
		key, src := cfg.APIKeyWithSource()
		if key != "sk-ant-test-key" || src != KeySourceEnv {
			t.Errorf("got %q from %s, want env key", key, src)
		}
	})

	t.Run("from config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		cfg := &LLMConfig{APIKey: "sk-ant-config-key"}
		key, err := cfg.ResolveAPIKey()
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if key != "sk-ant-config-key" {
			t.Errorf("expected 'sk-ant-config-key', got %q", key)
		}
	})

	t.Run("unexpanded reference counts as unset", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")
		t.Setenv("MISSING_KEY_VAR", "")

		cfg := &LLMConfig{APIKey: "${MISSING_KEY_VAR}"}
		if _, err := cfg.ResolveAPIKey(); err != ErrNoAPIKey {
			t.Errorf("expected ErrNoAPIKey, got %v", err)
		}
	})

	t.Run("nil config", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "")

		var cfg *LLMConfig
		if _, src := cfg.APIKeyWithSource(); src != KeySourceNone {
			t.Errorf("expected none, got %s", src)
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "sk-ant-REDACTED", false},
		{"empty key", "", true},
		{"wrong prefix", "sk-wrong-abcdefghijklmnop", true},
		{"too short", "sk-ant-abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(not set)"},
		{"short", "***"},
		{"sk-ant-REDACTED", "sk-ant-...mnop"},
	}
	for _, tt := range tests {
		if got := MaskAPIKey(tt.key); got != tt.want {
			t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
