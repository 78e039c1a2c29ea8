package models

import "testing"

func TestResolveDefaults(t *testing.T) {
	m, err := Resolve("", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if m.Provider != DefaultProvider || !m.Default {
		t.Errorf("expected default model of default provider, got %+v", m)
	}
}

func TestResolveProviderDefault(t *testing.T) {
	m, err := Resolve("openai", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if m.Provider != "openai" || !m.Default {
		t.Errorf("expected openai default, got %+v", m)
	}
}

func TestResolveExact(t *testing.T) {
	m, err := Resolve("anthropic", "claude-opus-4-20250514")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if m.ID != "claude-opus-4-20250514" {
		t.Errorf("unexpected model: %+v", m)
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, err := Resolve("anthropic", "no-such-model"); err == nil {
		t.Error("expected error for unknown model")
	}
	if _, err := Resolve("no-such-provider", ""); err == nil {
		t.Error("expected error for unknown provider")
	}
}
