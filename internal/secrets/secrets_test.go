package secrets

import (
	"context"
	"testing"
)

func TestInMemorySecretStore(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	if _, err := store.GetSecret(ctx, "missing"); err == nil {
		t.Error("expected error for unknown secret")
	}

	store.SetSecret("api-key", "sk-123")

	value, err := store.GetSecret(ctx, "api-key")
	if err != nil {
		t.Fatalf("get secret failed: %v", err)
	}
	if value != "sk-123" {
		t.Errorf("expected sk-123, got %q", value)
	}
}

func TestLoadProviderKeys(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("providers", `{"openai_api_key":"sk-openai","anthropic_api_key":"sk-anthropic"}`)

	keys, err := LoadProviderKeys(context.Background(), store, "providers")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if keys.OpenAI != "sk-openai" {
		t.Errorf("unexpected openai key: %q", keys.OpenAI)
	}
	if keys.Anthropic != "sk-anthropic" {
		t.Errorf("unexpected anthropic key: %q", keys.Anthropic)
	}
}

func TestLoadProviderKeysBadJSON(t *testing.T) {
	store := NewInMemorySecretStore()
	store.SetSecret("providers", "not json")

	if _, err := LoadProviderKeys(context.Background(), store, "providers"); err == nil {
		t.Error("expected error for malformed secret")
	}
}
