package app

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/config"
)

func TestFirstSecretReturnsFirstKey(t *testing.T) {
	keys := []config.ProviderKey{{Secret: "sk-one"}, {Secret: "sk-two"}}
	if got := firstSecret(keys); got != "sk-one" {
		t.Fatalf("expected sk-one, got %q", got)
	}
}

func TestFirstSecretEmptyList(t *testing.T) {
	if got := firstSecret(nil); got != "" {
		t.Fatalf("expected empty string for an empty key list, got %q", got)
	}
}

func TestRedactURLHidesUserinfo(t *testing.T) {
	cases := map[string]string{
		"redis://:secret@localhost:6379":      "redis://***@localhost:6379",
		"redis://user:pw@host:6379/0":         "redis://***@host:6379/0",
		"redis://localhost:6379":              "redis://localhost:6379",
		"not-a-url-at-all":                    "not-a-url-at-all",
	}
	for in, want := range cases {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
