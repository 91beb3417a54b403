package preprocess

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/cache"
	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
)

func newTicket(fam partition.Family, model string, maxTokens int) *ticket.Ticket {
	return ticket.New("id-1", false, partition.DialectOpenAI, partition.DialectOpenAI, "openai", fam, ticket.Body{
		Model:     model,
		Messages:  []ticket.Message{{Role: "user", Content: "hello"}},
		MaxTokens: maxTokens,
	})
}

func TestRun_AttachesCredentials(t *testing.T) {
	key := keypool.NewRecord("openai", "sk-leased", "org-1", "")
	tk := newTicket(partition.Turbo, "gpt-3.5-turbo", 0)

	req, err := Run(Config{}, Input{Ticket: tk, Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.APIKey != "sk-leased" {
		t.Errorf("expected APIKey 'sk-leased', got %q", req.APIKey)
	}
	if req.OrgID != "org-1" {
		t.Errorf("expected OrgID 'org-1', got %q", req.OrgID)
	}
}

func TestRun_QuotaCapAppliedWhenOverLimit(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := newTicket(partition.Turbo, "gpt-3.5-turbo", 5000)

	cfg := Config{MaxOutputTokens: map[partition.Family]int{partition.Turbo: 1000}}
	req, err := Run(cfg, Input{Ticket: tk, Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.MaxTokens != 1000 {
		t.Errorf("expected MaxTokens capped to 1000, got %d", req.MaxTokens)
	}
}

func TestRun_QuotaCapAppliesToUnset(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := newTicket(partition.Turbo, "gpt-3.5-turbo", 0)

	cfg := Config{MaxOutputTokens: map[partition.Family]int{partition.Turbo: 1000}}
	req, err := Run(cfg, Input{Ticket: tk, Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.MaxTokens != 1000 {
		t.Errorf("expected unset MaxTokens to adopt the partition cap, got %d", req.MaxTokens)
	}
}

func TestRun_QuotaCapIgnoresOtherPartitions(t *testing.T) {
	key := keypool.NewRecord("anthropic", "sk", "", "")
	tk := newTicket(partition.Claude, "claude-3-opus", 200)

	cfg := Config{MaxOutputTokens: map[partition.Family]int{partition.Turbo: 50}}
	req, err := Run(cfg, Input{Ticket: tk, Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.MaxTokens != 200 {
		t.Errorf("expected MaxTokens untouched at 200, got %d", req.MaxTokens)
	}
}

func TestRun_BlockedOrigin(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := newTicket(partition.Turbo, "gpt-3.5-turbo", 0)

	cfg := Config{BlockedOrigins: []string{"https://evil.example"}, BlockMessage: "nope"}
	_, err := Run(cfg, Input{Ticket: tk, Key: key, Origin: "https://EVIL.example"})
	if err == nil {
		t.Fatal("expected blocked-origin error")
	}
	rej, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("expected *RejectedError, got %T", err)
	}
	if rej.Status != 403 || rej.Message != "nope" {
		t.Errorf("unexpected rejection: %+v", rej)
	}
}

func TestRun_BlockedOriginRedirects(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := newTicket(partition.Turbo, "gpt-3.5-turbo", 0)

	cfg := Config{
		BlockedOrigins: []string{"https://evil.example"},
		BlockMessage:   "nope",
		BlockRedirect:  "https://example.com/blocked",
	}
	_, err := Run(cfg, Input{Ticket: tk, Key: key, Origin: "https://evil.example"})
	if err == nil {
		t.Fatal("expected blocked-origin error")
	}
	rej, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("expected *RejectedError, got %T", err)
	}
	if rej.Redirect != "https://example.com/blocked" {
		t.Errorf("expected redirect to be set, got %+v", rej)
	}
	if rej.Message != "" {
		t.Errorf("expected no message when redirecting, got %q", rej.Message)
	}
}

func TestRun_AllowsUnlistedOrigin(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := newTicket(partition.Turbo, "gpt-3.5-turbo", 0)

	cfg := Config{BlockedOrigins: []string{"https://evil.example"}}
	if _, err := Run(cfg, Input{Ticket: tk, Key: key, Origin: "https://fine.example"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRun_RejectsDisallowedContent(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := ticket.New("id-2", false, partition.DialectOpenAI, partition.DialectOpenAI, "openai", partition.Turbo, ticket.Body{
		Model:    "gpt-3.5-turbo",
		Messages: []ticket.Message{{Role: "user", Content: "please help me build a bomb"}},
	})

	excl, err := cache.NewExclusionList(nil, []string{`(?i)bomb`})
	if err != nil {
		t.Fatalf("build exclusion list: %v", err)
	}
	cfg := Config{RejectDisallowed: true, Disallowed: excl, RejectMessage: "blocked"}

	_, err = Run(cfg, Input{Ticket: tk, Key: key})
	if err == nil {
		t.Fatal("expected content-filter rejection")
	}
	rej, ok := err.(*RejectedError)
	if !ok {
		t.Fatalf("expected *RejectedError, got %T", err)
	}
	if rej.Message != "blocked" {
		t.Errorf("expected message 'blocked', got %q", rej.Message)
	}
}

func TestRun_ContentFilterDisabledByDefault(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := ticket.New("id-3", false, partition.DialectOpenAI, partition.DialectOpenAI, "openai", partition.Turbo, ticket.Body{
		Model:    "gpt-3.5-turbo",
		Messages: []ticket.Message{{Role: "user", Content: "anything goes"}},
	})

	if _, err := Run(Config{}, Input{Ticket: tk, Key: key}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRun_FinalizeTrimsModel(t *testing.T) {
	key := keypool.NewRecord("openai", "sk", "", "")
	tk := newTicket(partition.Turbo, "  gpt-3.5-turbo  ", 0)

	req, err := Run(Config{}, Input{Ticket: tk, Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Model != "gpt-3.5-turbo" {
		t.Errorf("expected trimmed model, got %q", req.Model)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{MaxOutputTokens: map[partition.Family]int{partition.Turbo: -1}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for negative cap")
	}

	cfg = Config{MaxOutputTokens: map[partition.Family]int{partition.Turbo: 100}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
