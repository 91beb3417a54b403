package keypool

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

func TestLeaseSkipsLockedOutKey(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	b := NewRecord("openai", "sk-b", "", "")
	p := New([]*Record{a, b})

	p.MarkRateLimited(a, partition.Turbo, time.Minute)

	got := p.Lease(partition.Turbo)
	if got != b {
		t.Fatalf("Lease returned %v, want key b (a is locked out)", got)
	}
}

func TestLeaseRoundRobins(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	b := NewRecord("openai", "sk-b", "", "")
	p := New([]*Record{a, b})

	first := p.Lease(partition.Turbo)
	second := p.Lease(partition.Turbo)
	if first == second {
		t.Fatalf("Lease returned the same key twice in a row: %v", first)
	}
}

func TestLeaseReturnsNilWhenAllLockedOut(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	p := New([]*Record{a})
	p.MarkRateLimited(a, partition.Turbo, time.Minute)

	if got := p.Lease(partition.Turbo); got != nil {
		t.Fatalf("Lease returned %v, want nil", got)
	}
}

func TestLeaseIgnoresDisabledKeys(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	p := New([]*Record{a})
	p.Disable(a, "401 invalid api key")

	if got := p.Lease(partition.Turbo); got != nil {
		t.Fatalf("Lease returned %v for a disabled key, want nil", got)
	}
	if a.Enabled() {
		t.Fatal("key still reports enabled after Disable")
	}
}

func TestLockoutPeriodZeroWhenUsableKeyExists(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	b := NewRecord("openai", "sk-b", "", "")
	p := New([]*Record{a, b})
	p.MarkRateLimited(a, partition.Turbo, time.Minute)

	if got := p.LockoutPeriod(partition.Turbo); got != 0 {
		t.Fatalf("LockoutPeriod = %v, want 0 (key b is usable)", got)
	}
}

func TestLockoutPeriodReturnsMinimumRemaining(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	b := NewRecord("openai", "sk-b", "", "")
	p := New([]*Record{a, b})
	p.MarkRateLimited(a, partition.Turbo, 5*time.Second)
	p.MarkRateLimited(b, partition.Turbo, time.Minute)

	got := p.LockoutPeriod(partition.Turbo)
	if got <= 0 || got > 5*time.Second {
		t.Fatalf("LockoutPeriod = %v, want roughly <= 5s", got)
	}
}

func TestMarkRateLimitedDefaultsTo10s(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	p := New([]*Record{a})
	p.MarkRateLimited(a, partition.Turbo, 0)

	got := p.LockoutPeriod(partition.Turbo)
	if got <= 9*time.Second || got > 10*time.Second {
		t.Fatalf("LockoutPeriod = %v, want ~10s default", got)
	}
}

func TestRecordUsageIncrementsCounters(t *testing.T) {
	a := NewRecord("openai", "sk-a", "", "")
	p := New([]*Record{a})
	p.RecordUsage(a, partition.Turbo, 42)
	p.RecordUsage(a, partition.Turbo, 8)

	tokens, requests := a.Usage(partition.Turbo)
	if tokens != 50 || requests != 2 {
		t.Fatalf("Usage = (%d, %d), want (50, 2)", tokens, requests)
	}
}

func TestLockoutHookFires(t *testing.T) {
	var fired bool
	a := NewRecord("openai", "sk-a", "", "")
	p := New([]*Record{a}, WithLockoutHook(func(provider string, family partition.Family) {
		fired = true
	}))
	p.MarkRateLimited(a, partition.Turbo, time.Minute)

	if !fired {
		t.Fatal("lockout hook did not fire")
	}
}
