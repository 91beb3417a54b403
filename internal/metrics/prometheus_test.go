package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetQueueDepthAndObserveQueueWait(t *testing.T) {
	r := New()

	r.SetQueueDepth("gpt4", 3)
	if got := testutil.ToFloat64(r.queueDepth.WithLabelValues("gpt4")); got != 3 {
		t.Fatalf("expected queue depth 3, got %v", got)
	}

	r.ObserveQueueWait("gpt4", 250*time.Millisecond)
	if got := testutil.CollectAndCount(r.queueWait); got != 1 {
		t.Fatalf("expected one queue wait sample recorded, got %d", got)
	}
}

func TestRecordKeyPoolLockout(t *testing.T) {
	r := New()

	r.RecordKeyPoolLockout("openai", "gpt4")
	r.RecordKeyPoolLockout("openai", "gpt4")

	got := testutil.ToFloat64(r.keyPoolLockouts.WithLabelValues("openai", "gpt4"))
	if got != 2 {
		t.Fatalf("expected 2 lockouts recorded, got %v", got)
	}
}

func TestObserveDispatcherTick(t *testing.T) {
	r := New()

	r.ObserveDispatcherTick(5 * time.Millisecond)

	if got := testutil.CollectAndCount(r.dispatcherTick); got != 1 {
		t.Fatalf("expected one tick sample, got %d", got)
	}
}

func TestRecordAdmissionRejection(t *testing.T) {
	r := New()

	r.RecordAdmissionRejection("identity_cap")
	r.RecordAdmissionRejection("identity_cap")
	r.RecordAdmissionRejection("rate_limited")

	if got := testutil.ToFloat64(r.admissionRejections.WithLabelValues("identity_cap")); got != 2 {
		t.Fatalf("expected 2 identity_cap rejections, got %v", got)
	}
	if got := testutil.ToFloat64(r.admissionRejections.WithLabelValues("rate_limited")); got != 1 {
		t.Fatalf("expected 1 rate_limited rejection, got %v", got)
	}
}

func TestAddTokensSplitsDirectionsAndTotal(t *testing.T) {
	r := New()

	r.AddTokens("openai", "chat", 10, 20, false)

	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("openai", "chat", "input", "miss")); got != 10 {
		t.Fatalf("expected 10 input tokens, got %v", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("openai", "chat", "output", "miss")); got != 20 {
		t.Fatalf("expected 20 output tokens, got %v", got)
	}
	if got := testutil.ToFloat64(r.tokensTotal.WithLabelValues("openai", "chat", "total", "miss")); got != 30 {
		t.Fatalf("expected 30 total tokens, got %v", got)
	}
}

func TestSetProviderHealth(t *testing.T) {
	r := New()

	r.SetProviderHealth("anthropic", true)
	if got := testutil.ToFloat64(r.providerHealth.WithLabelValues("anthropic")); got != 1 {
		t.Fatalf("expected health 1, got %v", got)
	}

	r.SetProviderHealth("anthropic", false)
	if got := testutil.ToFloat64(r.providerHealth.WithLabelValues("anthropic")); got != 0 {
		t.Fatalf("expected health 0, got %v", got)
	}
}

func TestCacheOpsCounters(t *testing.T) {
	r := New()

	r.CacheGetHit()
	r.CacheGetMiss()
	r.CacheGetBypass()
	r.CacheSetOK()
	r.CacheSetError()

	if got := testutil.ToFloat64(r.cacheOps.WithLabelValues("get", "hit")); got != 1 {
		t.Fatalf("expected 1 get/hit, got %v", got)
	}
	if got := testutil.ToFloat64(r.cacheOps.WithLabelValues("set", "error")); got != 1 {
		t.Fatalf("expected 1 set/error, got %v", got)
	}
}
