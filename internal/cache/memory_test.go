package cache

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
)

// counterValue reads a single, label-less counter's current value out of a
// gathered registry snapshot — metrics.Registry keeps its counters private,
// so tests outside the package can only observe them through Gather.
func counterValue(t *testing.T, m *metrics.Registry, name string) float64 {
	t.Helper()
	families, err := m.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		if len(f.GetMetric()) != 1 {
			t.Fatalf("expected exactly one series for %s, got %d", name, len(f.GetMetric()))
		}
		return f.GetMetric()[0].GetCounter().GetValue()
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestMemoryCacheGetSetRoundTrip(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("expected a miss on an empty cache")
	}

	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := c.Get(context.Background(), "k")
	if !ok || string(got) != "v" {
		t.Fatalf("expected a hit with value %q, got (%q, %v)", "v", got, ok)
	}
}

func TestMemoryCacheGetExpiredEntryIsAMiss(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()

	// Set always normalizes a non-positive TTL to an hour, so an expired
	// entry has to be manufactured directly.
	c.mu.Lock()
	c.items["k"] = memItem{data: []byte("v"), expiresAt: time.Now().Add(-time.Minute)}
	c.mu.Unlock()

	if _, ok := c.Get(context.Background(), "k"); ok {
		t.Fatal("expected an expired entry to be reported as a miss")
	}
	if c.Len() != 0 {
		t.Fatal("expected the expired entry to be evicted lazily on access")
	}
}

func TestMemoryCacheWithMetricsRecordsHitsAndMisses(t *testing.T) {
	m := metrics.New()
	c := NewMemoryCache(context.Background(), WithMetrics(m))
	defer c.Close()

	c.Get(context.Background(), "absent")
	if err := c.Set(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.Get(context.Background(), "k")

	if got := counterValue(t, m, "cache_hits_total"); got != 1 {
		t.Errorf("expected one recorded cache hit, got %v", got)
	}
	if got := counterValue(t, m, "cache_misses_total"); got != 1 {
		t.Errorf("expected one recorded cache miss, got %v", got)
	}
}
