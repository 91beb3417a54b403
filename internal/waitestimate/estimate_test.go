package waitestimate

import (
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

func TestEstimateAveragesMatchingPartition(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(2 * time.Second)})
	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(4 * time.Second)})
	e.Record(Sample{Partition: partition.Claude, Start: now, End: now.Add(100 * time.Second)})

	got := e.Estimate(partition.Turbo)
	want := 3 * time.Second
	if got != want {
		t.Fatalf("Estimate(turbo) = %v, want %v", got, want)
	}
}

func TestEstimateExcludesDeprioritized(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(2 * time.Second)})
	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now.Add(200 * time.Second), Deprioritized: true})

	got := e.Estimate(partition.Turbo)
	if got != 2*time.Second {
		t.Fatalf("Estimate(turbo) = %v, want 2s (deprioritized sample excluded)", got)
	}
}

func TestEstimateZeroWithNoSamples(t *testing.T) {
	e := New()
	if got := e.Estimate(partition.Turbo); got != 0 {
		t.Fatalf("Estimate on empty estimator = %v, want 0", got)
	}
}

func TestPruneRemovesOldSamples(t *testing.T) {
	e := New()
	now := time.Now()
	e.Record(Sample{Partition: partition.Turbo, Start: now.Add(-10 * time.Minute), End: now.Add(-10 * time.Minute)})
	e.Record(Sample{Partition: partition.Turbo, Start: now, End: now})

	e.Prune(now)

	if got := e.Len(); got != 1 {
		t.Fatalf("Len after Prune = %d, want 1", got)
	}
}
