// Package waitestimate maintains a rolling average of recent successful
// queue wait durations per partition, used for heartbeat telemetry.
package waitestimate

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

// Retention is how long a Wait Sample stays eligible for the average.
const Retention = 5 * time.Minute

// Sample is one observed queue wait: (partition, start, end, deprioritized).
type Sample struct {
	Partition     partition.Family
	Start         time.Time
	End           time.Time
	Deprioritized bool
}

// Estimator holds the rolling sample list. Safe for concurrent use.
type Estimator struct {
	mu      sync.Mutex
	samples []Sample
}

// New returns an empty Estimator.
func New() *Estimator {
	return &Estimator{}
}

// Record appends a Wait Sample, recorded on every successfully dequeued and
// completed ticket.
func (e *Estimator) Record(s Sample) {
	e.mu.Lock()
	e.samples = append(e.samples, s)
	e.mu.Unlock()
}

// Estimate averages end-start over non-deprioritized samples from the last
// Retention window matching family. Returns 0 when there are no matching
// samples.
func (e *Estimator) Estimate(family partition.Family) time.Duration {
	cutoff := time.Now().Add(-Retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	var total time.Duration
	var count int
	for _, s := range e.samples {
		if s.Deprioritized || s.Partition != family || s.End.Before(cutoff) {
			continue
		}
		total += s.End.Sub(s.Start)
		count++
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Prune removes samples older than Retention. Intended to run alongside the
// stall sweep.
func (e *Estimator) Prune(now time.Time) {
	cutoff := now.Add(-Retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.samples[:0]
	for _, s := range e.samples {
		if s.End.After(cutoff) {
			kept = append(kept, s)
		}
	}
	e.samples = kept
}

// Len reports the current sample count (for tests/metrics).
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}
