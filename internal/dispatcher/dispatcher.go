// Package dispatcher runs the single cooperative polling loop that resumes
// queued tickets once a key becomes available for their partition.
//
// Polling rather than condition-variable wake-up is deliberate: rate-limit
// lockouts expire on wall time, not on an event, so the loop has to
// re-evaluate regardless of whether any new usage was recorded. 50ms is
// small enough to be invisible at human scale and coarse enough to bound
// CPU (see spec design notes).
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
)

const tickInterval = 50 * time.Millisecond

// TickObserver is notified after every tick with how long it took, for the
// dispatcher_tick_duration_seconds metric.
type TickObserver func(time.Duration)

// Dispatcher ties one Queue to one KeyPool. A single Dispatcher instance is
// shared by every provider route (see SPEC_FULL.md §4.10): one partition
// set, one set of keys, regardless of how many client-facing routes feed
// tickets into the shared Queue.
type Dispatcher struct {
	queue   *queue.Queue
	keys    *keypool.Pool
	log     *slog.Logger
	observe TickObserver
}

// New builds a Dispatcher over q and pool. log defaults to slog.Default().
func New(q *queue.Queue, pool *keypool.Pool, log *slog.Logger, observe TickObserver) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{queue: q, keys: pool, log: log, observe: observe}
}

// Run ticks every 50ms until ctx is cancelled. Intended to run as an
// errgroup member alongside the HTTP server and the Queue's stall sweep.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			d.tick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// tick evaluates every partition once. Per spec.md §9 the lock order when
// both the Queue and the Key Pool are touched is Queue-then-KeyPool; this
// loop instead never holds both locks at once — it consults the Key Pool
// (LockoutPeriod, then Lease) first, and only calls Dequeue once a lease has
// actually been granted, so there is no nested-lock ordering to get wrong.
// A lease obtained but never handed to a ticket (no waiting ticket in that
// partition this tick) simply sits idle until the next Lease call advances
// the round-robin cursor past it.
func (d *Dispatcher) tick() {
	start := time.Now()
	for _, fam := range partition.All {
		d.dispatchPartition(fam)
	}
	if d.observe != nil {
		d.observe(time.Since(start))
	}
}

func (d *Dispatcher) dispatchPartition(fam partition.Family) {
	if d.keys.LockoutPeriod(fam) > 0 {
		return
	}

	key := d.keys.Lease(fam)
	if key == nil {
		// Back-pressure: leave whatever is queued for this partition for
		// another tick. Not an error.
		return
	}

	t := d.queue.Dequeue(fam)
	if t == nil {
		// No one waiting; the lease is simply unused this tick.
		return
	}

	t.ResumeWith(ticket.Lease{Key: key})
}
