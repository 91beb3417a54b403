// Package queue holds the single shared list of in-flight Request Tickets,
// conceptually sharded by partition via a filter predicate. It enforces the
// identity-concurrency cap, runs the stall sweep, and drives heartbeat
// keep-alives for streaming waiters.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
	"github.com/nulpointcorp/llm-gateway/internal/waitestimate"
)

// ErrTooManyQueued is returned by Enqueue when the identity-concurrency cap
// is violated. Callers surface this as HTTP 429.
var ErrTooManyQueued = errors.New("proxy_error: identity already has a request in the queue")

const (
	// NormalCap is the concurrency cap for ordinary identities.
	NormalCap = 1
	// SharedIdentityCap is the concurrency cap for shared-identity sources.
	SharedIdentityCap = 5

	heartbeatInterval = 10 * time.Second
	stallSweepPeriod  = 20 * time.Second
	stallAge          = 5 * time.Minute
)

// HeartbeatFunc is invoked every heartbeatInterval for a streaming ticket
// still waiting in the queue, carrying the current queue length for its
// partition and the estimated wait. The proxy layer supplies this to
// actually write the SSE keep-alive frame.
type HeartbeatFunc func(t *ticket.Ticket, queueLen int, estWait time.Duration)

// StallFunc is invoked once for each ticket forcibly removed by the stall
// sweep, so the proxy layer can deliver the terminal queue-timeout message.
type StallFunc func(t *ticket.Ticket)

type entry struct {
	t    *ticket.Ticket
	done chan struct{}
	once sync.Once
}

func (e *entry) close() {
	e.once.Do(func() { close(e.done) })
}

// Queue is the shared ticket list. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	active  map[string]map[*ticket.Ticket]struct{}

	estimator *waitestimate.Estimator
	log       *slog.Logger

	onHeartbeat HeartbeatFunc
	onStall     StallFunc
}

// New builds an empty Queue. estimator may be shared with the Proxy
// Executor, which records wait samples into it; log defaults to
// slog.Default() if nil.
func New(estimator *waitestimate.Estimator, log *slog.Logger, onHeartbeat HeartbeatFunc, onStall StallFunc) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		active:      make(map[string]map[*ticket.Ticket]struct{}),
		estimator:   estimator,
		log:         log,
		onHeartbeat: onHeartbeat,
		onStall:     onStall,
	}
}

func capFor(t *ticket.Ticket) int {
	if t.SharedIdentity {
		return SharedIdentityCap
	}
	return NormalCap
}

// Enqueue admits t. reqCtx is the inbound request's context; when it is
// cancelled (client disconnect) before Dequeue, the ticket is removed
// automatically — the abort hook from spec.md §4.3. Retries (t.IsRetry())
// are exempt from the identity-concurrency cap.
func (q *Queue) Enqueue(reqCtx context.Context, t *ticket.Ticket) error {
	q.mu.Lock()

	if !t.IsRetry() {
		set := q.active[t.Identity]
		if len(set) >= capFor(t) {
			q.mu.Unlock()
			return ErrTooManyQueued
		}
		if set == nil {
			set = make(map[*ticket.Ticket]struct{})
			q.active[t.Identity] = set
		}
		set[t] = struct{}{}
	}

	e := &entry{t: t, done: make(chan struct{})}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	go q.watchAbort(reqCtx, e)
	if t.Stream {
		go q.runHeartbeat(e)
	}
	return nil
}

func (q *Queue) watchAbort(reqCtx context.Context, e *entry) {
	select {
	case <-reqCtx.Done():
		q.Remove(e.t)
		e.t.Abort()
	case <-e.done:
	}
}

func (q *Queue) runHeartbeat(e *entry) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if q.onHeartbeat == nil {
				continue
			}
			q.onHeartbeat(e.t, q.Len(e.t.Partition), q.estimate(e.t.Partition))
		case <-e.done:
			return
		}
	}
}

func (q *Queue) estimate(f partition.Family) time.Duration {
	if q.estimator == nil {
		return 0
	}
	return q.estimator.Estimate(f)
}

// Dequeue selects, among tickets matching family, the earliest-start-time
// non-deprioritized ticket; only once none remain does it consider
// deprioritized (shared-identity) tickets, again earliest-start-time first.
// It removes the winner from the shared list, cancels its abort hook and
// heartbeat, and stamps its queue-out-time. Returns nil when no ticket in
// family is waiting.
func (q *Queue) Dequeue(family partition.Family) *ticket.Ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.pickLocked(family)
	if idx < 0 {
		return nil
	}

	e := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	e.close()
	e.t.MarkDequeued(time.Now())
	return e.t
}

func (q *Queue) pickLocked(family partition.Family) int {
	best := -1
	bestDeprioritized := true
	var bestStart time.Time

	for i, e := range q.entries {
		if e.t.Partition != family {
			continue
		}
		dep := e.t.SharedIdentity
		switch {
		case best < 0:
			best, bestDeprioritized, bestStart = i, dep, e.t.StartTime
		case !dep && bestDeprioritized:
			// A non-deprioritized candidate always beats a deprioritized
			// incumbent, regardless of start time.
			best, bestDeprioritized, bestStart = i, dep, e.t.StartTime
		case dep == bestDeprioritized && e.t.StartTime.Before(bestStart):
			best, bestStart = i, e.t.StartTime
		}
	}
	return best
}

// Remove idempotently removes t by reference if it is still queued, and
// marks its identity slot as no longer active. Used for client aborts and
// by the stall sweep.
func (q *Queue) Remove(t *ticket.Ticket) bool {
	q.mu.Lock()
	removed := false
	for i, e := range q.entries {
		if e.t == t {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			e.close()
			removed = true
			break
		}
	}
	q.mu.Unlock()

	q.Done(t)
	return removed
}

// Done releases t's identity-concurrency slot. Call exactly once when a
// ticket reaches a terminal outcome (success, terminal failure, abort, or
// stall timeout) — not on a retry-reenqueue, which reuses the same ticket.
func (q *Queue) Done(t *ticket.Ticket) {
	q.mu.Lock()
	if set, ok := q.active[t.Identity]; ok {
		delete(set, t)
		if len(set) == 0 {
			delete(q.active, t.Identity)
		}
	}
	q.mu.Unlock()
}

// Len reports how many tickets are currently queued for family.
func (q *Queue) Len(family partition.Family) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.t.Partition == family {
			n++
		}
	}
	return n
}

// StallSweep removes every queued ticket older than stallAge, invoking
// onStall for each so the proxy layer can deliver the terminal
// queue-timeout message, and prunes the wait estimator alongside it.
func (q *Queue) StallSweep(now time.Time) {
	q.mu.Lock()
	var stalled []*entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.t.StartTime) > stallAge {
			stalled = append(stalled, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.mu.Unlock()

	for _, e := range stalled {
		e.close()
		q.Done(e.t)
		q.log.Warn("ticket stalled in queue", "ticket_id", e.t.ID, "partition", e.t.Partition)
		if q.onStall != nil {
			q.onStall(e.t)
		}
	}

	if q.estimator != nil {
		q.estimator.Prune(now)
	}
}

// Run drives the stall sweep on its own ticker until ctx is cancelled.
// Intended to run as an errgroup member alongside the Dispatcher tick loop.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(stallSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.StallSweep(time.Now())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
