// Package ticket defines the Request Ticket, the handle that follows one
// in-flight client request from admission through to its terminal outcome.
package ticket

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

// Message is one chat message in the client's declared dialect.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Body is the parsed inbound request, already validated but not yet
// rewritten by the preprocessor pipeline.
type Body struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Lease is what the Dispatcher hands to a resumed ticket: the key record it
// leased on the ticket's behalf.
type Lease struct {
	Key *keypool.Record
}

// Ticket is one client request, queued and possibly retried, until it
// reaches a terminal outcome. Only the Dispatcher mutates QueueOutTime, and
// only the Proxy Executor mutates RetryCount; everything else is set once
// at admission.
type Ticket struct {
	ID string

	// Identity is the stable per-client key used for the concurrency cap:
	// an auth token, a shared-identity tag, or the source address.
	Identity       string
	SharedIdentity bool

	InboundDialect  partition.Dialect
	OutboundDialect partition.Dialect
	Provider        string // "openai" | "anthropic" | "google-palm" | "aws-claude"
	Partition       partition.Family

	Body   Body
	Stream bool
	Debug  bool

	StartTime time.Time

	mu          sync.Mutex
	queueOutSet bool
	queueOut    time.Time
	retryCount  int

	// PromptTokens/OutputTokens are filled in by the external tokenizer
	// estimator (not part of this module, see spec design notes) before the
	// Normalizer runs for dialects whose usage fields must be synthesized.
	PromptTokens int
	OutputTokens int

	// Resume is the single-shot resume-continuation channel: the Dispatcher
	// sends the leased key on it exactly once, then closes it.
	Resume chan Lease

	// aborted tracks client-initiated cancellation (closed connection)
	// versus the stall sweep's forced cancellation, for logging purposes.
	abortOnce sync.Once
	aborted   chan struct{}

	resumeOnce sync.Once
}

// New creates a Ticket ready for Queue.Enqueue. Resume has capacity 1 so the
// Dispatcher never blocks sending the lease even if nobody is listening yet.
func New(identity string, shared bool, inbound, outbound partition.Dialect, provider string, fam partition.Family, body Body) *Ticket {
	return &Ticket{
		ID:              uuid.NewString(),
		Identity:        identity,
		SharedIdentity:  shared,
		InboundDialect:  inbound,
		OutboundDialect: outbound,
		Provider:        provider,
		Partition:       fam,
		Body:            body,
		Stream:          body.Stream,
		StartTime:       time.Now(),
		Resume:          make(chan Lease, 1),
		aborted:         make(chan struct{}),
	}
}

// MarkDequeued stamps the queue-out-time. Called by the Queue under its lock
// on every dequeue, so a retried ticket holds its latest dequeue time.
func (t *Ticket) MarkDequeued(at time.Time) {
	t.mu.Lock()
	t.queueOut = at
	t.queueOutSet = true
	t.mu.Unlock()
}

// QueueOutTime returns the dequeue timestamp and whether it has been set.
func (t *Ticket) QueueOutTime() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queueOut, t.queueOutSet
}

// RetryCount returns the current retry counter.
func (t *Ticket) RetryCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.retryCount
}

// IncrementRetry bumps the retry counter and returns the new value. Called
// by the Proxy Executor before reenqueueing.
func (t *Ticket) IncrementRetry() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryCount++
	return t.retryCount
}

// IsRetry reports whether this ticket has been reenqueued at least once —
// retries are exempt from the identity concurrency cap.
func (t *Ticket) IsRetry() bool {
	return t.RetryCount() > 0
}

// Abort marks the ticket as client-cancelled. Idempotent.
func (t *Ticket) Abort() {
	t.abortOnce.Do(func() { close(t.aborted) })
}

// Aborted returns a channel closed once Abort has been called.
func (t *Ticket) Aborted() <-chan struct{} {
	return t.aborted
}

// ResumeWith delivers a lease to the waiting handler and closes the
// channel, per the single-shot resume-continuation design note. Safe to
// call at most once in combination with CancelResume; later calls are
// no-ops.
func (t *Ticket) ResumeWith(l Lease) {
	t.resumeOnce.Do(func() {
		t.Resume <- l
		close(t.Resume)
	})
}

// CancelResume closes the resume channel without delivering a lease — the
// language-neutral "cancellation = close the channel" rule from the design
// notes. Used when a queued ticket is removed (client abort, stall sweep)
// before the Dispatcher ever resumed it.
func (t *Ticket) CancelResume() {
	t.resumeOnce.Do(func() {
		close(t.Resume)
	})
}

// PrepareRetry replaces the one-shot resume channel with a fresh one ahead
// of a retry-by-reenqueue trip through the queue. Resume is single-shot per
// trip, not per ticket lifetime: the Proxy Executor calls this after
// IncrementRetry and before the ticket is handed back to Queue.Enqueue, so
// the Dispatcher can resume it again on the next dequeue.
func (t *Ticket) PrepareRetry() {
	t.resumeOnce = sync.Once{}
	t.Resume = make(chan Lease, 1)
}
