package ticket

import (
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
)

func newTestTicket() *Ticket {
	body := Body{Model: "gpt-4", Messages: []Message{{Role: "user", Content: "hi"}}}
	return New("client-a", false, partition.DialectOpenAI, partition.DialectOpenAI, "openai", partition.GPT4, body)
}

func TestNewSetsDefaults(t *testing.T) {
	tk := newTestTicket()
	if tk.ID == "" {
		t.Fatal("expected a generated ID")
	}
	if tk.IsRetry() {
		t.Fatal("fresh ticket should not be a retry")
	}
	if _, set := tk.QueueOutTime(); set {
		t.Fatal("fresh ticket should not have a queue-out time yet")
	}
}

func TestMarkDequeuedAndRetryCount(t *testing.T) {
	tk := newTestTicket()
	now := tk.StartTime
	tk.MarkDequeued(now)
	if _, set := tk.QueueOutTime(); !set {
		t.Fatal("expected queue-out time to be set")
	}

	if got := tk.IncrementRetry(); got != 1 {
		t.Fatalf("expected retry count 1, got %d", got)
	}
	if !tk.IsRetry() {
		t.Fatal("expected IsRetry true after IncrementRetry")
	}
}

func TestResumeWithDeliversLeaseOnce(t *testing.T) {
	tk := newTestTicket()
	rec := keypool.NewRecord("openai", "sk-test", "", "")

	tk.ResumeWith(Lease{Key: rec})

	lease, ok := <-tk.Resume
	if !ok {
		t.Fatal("expected a lease to be delivered before close")
	}
	if lease.Key != rec {
		t.Fatal("expected the delivered lease to carry the same record")
	}

	if _, ok := <-tk.Resume; ok {
		t.Fatal("expected channel to be closed after delivery")
	}

	// Second call must be a no-op, not a panic (send on closed channel).
	tk.ResumeWith(Lease{Key: rec})
}

func TestCancelResumeClosesWithoutLease(t *testing.T) {
	tk := newTestTicket()
	tk.CancelResume()

	if _, ok := <-tk.Resume; ok {
		t.Fatal("expected channel closed with no lease delivered")
	}

	// Calling ResumeWith after CancelResume must not panic or block.
	tk.ResumeWith(Lease{Key: keypool.NewRecord("openai", "sk-test", "", "")})
}

func TestPrepareRetryGivesFreshChannel(t *testing.T) {
	tk := newTestTicket()
	tk.IncrementRetry()
	tk.PrepareRetry()

	rec := keypool.NewRecord("openai", "sk-test2", "", "")
	tk.ResumeWith(Lease{Key: rec})

	lease, ok := <-tk.Resume
	if !ok || lease.Key != rec {
		t.Fatal("expected a fresh resumable channel after PrepareRetry")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	tk := newTestTicket()
	tk.Abort()
	tk.Abort()

	select {
	case <-tk.Aborted():
	default:
		t.Fatal("expected Aborted channel to be closed")
	}
}
