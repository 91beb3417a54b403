package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/keypool"
	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
)

func newTicket(identity string) *ticket.Ticket {
	return ticket.New(identity, false, partition.DialectOpenAI, partition.DialectOpenAI, "openai", partition.Turbo, ticket.Body{Model: "gpt-3.5-turbo"})
}

func TestTickResumesWaitingTicketWhenKeyAvailable(t *testing.T) {
	pool := keypool.New([]*keypool.Record{keypool.NewRecord("openai", "sk-a", "", "")})
	q := queue.New(nil, nil, nil, nil)
	d := New(q, pool, nil, nil)

	tk := newTicket("user-a")
	if err := q.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.tick()

	select {
	case lease, ok := <-tk.Resume:
		if !ok || lease.Key == nil {
			t.Fatal("ticket was not resumed with a valid lease")
		}
	default:
		t.Fatal("tick did not resume the waiting ticket")
	}
}

func TestTickLeavesTicketQueuedWhenLockedOut(t *testing.T) {
	rec := keypool.NewRecord("openai", "sk-a", "", "")
	pool := keypool.New([]*keypool.Record{rec})
	pool.MarkRateLimited(rec, partition.Turbo, time.Minute)

	q := queue.New(nil, nil, nil, nil)
	d := New(q, pool, nil, nil)

	tk := newTicket("user-a")
	if err := q.Enqueue(context.Background(), tk); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	d.tick()

	select {
	case <-tk.Resume:
		t.Fatal("ticket should not have been resumed while locked out")
	default:
	}

	if got := q.Dequeue(partition.Turbo); got != tk {
		t.Fatal("ticket should still be queued after a tick with no usable key")
	}
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	pool := keypool.New(nil)
	q := queue.New(nil, nil, nil, nil)
	d := New(q, pool, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
