package proxy

import (
	"bufio"
	"fmt"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/partition"
	"github.com/nulpointcorp/llm-gateway/internal/queue"
	"github.com/nulpointcorp/llm-gateway/internal/ticket"
)

// sseWriter serializes every write against one ticket's open SSE stream —
// the heartbeat goroutine and the executor's event-translation loop both
// write to it, and while the queue's own lifecycle keeps them from running
// concurrently in the common case, a stall-sweep race at the boundary
// between dequeue and resume is cheaper to rule out with a mutex than to
// reason about.
type sseWriter struct {
	mu         sync.Mutex
	w          *bufio.Writer
	badParser  bool
	dialect    partition.Dialect
}

// StreamRegistry bridges the Queue's single HeartbeatFunc — which only
// knows about a *ticket.Ticket — to the specific per-request SSE writer
// goroutine the ticket's handler opened. One registry instance is shared by
// every provider Gateway, since the Queue and Dispatcher are shared too.
type StreamRegistry struct {
	mu      sync.Mutex
	writers map[string]*sseWriter

	diagnostic bool
}

// NewStreamRegistry builds an empty registry. diagnostic enables the
// synthetic fake-chunk heartbeat mode in place of bare SSE comment lines.
func NewStreamRegistry(diagnostic bool) *StreamRegistry {
	return &StreamRegistry{writers: make(map[string]*sseWriter), diagnostic: diagnostic}
}

// register opens a slot for t's stream. Must be paired with unregister.
func (s *StreamRegistry) register(t *ticket.Ticket, w *bufio.Writer, badParser bool, dialect partition.Dialect) *sseWriter {
	sw := &sseWriter{w: w, badParser: badParser, dialect: dialect}
	s.mu.Lock()
	s.writers[t.ID] = sw
	s.mu.Unlock()
	return sw
}

func (s *StreamRegistry) unregister(t *ticket.Ticket) {
	s.mu.Lock()
	delete(s.writers, t.ID)
	s.mu.Unlock()
}

func (s *StreamRegistry) lookup(id string) *sseWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writers[id]
}

// Heartbeat returns a queue.HeartbeatFunc bound to this registry, suitable
// for queue.New's onHeartbeat argument.
func (s *StreamRegistry) Heartbeat() queue.HeartbeatFunc {
	return func(t *ticket.Ticket, queueLen int, estWait time.Duration) {
		sw := s.lookup(t.ID)
		if sw == nil {
			return
		}
		sw.mu.Lock()
		defer sw.mu.Unlock()
		if sw.badParser {
			return
		}
		if s.diagnostic {
			writeFakeChunk(sw.w, sw.dialect)
			return
		}
		fmt.Fprintf(sw.w, ": queued, position estimate %d, est wait %s\n\n", queueLen, estWait.Round(time.Second))
		sw.w.Flush()
	}
}

// writeEvent writes one SSE "data: <payload>\n\n" event.
func writeEvent(w *bufio.Writer, payload []byte) {
	w.WriteString("data: ")
	w.Write(payload)
	w.WriteString("\n\n")
	w.Flush()
}

// writeDone writes the terminal "[DONE]" sentinel.
func writeDone(w *bufio.Writer) {
	w.WriteString("data: [DONE]\n\n")
	w.Flush()
}

// writeFakeChunk emits a well-formed, empty-content chunk in dialect as a
// diagnostic heartbeat — distinguishable from model output by its empty
// delta, but shaped so a dialect-aware parser doesn't choke on it.
func writeFakeChunk(w *bufio.Writer, dialect partition.Dialect) {
	switch dialect {
	case partition.DialectAnthropic:
		w.WriteString("event: ping\ndata: {\"type\":\"ping\"}\n\n")
	default:
		w.WriteString("data: {\"id\":\"heartbeat\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":null}]}\n\n")
	}
	w.Flush()
}

// writeSSEError writes a terminal error frame in the client's dialect,
// used when a failure occurs after headers were already sent.
func writeSSEError(w *bufio.Writer, message string) {
	fmt.Fprintf(w, "data: {\"error\":{\"type\":\"proxy_error\",\"message\":%q}}\n\n", message)
	w.Flush()
}
