// Package agent implements the outbound retry queue to worker daemons: a
// bounded, thread-safe queue of {target_node, rpc, attempts, next_try}
// records drained once per background-loop iteration, independent of the
// four-entity lock manager.
package agent

import (
	"sync"
	"time"

	"github.com/cuemby/ctld/pkg/log"
	"github.com/google/uuid"
)

// RPC is the outbound message an agent entry carries; deliberately opaque
// here; encoding is whatever pkg/wire body the caller built.
type RPC struct {
	Opcode  uint16
	Payload []byte
}

// entry is one queued outbound RPC. id is a unique tracing handle so a
// retried delivery can be correlated across log lines even though its
// position in the slice changes on every Drain.
type entry struct {
	id       string
	target   string
	rpc      RPC
	attempts int
	nextTry  time.Time
}

// Sender performs the actual network round-trip; supplied by pkg/rpc so
// this package stays free of wire/transport concerns.
type Sender func(target string, rpc RPC) error

// MaxRetries bounds the exponential back-off before an entry is dropped
// and its target node drained with a reason string.
const MaxRetries = 5

// Queue is the thread-safe retry queue. One instance per controller
// process, owned by the agent subsystem.
type Queue struct {
	mu      sync.Mutex
	entries []*entry
	send    Sender

	// OnExhausted is called when an entry exceeds MaxRetries; the
	// controller (pkg/controller) wires this to drain the target node.
	OnExhausted func(target string, rpc RPC)
}

// New returns an empty queue that will use send to perform deliveries.
func New(send Sender) *Queue {
	return &Queue{send: send}
}

// Enqueue adds a new outbound RPC, eligible for immediate delivery on the
// next Drain call.
func (q *Queue) Enqueue(target string, rpc RPC) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &entry{id: uuid.NewString(), target: target, rpc: rpc, nextTry: time.Now()})
}

// Drain attempts delivery of every entry whose back-off has elapsed,
// called once per background-loop iteration.
func (q *Queue) Drain() {
	q.mu.Lock()
	due := make([]*entry, 0, len(q.entries))
	remaining := q.entries[:0]
	now := time.Now()
	for _, e := range q.entries {
		if now.Before(e.nextTry) {
			remaining = append(remaining, e)
			continue
		}
		due = append(due, e)
	}
	q.entries = remaining
	q.mu.Unlock()

	logger := log.WithComponent("agent")
	for _, e := range due {
		err := q.send(e.target, e.rpc)
		if err == nil {
			continue
		}
		e.attempts++
		if e.attempts > MaxRetries {
			logger.Warn().Str("entry", e.id).Str("target", e.target).Int("attempts", e.attempts).Msg("agent retry exhausted, draining node")
			if q.OnExhausted != nil {
				q.OnExhausted(e.target, e.rpc)
			}
			continue
		}
		backoff := time.Duration(1<<uint(e.attempts)) * time.Second
		e.nextTry = time.Now().Add(backoff)
		q.mu.Lock()
		q.entries = append(q.entries, e)
		q.mu.Unlock()
		logger.Debug().Str("entry", e.id).Str("target", e.target).Err(err).Dur("backoff", backoff).Msg("agent retry scheduled")
	}
}

// Len returns the number of entries currently queued, for the
// agent-queue-depth metric.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
