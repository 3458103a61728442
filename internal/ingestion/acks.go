package ingestion

import (
	"sync"
)

type pendingAck struct {
	seq int64
	ack func()
}

// ackTracker holds the acks of applied NATS messages until the persistence
// worker reports their core sequence committed. A crash before the commit
// leaves the message unacked, so JetStream redelivers it.
type ackTracker struct {
	mu      sync.Mutex
	durable int64 // highest committed sequence, -1 before the first commit
	applied int64 // highest sequence handed to after
	pending []pendingAck
}

func newAckTracker() *ackTracker {
	return &ackTracker{durable: -1, applied: -1}
}

// after runs ack once seq is durable. Sequences arrive in increasing order
// from the single ingest goroutine.
func (t *ackTracker) after(seq int64, ack func()) {
	t.mu.Lock()
	if seq > t.applied {
		t.applied = seq
	}
	if seq <= t.durable {
		t.mu.Unlock()
		ack()
		return
	}
	t.pending = append(t.pending, pendingAck{seq: seq, ack: ack})
	t.mu.Unlock()
}

// afterApplied runs ack once everything applied so far is durable. Used for
// duplicates, whose original may still be in flight.
func (t *ackTracker) afterApplied(ack func()) {
	t.mu.Lock()
	seq := t.applied
	t.mu.Unlock()
	t.after(seq, ack)
}

// committed releases every ack at or below seq.
func (t *ackTracker) committed(seq int64) {
	t.mu.Lock()
	if seq > t.durable {
		t.durable = seq
	}
	n := 0
	for n < len(t.pending) && t.pending[n].seq <= t.durable {
		n++
	}
	ready := t.pending[:n:n]
	t.pending = t.pending[n:]
	t.mu.Unlock()

	for _, p := range ready {
		p.ack()
	}
}

func (t *ackTracker) waiting() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
