package speech

import (
	"sync"
	"time"

	"mochigami/backend/internal/constants"
)

// Payload is one synthesized utterance waiting to be played
type Payload struct {
	Audio      []byte // playable container returned by the synthesizer
	Text       string
	Source     string // reaction, dice, greeting, monologue, ...
	EnqueuedAt time.Time
}

// Queue is a per-session FIFO of synthesized speech. It never blocks the
// producer: when full, new payloads are dropped.
type Queue struct {
	items   []*Payload
	maxSize int
	dropped int
	mu      sync.Mutex
}

// NewQueue creates a queue holding at most maxSize payloads
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = constants.MaxQueueSize
	}
	return &Queue{
		items:   make([]*Payload, 0, maxSize),
		maxSize: maxSize,
	}
}

// Enqueue appends p and reports whether it was accepted. Payloads produced
// while foreground music is playing are discarded.
func (q *Queue) Enqueue(p *Payload, musicPlaying bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if p == nil || musicPlaying || len(q.items) >= q.maxSize {
		q.dropped++
		return false
	}
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now()
	}
	q.items = append(q.items, p)
	return true
}

// Pop removes and returns the oldest payload, or nil
func (q *Queue) Pop() *Payload {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return item
}

// Drain discards everything queued and returns how many payloads were dropped
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	q.items = q.items[:0]
	q.dropped += n
	return n
}

// Len returns the number of queued payloads
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Dropped returns how many payloads were rejected or discarded so far
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dropped
}
