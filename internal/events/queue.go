package events

import (
	"context"
	"errors"
	"sync"

	"kerne-operator/internal/metrics"
)

// ErrClosed is returned by Next once the queue is closed and empty.
var ErrClosed = errors.New("event queue closed")

// DefaultQueueSize bounds the queue when no size is configured.
const DefaultQueueSize = 256

type queueKey struct {
	kind  Kind
	chain string
}

// Queue is a bounded, coalescing event queue. Events of the same (kind, chain) that are still
// waiting collapse into one carrying the latest block. It is the only mutable state shared between
// producers and the hedging loop.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	index  map[queueKey]int
	size   int
	closed bool
	wake   chan struct{}
}

// NewQueue returns a queue holding at most size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		index: make(map[queueKey]int, size),
		size:  size,
		wake:  make(chan struct{}, 1),
	}
}

// Publish enqueues ev. It returns false when the event was dropped (queue full or closed).
func (q *Queue) Publish(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	key := queueKey{kind: ev.Kind, chain: ev.Chain}
	if i, ok := q.index[key]; ok {
		if ev.Block > q.items[i].Block {
			q.items[i].Block = ev.Block
			q.items[i].TxHash = ev.TxHash
		}
		if ev.At.After(q.items[i].At) {
			q.items[i].At = ev.At
		}
		metrics.QueueCoalesced.Inc()
		return true
	}

	if len(q.items) >= q.size {
		metrics.QueueDropped.Inc()
		return false
	}

	q.items = append(q.items, ev)
	q.index[key] = len(q.items) - 1
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.signal()
	return true
}

// Next blocks until an event is available, the queue is closed and empty, or ctx is done.
// Events leave in arrival order, except that events of the same chain leave in block order.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok, closed := q.pop(); ok {
			return ev, nil
		} else if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// TryNext returns the next event without blocking.
func (q *Queue) TryNext() (Event, bool) {
	ev, ok, _ := q.pop()
	return ev, ok
}

func (q *Queue) pop() (Event, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Event{}, false, q.closed
	}

	pick := 0
	head := q.items[0]
	if head.Chain != "" {
		for i := 1; i < len(q.items); i++ {
			it := q.items[i]
			if it.Chain == head.Chain && it.Block < q.items[pick].Block {
				pick = i
			}
		}
	}

	ev := q.items[pick]
	q.items = append(q.items[:pick], q.items[pick+1:]...)
	q.reindex()
	metrics.QueueDepth.Set(float64(len(q.items)))
	if len(q.items) > 0 {
		q.signal()
	}
	return ev, true, false
}

func (q *Queue) reindex() {
	clear(q.index)
	for i, it := range q.items {
		q.index[queueKey{kind: it.Kind, chain: it.Chain}] = i
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports the number of waiting events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting events. Waiting events can still be consumed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal()
}

// Drain closes the queue and hands every waiting event to fn until the queue is empty or ctx
// expires. It returns the number of events handled.
func (q *Queue) Drain(ctx context.Context, fn func(context.Context, Event)) (int, error) {
	q.Close()
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ev, ok := q.TryNext()
		if !ok {
			return n, nil
		}
		fn(ctx, ev)
		n++
	}
}
