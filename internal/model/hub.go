package model

import (
	"log/slog"
	"sync"
)

// hub fans values out to subscribers without blocking the publisher. A
// buffered subscriber whose buffer is full misses the value; a queued
// subscriber receives every value in order.
type hub[T any] struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan T
	queues map[int]*queue[T]
}

func (h *hub[T]) subscribe(buf int) (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]chan T)
	}
	id := h.next
	h.next++
	ch := make(chan T, buf)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// subscribeQueued never drops a value. The reader must keep receiving or
// unsubscribe; pending values are held in memory until it does.
func (h *hub[T]) subscribeQueued() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queues == nil {
		h.queues = make(map[int]*queue[T])
	}
	id := h.next
	h.next++
	q := newQueue[T]()
	h.queues[id] = q
	go q.run()
	return q.out, func() {
		h.mu.Lock()
		delete(h.queues, id)
		h.mu.Unlock()
		q.stop()
	}
}

func (h *hub[T]) publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			slog.Debug("subscriber lagging, dropped event", "sub", id)
		}
	}
	for _, q := range h.queues {
		q.put(v)
	}
}

func (h *hub[T]) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	for id, q := range h.queues {
		delete(h.queues, id)
		q.finish()
	}
}

// queue is an unbounded mailbox drained into out by run.
type queue[T any] struct {
	mu      sync.Mutex
	pending []T
	done    bool
	wake    chan struct{}
	quit    chan struct{}
	once    sync.Once
	out     chan T
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan T),
	}
}

func (q *queue[T]) put(v T) {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, v)
	q.mu.Unlock()
	q.nudge()
}

func (q *queue[T]) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// finish delivers what is pending, then closes out.
func (q *queue[T]) finish() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	q.nudge()
}

// stop closes out without delivering the rest.
func (q *queue[T]) stop() {
	q.once.Do(func() { close(q.quit) })
}

func (q *queue[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			done := q.done
			q.mu.Unlock()
			if done {
				return
			}
			select {
			case <-q.wake:
			case <-q.quit:
				return
			}
			continue
		}
		v := q.pending[0]
		var zero T
		q.pending[0] = zero
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.quit:
			return
		}
	}
}
