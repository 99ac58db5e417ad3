package throttle

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("queue closed")

// Queue limits how many tasks run against one external resource at a time
// and how quickly they are released. Waiting tasks are released highest
// priority first, and in submission order among equal priorities.
type Queue struct {
	name    string
	max     int
	limiter *rate.Limiter

	mu      sync.Mutex
	running int
	seq     uint64
	waiting waiterHeap

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type waiter struct {
	priority int
	seq      uint64
	index    int
	granted  bool
	ready    chan struct{}
}

// NewQueue starts a queue. maxConcurrent <= 0 means unbounded and
// interval <= 0 means tasks are not spaced out.
func NewQueue(name string, maxConcurrent int, interval time.Duration) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		max:    maxConcurrent,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if interval > 0 {
		q.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	go q.dispatch()
	return q
}

func (q *Queue) Name() string {
	return q.name
}

// Do waits for a slot, runs task and frees the slot whatever the outcome.
func Do[T any](ctx context.Context, q *Queue, priority int, task func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := q.acquire(ctx, priority); err != nil {
		return zero, err
	}
	defer q.release()
	return task(ctx)
}

// Run is Do for tasks without a result.
func (q *Queue) Run(ctx context.Context, priority int, task func(context.Context) error) error {
	_, err := Do(ctx, q, priority, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, task(ctx)
	})
	return err
}

func (q *Queue) acquire(ctx context.Context, priority int) error {
	w := &waiter{priority: priority, ready: make(chan struct{})}

	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	w.seq = q.seq
	heap.Push(&q.waiting, w)
	q.mu.Unlock()
	q.signal()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
	case <-q.ctx.Done():
	}

	q.mu.Lock()
	granted := w.granted
	if !granted {
		heap.Remove(&q.waiting, w.index)
	}
	q.mu.Unlock()
	if granted {
		q.release()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrClosed
}

func (q *Queue) release() {
	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) hasRoom() bool {
	return q.waiting.Len() > 0 && (q.max <= 0 || q.running < q.max)
}

func (q *Queue) dispatch() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.hasRoom() {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.ctx.Done():
				return
			}
			q.mu.Lock()
		}
		q.mu.Unlock()

		if q.limiter != nil {
			if err := q.limiter.Wait(q.ctx); err != nil {
				return
			}
		}

		q.mu.Lock()
		if q.hasRoom() {
			w := heap.Pop(&q.waiting).(*waiter)
			w.granted = true
			q.running++
			close(w.ready)
		}
		q.mu.Unlock()
	}
}

// Close stops releasing tasks. Waiting callers get ErrClosed and running
// tasks finish normally.
func (q *Queue) Close() {
	q.cancel()
	<-q.done
}

// Stats reports running and waiting task counts.
func (q *Queue) Stats() (running, waiting int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running, q.waiting.Len()
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
