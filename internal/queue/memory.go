package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// InMemoryQueue runs jobs in-process with the same retry semantics as the
// RabbitMQ queue. Jobs do not survive a restart; use it for tests and local
// development.
type InMemoryQueue struct {
	mu          sync.Mutex
	queues      map[string]*memLane
	subs        map[string]*subscription
	store       StatusStore
	backoff     Backoff
	maxAttempts int
	pending     int
	started     bool
	closed      bool
	wg          sync.WaitGroup
	cancel      context.CancelFunc
}

type memLane struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []*Job
	closed bool
}

func newMemLane() *memLane {
	l := &memLane{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *memLane) push(job *Job) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.jobs = append(l.jobs, job)
	l.cond.Signal()
	return true
}

func (l *memLane) pop() (*Job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.jobs) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.jobs) == 0 {
		return nil, false
	}
	job := l.jobs[0]
	l.jobs = l.jobs[1:]
	return job, true
}

func (l *memLane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}

// NewInMemoryQueue creates a new queue.
func NewInMemoryQueue(store StatusStore, backoff Backoff, maxAttempts int) *InMemoryQueue {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &InMemoryQueue{
		queues:      make(map[string]*memLane),
		subs:        make(map[string]*subscription),
		store:       store,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

func (q *InMemoryQueue) lane(name string) *memLane {
	l, ok := q.queues[name]
	if !ok {
		l = newMemLane()
		q.queues[name] = l
	}
	return l
}

// Enqueue adds a job. Jobs for queues nobody has subscribed to yet wait until
// a subscriber starts.
func (q *InMemoryQueue) Enqueue(ctx context.Context, name string, payload any, opts ...EnqueueOption) (string, error) {
	o := enqueueOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", name, err)
	}

	id := o.jobID
	if id == "" {
		id = uuid.NewString()
	}
	job := &Job{ID: id, Queue: name, Attempt: 1, MaxAttempts: q.maxAttempts, Body: body}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", fmt.Errorf("queue closed")
	}
	lane := q.lane(name)
	q.pending++
	q.mu.Unlock()

	if err := q.store.SetState(ctx, id, name, StateWaiting, 0, ""); err != nil {
		log.Warn().Err(err).Str("job_id", id).Msg("failed to record job state")
	}

	q.schedule(lane, job, o.delay)
	return id, nil
}

func (q *InMemoryQueue) schedule(lane *memLane, job *Job, delay time.Duration) {
	if delay <= 0 {
		if !lane.push(job) {
			q.done()
		}
		return
	}
	time.AfterFunc(delay, func() {
		if !lane.push(job) {
			q.done()
		}
	})
}

func (q *InMemoryQueue) done() {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
}

// Subscribe registers the handler for a queue. Must be called before Start.
func (q *InMemoryQueue) Subscribe(name string, concurrency int, h Handler, opts ...SubscribeOption) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("subscribe to %s after start", name)
	}
	if _, ok := q.subs[name]; ok {
		return fmt.Errorf("queue %s already has a subscriber", name)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	sub := &subscription{queue: name, concurrency: concurrency, handler: h}
	for _, opt := range opts {
		opt(sub)
	}
	q.subs[name] = sub
	q.lane(name)
	return nil
}

// Start launches the worker pools.
func (q *InMemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)
	for name, sub := range q.subs {
		lane := q.lane(name)
		for i := 0; i < sub.concurrency; i++ {
			q.wg.Add(1)
			go q.work(ctx, lane, sub)
		}
		log.Info().Str("queue", name).Int("concurrency", sub.concurrency).Msg("Worker pool started")
	}

	go func() {
		<-ctx.Done()
		q.closeLanes()
	}()
	return nil
}

func (q *InMemoryQueue) work(ctx context.Context, lane *memLane, sub *subscription) {
	defer q.wg.Done()
	for {
		job, ok := lane.pop()
		if !ok {
			return
		}
		out := process(context.WithoutCancel(ctx), q.store, sub, job, q.backoff)
		if out.retry {
			next := *job
			next.Attempt++
			q.schedule(lane, &next, out.delay)
			continue
		}
		q.done()
	}
}

// Pending returns the number of jobs that have not reached a terminal state.
func (q *InMemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// WaitIdle blocks until every enqueued job has completed or failed.
func (q *InMemoryQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *InMemoryQueue) closeLanes() {
	q.mu.Lock()
	q.closed = true
	lanes := make([]*memLane, 0, len(q.queues))
	for _, l := range q.queues {
		lanes = append(lanes, l)
	}
	q.mu.Unlock()
	for _, l := range lanes {
		l.close()
	}
}

// Close stops accepting jobs and waits for running handlers to return.
func (q *InMemoryQueue) Close() error {
	q.closeLanes()
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	return nil
}

var _ Queue = (*InMemoryQueue)(nil)
