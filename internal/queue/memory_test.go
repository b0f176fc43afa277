package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unclebandit/smsblast/internal/queue"
)

func newTestQueue(maxAttempts int) (*queue.InMemoryQueue, *queue.MemoryStatusStore) {
	store := queue.NewMemoryStatusStore(time.Minute)
	q := queue.NewInMemoryQueue(store, queue.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond}, maxAttempts)
	return q, store
}

func waitIdle(t *testing.T, q *queue.InMemoryQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

type payload struct {
	N int `json:"n"`
}

func TestInMemoryQueue_ProcessesAndRecordsResult(t *testing.T) {
	q, store := newTestQueue(3)
	defer q.Close()

	var got int32
	err := q.Subscribe("work", 1, func(ctx context.Context, job *queue.Job) (any, error) {
		var p payload
		if err := job.Decode(&p); err != nil {
			return nil, err
		}
		atomic.AddInt32(&got, int32(p.N))
		return map[string]int{"doubled": p.N * 2}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	id, err := q.Enqueue(context.Background(), "work", payload{N: 21})
	if err != nil {
		t.Fatal(err)
	}
	waitIdle(t, q)

	if atomic.LoadInt32(&got) != 21 {
		t.Errorf("expected handler to see 21, got %d", got)
	}
	st, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != queue.StateCompleted {
		t.Errorf("expected completed, got %s", st.State)
	}
	if string(st.Result) != `{"doubled":42}` {
		t.Errorf("unexpected result %s", st.Result)
	}
	if st.FinishedAt == nil {
		t.Error("expected finishedOn to be set")
	}
}

func TestInMemoryQueue_RetriesUntilSuccess(t *testing.T) {
	q, store := newTestQueue(3)
	defer q.Close()

	var calls int32
	q.Subscribe("flaky", 1, func(ctx context.Context, job *queue.Job) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("temporary")
		}
		return nil, nil
	})
	q.Start(context.Background())

	id, _ := q.Enqueue(context.Background(), "flaky", payload{})
	waitIdle(t, q)

	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	st, _ := store.Get(context.Background(), id)
	if st.State != queue.StateCompleted || st.Attempts != 3 {
		t.Errorf("expected completed on attempt 3, got %s/%d", st.State, st.Attempts)
	}
}

func TestInMemoryQueue_ExhaustsAttempts(t *testing.T) {
	q, store := newTestQueue(3)
	defer q.Close()

	var calls, exhausted int32
	var lastErr error
	var mu sync.Mutex
	q.Subscribe("broken", 1, func(ctx context.Context, job *queue.Job) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("still down")
	}, queue.OnExhausted(func(ctx context.Context, job *queue.Job, err error) {
		atomic.AddInt32(&exhausted, 1)
		mu.Lock()
		lastErr = err
		mu.Unlock()
	}))
	q.Start(context.Background())

	id, _ := q.Enqueue(context.Background(), "broken", payload{})
	waitIdle(t, q)

	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if exhausted != 1 {
		t.Errorf("expected exhausted hook once, got %d", exhausted)
	}
	mu.Lock()
	if lastErr == nil || lastErr.Error() != "still down" {
		t.Errorf("unexpected exhausted error %v", lastErr)
	}
	mu.Unlock()
	st, _ := store.Get(context.Background(), id)
	if st.State != queue.StateFailed || st.FailedReason != "still down" {
		t.Errorf("expected failed with reason, got %s %q", st.State, st.FailedReason)
	}
}

func TestInMemoryQueue_PermanentErrorIsNotRetried(t *testing.T) {
	q, store := newTestQueue(5)
	defer q.Close()

	var calls int32
	q.Subscribe("strict", 1, func(ctx context.Context, job *queue.Job) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, queue.Permanent(errors.New("campaign not found"))
	})
	q.Start(context.Background())

	id, _ := q.Enqueue(context.Background(), "strict", payload{})
	waitIdle(t, q)

	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
	st, _ := store.Get(context.Background(), id)
	if st.State != queue.StateFailed {
		t.Errorf("expected failed, got %s", st.State)
	}
}

func TestInMemoryQueue_MalformedPayloadIsPermanent(t *testing.T) {
	q, _ := newTestQueue(5)
	defer q.Close()

	var calls int32
	q.Subscribe("typed", 1, func(ctx context.Context, job *queue.Job) (any, error) {
		atomic.AddInt32(&calls, 1)
		var p payload
		return nil, job.Decode(&p)
	})
	q.Start(context.Background())

	q.Enqueue(context.Background(), "typed", "not an object")
	waitIdle(t, q)

	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestInMemoryQueue_PanicIsRetried(t *testing.T) {
	q, _ := newTestQueue(2)
	defer q.Close()

	var calls int32
	q.Subscribe("panicky", 1, func(ctx context.Context, job *queue.Job) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return nil, nil
	})
	q.Start(context.Background())

	q.Enqueue(context.Background(), "panicky", payload{})
	waitIdle(t, q)

	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestInMemoryQueue_RespectsConcurrency(t *testing.T) {
	q, _ := newTestQueue(1)
	defer q.Close()

	var running, peak int32
	q.Subscribe("bounded", 2, func(ctx context.Context, job *queue.Job) (any, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	})
	q.Start(context.Background())

	for i := 0; i < 8; i++ {
		q.Enqueue(context.Background(), "bounded", payload{N: i})
	}
	waitIdle(t, q)

	if peak > 2 {
		t.Errorf("expected at most 2 concurrent handlers, saw %d", peak)
	}
}

func TestInMemoryQueue_DelayedJob(t *testing.T) {
	q, _ := newTestQueue(1)
	defer q.Close()

	var ranAt atomic.Value
	q.Subscribe("later", 1, func(ctx context.Context, job *queue.Job) (any, error) {
		ranAt.Store(time.Now())
		return nil, nil
	})
	q.Start(context.Background())

	start := time.Now()
	q.Enqueue(context.Background(), "later", payload{}, queue.WithDelay(30*time.Millisecond))
	waitIdle(t, q)

	if got := ranAt.Load().(time.Time).Sub(start); got < 30*time.Millisecond {
		t.Errorf("job ran after %v, expected at least 30ms", got)
	}
}

func TestInMemoryQueue_WithJobID(t *testing.T) {
	q, _ := newTestQueue(1)
	defer q.Close()

	id, err := q.Enqueue(context.Background(), "named", payload{}, queue.WithJobID("campaign-42"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "campaign-42" {
		t.Errorf("expected campaign-42, got %s", id)
	}
}

func TestInMemoryQueue_SubscribeAfterStartFails(t *testing.T) {
	q, _ := newTestQueue(1)
	defer q.Close()

	q.Start(context.Background())
	err := q.Subscribe("late", 1, func(ctx context.Context, job *queue.Job) (any, error) { return nil, nil })
	if err == nil {
		t.Error("expected error subscribing after start")
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := queue.Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{64, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMemoryStatusStore_UnknownJob(t *testing.T) {
	store := queue.NewMemoryStatusStore(time.Minute)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, queue.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryStatusStore_Progress(t *testing.T) {
	store := queue.NewMemoryStatusStore(time.Minute)
	ctx := context.Background()
	store.SetState(ctx, "j1", "contact-import", queue.StateActive, 1, "")
	store.SetProgress(ctx, "j1", map[string]int{"processed": 10})

	st, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != queue.StateActive || string(st.Progress) != `{"processed":10}` {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestMemoryStatusStore_TerminalStateIsFinal(t *testing.T) {
	store := queue.NewMemoryStatusStore(time.Minute)
	ctx := context.Background()

	store.SetState(ctx, "j1", "contact-import", queue.StateActive, 1, "")
	store.SetState(ctx, "j1", "contact-import", queue.StateCompleted, 1, "")
	// A producer's late write loses to the consumer's finished state.
	store.SetState(ctx, "j1", "contact-import", queue.StateWaiting, 0, "")
	store.SetState(ctx, "j1", "contact-import", queue.StateActive, 2, "")

	st, err := store.Get(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != queue.StateCompleted || st.Attempts != 1 || st.FinishedAt == nil {
		t.Errorf("expected completed job to stay completed, got %+v", st)
	}

	store.SetState(ctx, "j1", "contact-import", queue.StateFailed, 2, "boom")
	if st, _ := store.Get(ctx, "j1"); st.State != queue.StateFailed || st.FailedReason != "boom" {
		t.Errorf("expected terminal state to be replaceable by another terminal state, got %+v", st)
	}
}
