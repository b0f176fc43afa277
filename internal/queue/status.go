package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions will happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var ErrJobNotFound = errors.New("job not found")

// JobStatus is what callers poll for a job id.
type JobStatus struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	State        State           `json:"state"`
	Attempts     int             `json:"attempts"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failedReason,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	FinishedAt   *time.Time      `json:"finishedOn,omitempty"`
}

// StatusStore keeps transient job state. Entries expire; nothing here is
// meant to outlive the job by much. SetState never moves a job out of a
// terminal state: producers and consumers write from different processes and
// a late "waiting" must not hide a finished job.
type StatusStore interface {
	SetState(ctx context.Context, jobID, queue string, state State, attempts int, reason string) error
	SetProgress(ctx context.Context, jobID string, progress any) error
	SetResult(ctx context.Context, jobID string, result any) error
	Get(ctx context.Context, jobID string) (*JobStatus, error)
}

// MemoryStatusStore keeps job state in a go-cache with expiry.
type MemoryStatusStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemoryStatusStore(ttl time.Duration) *MemoryStatusStore {
	return &MemoryStatusStore{cache: cache.New(ttl, 2*ttl)}
}

func (s *MemoryStatusStore) update(jobID string, fn func(st *JobStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := &JobStatus{ID: jobID}
	if v, ok := s.cache.Get(jobID); ok {
		cp := *v.(*JobStatus)
		st = &cp
	}
	fn(st)
	st.UpdatedAt = time.Now()
	s.cache.SetDefault(jobID, st)
}

func (s *MemoryStatusStore) SetState(_ context.Context, jobID, queue string, state State, attempts int, reason string) error {
	s.update(jobID, func(st *JobStatus) {
		if st.State.Terminal() && !state.Terminal() {
			return
		}
		st.Queue = queue
		st.State = state
		st.Attempts = attempts
		st.FailedReason = reason
		if state.Terminal() {
			now := time.Now()
			st.FinishedAt = &now
		}
	})
	return nil
}

func (s *MemoryStatusStore) SetProgress(_ context.Context, jobID string, progress any) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	s.update(jobID, func(st *JobStatus) { st.Progress = raw })
	return nil
}

func (s *MemoryStatusStore) SetResult(_ context.Context, jobID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	s.update(jobID, func(st *JobStatus) { st.Result = raw })
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, jobID string) (*JobStatus, error) {
	v, ok := s.cache.Get(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *v.(*JobStatus)
	return &cp, nil
}

var _ StatusStore = (*MemoryStatusStore)(nil)

// OpenStatusStore returns a Redis store when redisURL is set and a
// process-local one otherwise. The returned close func is never nil.
func OpenStatusStore(ctx context.Context, redisURL string, ttl time.Duration) (StatusStore, func() error, error) {
	if redisURL == "" {
		log.Warn().Msg("⚠️ REDIS_URL not set, job status is only visible inside this process")
		return NewMemoryStatusStore(ttl), func() error { return nil }, nil
	}
	rs, err := NewRedisStatusStore(ctx, redisURL, ttl)
	if err != nil {
		return nil, nil, err
	}
	return rs, rs.Close, nil
}
