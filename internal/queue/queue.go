package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Queue names and their per-process worker counts. SMS sends are I/O bound;
// fan-out and import are DB heavy and kept low so they cannot starve the pool.
const (
	ContactImportQueue = "contact-import"
	CampaignsQueue     = "campaigns"
	SMSQueue           = "sms"
)

var Concurrency = map[string]int{
	ContactImportQueue: 2,
	CampaignsQueue:     2,
	SMSQueue:           5,
}

// Job is one delivery of an enqueued payload. Attempt is 1-based.
type Job struct {
	ID          string
	Queue       string
	Attempt     int
	MaxAttempts int
	Body        []byte
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Body, v); err != nil {
		return Permanent(fmt.Errorf("invalid %s payload for job %s: %w", j.Queue, j.ID, err))
	}
	return nil
}

// Final reports whether a failure of this delivery will not be retried.
func (j *Job) Final() bool {
	return j.Attempt >= j.MaxAttempts
}

// Handler processes a job. A nil error completes the job and the result is
// recorded; a non-nil error is retried with backoff unless it is Permanent or
// attempts are exhausted.
type Handler func(ctx context.Context, job *Job) (any, error)

// ExhaustedHandler runs once when a job fails for good.
type ExhaustedHandler func(ctx context.Context, job *Job, err error)

// Queue is the durable at-least-once job queue the workers run on.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) (string, error)
	Subscribe(queue string, concurrency int, h Handler, opts ...SubscribeOption) error
	Start(ctx context.Context) error
	Close() error
}

// Enqueuer is the publish half of Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts ...EnqueueOption) (string, error)
}

type enqueueOptions struct {
	delay time.Duration
	jobID string
}

type EnqueueOption func(*enqueueOptions)

// WithDelay makes the job visible to workers only after d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// WithJobID sets the job id instead of generating one.
func WithJobID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.jobID = id }
}

type subscription struct {
	queue       string
	concurrency int
	handler     Handler
	onExhausted ExhaustedHandler
}

type SubscribeOption func(*subscription)

// OnExhausted registers fn to run when a job of this subscription fails for good.
func OnExhausted(fn ExhaustedHandler) SubscribeOption {
	return func(s *subscription) { s.onExhausted = fn }
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff is exponential: Base * 2^(attempt-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute}
}

// Delay returns how long to wait before the retry that follows attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return b.Max
	}
	d := b.Base << uint(attempt-1)
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	return d
}
