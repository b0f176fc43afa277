package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

type outcome struct {
	retry  bool
	failed bool
	delay  time.Duration
}

// process runs one delivery of job against sub and records the state
// transitions. Transports act on the returned outcome.
func process(ctx context.Context, store StatusStore, sub *subscription, job *Job, backoff Backoff) outcome {
	logger := log.With().Str("queue", job.Queue).Str("job_id", job.ID).Int("attempt", job.Attempt).Logger()

	if err := store.SetState(ctx, job.ID, job.Queue, StateActive, job.Attempt, ""); err != nil {
		logger.Warn().Err(err).Msg("failed to record job state")
	}

	result, err := runHandler(ctx, sub.handler, job)
	if err == nil {
		if result != nil {
			if serr := store.SetResult(ctx, job.ID, result); serr != nil {
				logger.Warn().Err(serr).Msg("failed to record job result")
			}
		}
		if serr := store.SetState(ctx, job.ID, job.Queue, StateCompleted, job.Attempt, ""); serr != nil {
			logger.Warn().Err(serr).Msg("failed to record job state")
		}
		logger.Debug().Msg("Job processed successfully")
		return outcome{}
	}

	if IsPermanent(err) || job.Final() {
		logger.Error().Err(err).Int("max_attempts", job.MaxAttempts).Bool("permanent", IsPermanent(err)).
			Msg("Job permanently failed")
		if serr := store.SetState(ctx, job.ID, job.Queue, StateFailed, job.Attempt, err.Error()); serr != nil {
			logger.Warn().Err(serr).Msg("failed to record job state")
		}
		if sub.onExhausted != nil {
			runExhausted(ctx, sub.onExhausted, job, err)
		}
		return outcome{failed: true}
	}

	delay := backoff.Delay(job.Attempt)
	logger.Warn().Err(err).Dur("retry_in", delay).Msgf("Job failed (attempt %d/%d)", job.Attempt, job.MaxAttempts)
	if serr := store.SetState(ctx, job.ID, job.Queue, StateWaiting, job.Attempt, err.Error()); serr != nil {
		logger.Warn().Err(serr).Msg("failed to record job state")
	}
	return outcome{retry: true, delay: delay}
}

func runHandler(ctx context.Context, h Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func runExhausted(ctx context.Context, fn ExhaustedHandler, job *Job, cause error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("exhausted handler panic")
		}
	}()
	fn(ctx, job, cause)
}
