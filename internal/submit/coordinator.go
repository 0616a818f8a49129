// Package submit drives an attempt to its terminal server-confirmed
// state exactly once, regardless of which trigger fired first: explicit
// user action, timer expiry, or the security violation ceiling.
package submit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/answers"
	"github.com/stemsi/exstem-client/internal/model"
)

// Phase is the coordinator state machine. Failed loops back into
// Submitting through a manual re-trigger; Completed is final.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed-retryable"
)

// Deps are the collaborators and engine hooks the coordinator drives.
type Deps struct {
	Authority api.Authority
	Queue     *answers.Queue

	// StopSchedules cancels the clock reconciler's timers so no sync
	// call races the submission.
	StopSchedules func()

	Status    func() model.AttemptStatus
	SetStatus func(model.AttemptStatus)

	// Remaining reports the final local countdown value for the closing
	// time push.
	Remaining func() int

	// OnCompleted hands navigation to the presentation layer.
	OnCompleted func()

	// OnFailed surfaces a terminal failure with a manual-retry
	// affordance; the UI re-enables the submit action.
	OnFailed func(err error)
}

// Coordinator owns the single path to a terminal state.
type Coordinator struct {
	clock       clockwork.Clock
	log         zerolog.Logger
	attemptID   uuid.UUID
	maxAttempts int
	backoffBase time.Duration
	deps        Deps

	mu       sync.Mutex
	phase    Phase
	inFlight bool
}

// New builds a coordinator in PhaseIdle.
func New(clk clockwork.Clock, log zerolog.Logger, attemptID uuid.UUID, maxAttempts int, backoffBase time.Duration, deps Deps) *Coordinator {
	return &Coordinator{
		clock:       clk,
		log:         log.With().Str("component", "submission").Logger(),
		attemptID:   attemptID,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		deps:        deps,
	}
}

// Phase returns the current coordinator phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Trigger starts the submission protocol. Re-entrant calls while a
// submission is underway, or after it completed, are ignored; this is
// the guard that keeps timer expiry, the violation ceiling and a manual
// submit from racing each other into double submission. Returns whether
// this call took the flight.
func (c *Coordinator) Trigger(ctx context.Context) bool {
	c.mu.Lock()
	if c.inFlight || c.phase == PhaseCompleted {
		c.mu.Unlock()
		return false
	}
	c.inFlight = true
	c.phase = PhaseSubmitting
	c.mu.Unlock()

	go c.run(ctx)
	return true
}

func (c *Coordinator) run(ctx context.Context) {
	c.log.Info().Str("attempt_id", c.attemptID.String()).Msg("Submission started")

	// No new sync calls may race the submission.
	c.deps.StopSchedules()

	// Freshest answer state first. A forced flush is best-effort: on
	// failure the entries stay in memory and the final state still
	// reaches the server through the submit itself.
	if err := c.deps.Queue.ForceFlush(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Final answer flush failed, continuing with submission")
	}

	// Close out the clock unless the server already called time.
	if c.deps.Status() == model.AttemptStatusInProgress {
		_, err := c.deps.Authority.UpdateTimeRemaining(ctx, c.attemptID, c.deps.Remaining())
		switch {
		case errors.Is(err, api.ErrAlreadyTimedOut):
			c.deps.SetStatus(model.AttemptStatusTimedOut)
		case err != nil:
			c.log.Warn().Err(err).Msg("Final time push failed, continuing with submission")
		}
	}

	err := c.submitWithRetry(ctx)
	if err != nil {
		c.mu.Lock()
		c.phase = PhaseFailed
		c.inFlight = false
		c.mu.Unlock()

		c.log.Error().Err(err).Msg("Submission failed after retries")
		if c.deps.OnFailed != nil {
			c.deps.OnFailed(err)
		}
		return
	}

	// Irreversible: nothing moves the attempt out of completed again.
	c.deps.SetStatus(model.AttemptStatusCompleted)
	c.deps.Queue.Clear()

	c.mu.Lock()
	c.phase = PhaseCompleted
	c.mu.Unlock()

	c.log.Info().Str("attempt_id", c.attemptID.String()).Msg("Submission confirmed")
	if c.deps.OnCompleted != nil {
		c.deps.OnCompleted()
	}
}

// submitWithRetry calls SubmitExam with exponential backoff (1s, 2s, 4s
// under the defaults). The server treats submission as idempotent, so a
// retried batch cannot double-complete the attempt.
func (c *Coordinator) submitWithRetry(ctx context.Context) error {
	var lastErr error
	backoff := c.backoffBase

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.deps.Authority.SubmitExam(ctx, c.attemptID)
		if lastErr == nil {
			return nil
		}

		c.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("Submit attempt failed")

		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
