// Package clock maintains the authoritative countdown for one attempt.
// The local tick is the user-visible truth between syncs; the server wins
// unconditionally whenever it can be read.
package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/timerx"
)

const (
	// syncFloor is the hard minimum between two reconciliations of the
	// same kind, regardless of schedule. Absorbs bursts such as a rapid
	// series of tab refocuses.
	syncFloor = time.Minute

	// rateLimitBackoff overrides the adaptive schedule for one cycle
	// after the server rate-limits us.
	rateLimitBackoff = 5 * time.Minute

	// terminalWindow is the remaining-seconds threshold under which
	// reconciliation stops entirely; the expiry path takes over.
	terminalWindow = 60
)

// Callbacks connect the reconciler to the session engine.
type Callbacks struct {
	// Status reports the engine's current attempt status. Ticking and
	// reconciliation happen only while in-progress.
	Status func() model.AttemptStatus

	// OnExpired fires exactly once when true expiry is detected, either
	// locally (countdown hit zero) or from the server (timed-out status).
	// The engine flips status and surfaces the user notice here.
	OnExpired func()

	// OnHandoff fires after the grace delay following OnExpired and
	// hands the session to the submission coordinator.
	OnHandoff func()
}

// Reconciler owns the countdown for one attempt.
type Reconciler struct {
	authority    api.Authority
	clock        clockwork.Clock
	log          zerolog.Logger
	attemptID    uuid.UUID
	totalSeconds int
	graceDelay   time.Duration
	cb           Callbacks

	readFloor *rate.Limiter
	pushFloor *rate.Limiter
	grace     *timerx.Handle

	mu           sync.Mutex
	remaining    int
	expired      bool
	lastReadAt   time.Time
	lastPushAt   time.Time
	backoffUntil time.Time
	readInFlight bool
	pushInFlight bool
	forceRead    bool
	cancel       context.CancelFunc
}

// New builds a reconciler. totalSeconds is the full exam duration and
// remaining the countdown seed from load; both in seconds.
func New(authority api.Authority, clk clockwork.Clock, log zerolog.Logger, attemptID uuid.UUID, totalSeconds, remaining int, graceDelay time.Duration, cb Callbacks) *Reconciler {
	return &Reconciler{
		authority:    authority,
		clock:        clk,
		log:          log.With().Str("component", "clock_reconciler").Logger(),
		attemptID:    attemptID,
		totalSeconds: totalSeconds,
		graceDelay:   graceDelay,
		cb:           cb,
		readFloor:    rate.NewLimiter(rate.Every(syncFloor), 1),
		pushFloor:    rate.NewLimiter(rate.Every(syncFloor), 1),
		grace:        timerx.New(clk),
		remaining:    remaining,
	}
}

// Start begins the one-second tick loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.lastReadAt = r.clock.Now()
	r.lastPushAt = r.clock.Now()
	go r.run(ctx)
}

// Stop cancels the tick loop and every scheduled timer. Called on
// teardown, lease conflict, and entry into the submission coordinator.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.grace.Disarm()
}

// Remaining returns the current countdown value. Never negative.
func (r *Reconciler) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining
}

// ForceSync requests an immediate authoritative read on the next tick,
// subject to the hard floor. Used on tab refocus.
func (r *Reconciler) ForceSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forceRead = true
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := r.clock.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	if r.cb.Status() != model.AttemptStatusInProgress {
		return
	}

	r.mu.Lock()
	if r.expired {
		r.mu.Unlock()
		return
	}
	if r.remaining > 0 {
		r.remaining--
	}
	rem := r.remaining
	r.mu.Unlock()

	if rem == 0 {
		r.expire()
		return
	}
	if rem <= terminalWindow {
		// Close enough to expiry that a sync can no longer help.
		return
	}

	pct := float64(rem) / float64(r.totalSeconds) * 100
	r.maybeRead(ctx, pct)
	r.maybePush(ctx, pct)
}

func (r *Reconciler) maybeRead(ctx context.Context, pct float64) {
	now := r.clock.Now()

	r.mu.Lock()
	due := r.forceRead || now.Sub(r.lastReadAt) >= readInterval(pct)
	if r.readInFlight || now.Before(r.backoffUntil) || !due {
		r.mu.Unlock()
		return
	}
	if !r.readFloor.AllowN(now, 1) {
		r.mu.Unlock()
		return
	}
	r.readInFlight = true
	r.forceRead = false
	r.mu.Unlock()

	go r.doRead(ctx)
}

func (r *Reconciler) doRead(ctx context.Context) {
	tc, err := r.authority.GetTimeCheck(ctx, r.attemptID)

	r.mu.Lock()
	r.readInFlight = false
	r.lastReadAt = r.clock.Now()
	r.mu.Unlock()

	if err != nil {
		r.handleSyncError("read", err)
		return
	}

	if tc.Status == model.AttemptStatusTimedOut {
		r.expire()
		return
	}

	// Server wins unconditionally; no smoothing.
	r.mu.Lock()
	if !r.expired {
		r.remaining = tc.TimeRemaining
	}
	rem := r.remaining
	r.mu.Unlock()

	r.log.Debug().Int("remaining", rem).Msg("Countdown reconciled from server")

	if rem == 0 {
		r.expire()
	}
}

func (r *Reconciler) maybePush(ctx context.Context, pct float64) {
	now := r.clock.Now()

	r.mu.Lock()
	due := now.Sub(r.lastPushAt) >= pushInterval(pct)
	if r.pushInFlight || now.Before(r.backoffUntil) || !due {
		r.mu.Unlock()
		return
	}
	if !r.pushFloor.AllowN(now, 1) {
		r.mu.Unlock()
		return
	}
	r.pushInFlight = true
	seconds := r.remaining
	r.mu.Unlock()

	go r.doPush(ctx, seconds)
}

func (r *Reconciler) doPush(ctx context.Context, seconds int) {
	_, err := r.authority.UpdateTimeRemaining(ctx, r.attemptID, seconds)

	r.mu.Lock()
	r.pushInFlight = false
	r.lastPushAt = r.clock.Now()
	r.mu.Unlock()

	if err != nil {
		r.handleSyncError("push", err)
	}
}

// handleSyncError classifies a reconciliation failure. An authoritative
// timed-out answer is adopted, rate limiting backs the schedule off for
// one cycle, and anything else is swallowed until the next scheduled
// attempt: a failed sync must never block the local countdown.
func (r *Reconciler) handleSyncError(kind string, err error) {
	switch {
	case errors.Is(err, api.ErrAlreadyTimedOut):
		r.expire()
	case errors.Is(err, api.ErrRateLimited):
		r.mu.Lock()
		r.backoffUntil = r.clock.Now().Add(rateLimitBackoff)
		r.mu.Unlock()
		r.log.Warn().Str("kind", kind).Msg("Rate limited, backing off time sync")
	default:
		r.log.Debug().Err(err).Str("kind", kind).Msg("Time sync failed, will retry on schedule")
	}
}

// expire transitions to timed-out exactly once, surfaces the notice via
// the engine, and arms the grace timer for the submission handoff. The
// grace delay is cosmetic: the status flip already blocks further edits.
func (r *Reconciler) expire() {
	r.mu.Lock()
	if r.expired {
		r.mu.Unlock()
		return
	}
	r.expired = true
	r.remaining = 0
	r.mu.Unlock()

	r.log.Info().Str("attempt_id", r.attemptID.String()).Msg("Attempt time expired")

	if r.cb.OnExpired != nil {
		r.cb.OnExpired()
	}
	r.grace.Arm(r.graceDelay, func() {
		if r.cb.OnHandoff != nil {
			r.cb.OnHandoff()
		}
	})
}
