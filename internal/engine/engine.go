// Package engine is the composition root of the attempt runtime. It owns
// the attempt aggregate, wires the countdown, answer queue, tab lease,
// security monitor and submission coordinator together, and exposes the
// operations the presentation layer calls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/answers"
	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/clock"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/environ"
	"github.com/stemsi/exstem-client/internal/lease"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/proctor"
	"github.com/stemsi/exstem-client/internal/submit"
)

// Guard errors returned by engine operations.
var (
	ErrNotLoaded           = errors.New("attempt not loaded")
	ErrAttemptNotResumable = errors.New("attempt is not in progress")
	ErrLeaseConflict       = errors.New("attempt is open in another tab")
	ErrNotInProgress       = errors.New("attempt is no longer in progress")
	ErrNavigationLocked    = errors.New("free navigation is disabled for this exam")
	ErrQuestionIndex       = errors.New("question index out of range")
	ErrUnknownQuestion     = errors.New("unknown question id")
)

// NoticeKind distinguishes how the presentation layer should render a
// notice.
type NoticeKind string

const (
	NoticeInfo     NoticeKind = "info"
	NoticeWarning  NoticeKind = "warning"  // transient toast
	NoticeBlocking NoticeKind = "blocking" // modal, dismissable
	NoticeForced   NoticeKind = "forced"   // modal, non-dismissable
	NoticeError    NoticeKind = "error"    // persistent, manual retry
)

// Notice is a user-facing message emitted by the engine.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// Options configure a new engine.
type Options struct {
	Authority  api.Authority
	LeaseStore lease.Store
	Env        environ.Environment
	Clock      clockwork.Clock
	Log        zerolog.Logger
	Config     *config.Config

	// Reporter streams violations to the live proctor view. Optional.
	Reporter proctor.ViolationSink

	// OnNotice receives user-facing notices. Optional.
	OnNotice func(Notice)

	// OnNavigateAway fires once the attempt reaches a terminal state
	// (or the user exits a conflicted tab). Optional.
	OnNavigateAway func()
}

// Snapshot is the read-only session view for rendering.
type Snapshot struct {
	AttemptID            uuid.UUID
	Status               model.AttemptStatus
	TimeRemaining        int
	CurrentQuestionIndex int
	Questions            []model.Question
	PendingSaves         int
	ViolationCount       int
	LeaseState           lease.State
	SubmissionPhase      submit.Phase
}

// Engine governs one attempt from load to submission.
type Engine struct {
	authority api.Authority
	store     lease.Store
	env       environ.Environment
	clk       clockwork.Clock
	log       zerolog.Logger
	cfg       *config.Config
	reporter  proctor.ViolationSink
	onNotice  func(Notice)
	onNav     func()

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	session   *model.AttemptSession
	exam      model.Exam
	qIndex    map[uuid.UUID]int
	enteredAt time.Time
	closed    bool

	// suspended marks that a mid-session lease conflict stopped the
	// reconciler and monitor; a later Conflicted→Active transition must
	// restart them.
	suspended bool
	watching  bool

	leaseMgr *lease.Manager
	queue    *answers.Queue
	recon    *clock.Reconciler
	monitor  *proctor.Monitor
	coord    *submit.Coordinator
}

// New builds an engine; call Load before anything else.
func New(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		authority: opts.Authority,
		store:     opts.LeaseStore,
		env:       opts.Env,
		clk:       opts.Clock,
		log:       opts.Log.With().Str("component", "session_engine").Logger(),
		cfg:       opts.Config,
		reporter:  opts.Reporter,
		onNotice:  opts.OnNotice,
		onNav:     opts.OnNavigateAway,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Load fetches the attempt bundle, claims the tab lease, and starts the
// runtime components. When the lease is conflicted no component starts
// and no mutation is possible; the caller offers retry-or-exit.
func (e *Engine) Load(ctx context.Context, attemptID uuid.UUID) error {
	bundle, err := e.authority.LoadAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load attempt: %w", err)
	}
	if bundle.Status != model.AttemptStatusInProgress {
		return fmt.Errorf("%w: status %s", ErrAttemptNotResumable, bundle.Status)
	}

	e.mu.Lock()
	e.session = &model.AttemptSession{
		AttemptID:            bundle.AttemptID,
		Status:               bundle.Status,
		TimeRemainingSeconds: bundle.TimeRemainingSeconds,
		CurrentQuestionIndex: 0,
		Questions:            bundle.Questions,
	}
	e.exam = bundle.Exam
	e.qIndex = make(map[uuid.UUID]int, len(bundle.Questions))
	for i := range bundle.Questions {
		e.qIndex[bundle.Questions[i].ID] = i
	}
	e.enteredAt = e.clk.Now()
	e.mu.Unlock()

	mgr := lease.NewManager(e.store, e.clk, e.log, attemptID,
		e.cfg.HeartbeatInterval, e.cfg.LeaseStaleTimeout, e.handleLeaseConflict)
	e.mu.Lock()
	e.leaseMgr = mgr
	e.mu.Unlock()

	state, err := mgr.Acquire(e.ctx)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if state == lease.StateConflicted {
		e.notify(NoticeBlocking, "This attempt is already open in another tab.")
		return nil
	}

	e.startComponents(attemptID, bundle)
	return nil
}

// startComponents wires and starts the runtime for an Active lease.
// Called on load and again after a Conflicted→Active recovery: the
// reconciler and monitor are rebuilt each time (their timers died with
// the conflict), while the queue and coordinator survive restarts so
// pending answers and the completed-is-final guard are never lost.
func (e *Engine) startComponents(attemptID uuid.UUID, bundle *model.AttemptBundle) {
	queue := e.queue
	if queue == nil {
		queue = answers.New(e.authority, e.clk, e.log, attemptID,
			e.cfg.FlushBatchSize, e.cfg.FlushMaxAge, e.status, func(msg string) {
				e.notify(NoticeWarning, msg)
			})
	}

	recon := clock.New(e.authority, e.clk, e.log, attemptID,
		bundle.Exam.DurationMinutes*60, bundle.TimeRemainingSeconds,
		e.cfg.GraceDelay, clock.Callbacks{
			Status: e.status,
			OnExpired: func() {
				e.setStatus(model.AttemptStatusTimedOut)
				e.notify(NoticeForced, "Time is up. Your attempt will be submitted.")
			},
			OnHandoff: func() { e.coordinator().Trigger(e.ctx) },
		})

	monitor := proctor.New(e.env, e.clk, e.log, e.reporter,
		e.cfg.MaxViolations, proctor.Callbacks{
			Status: e.status,
			OnWarn: func(w proctor.Warning) {
				e.notify(NoticeBlocking, fmt.Sprintf(
					"Security violation detected. %d more and your exam will be submitted automatically.",
					w.Remaining))
			},
			OnCeiling: func() {
				e.notify(NoticeForced, "Too many security violations. Your exam is being submitted.")
				e.coordinator().Trigger(e.ctx)
			},
			OnVisible: func() { e.reconciler().ForceSync() },
		})

	coord := e.coord
	if coord == nil {
		coord = submit.New(e.clk, e.log, attemptID,
			e.cfg.SubmitMaxAttempts, e.cfg.SubmitBackoffBase, submit.Deps{
				Authority:     e.authority,
				Queue:         queue,
				StopSchedules: func() { e.reconciler().Stop() },
				Status:        e.status,
				SetStatus:     e.setStatus,
				Remaining:     func() int { return e.reconciler().Remaining() },
				OnCompleted:   e.handleCompleted,
				OnFailed: func(err error) {
					e.notify(NoticeError, "Submission failed. Please check your connection and try again.")
				},
			})
	}

	e.mu.Lock()
	e.queue = queue
	e.recon = recon
	e.monitor = monitor
	e.coord = coord
	e.suspended = false
	startWatcher := !e.watching
	e.watching = true
	e.mu.Unlock()

	recon.Start(e.ctx)
	monitor.Start(e.ctx)
	monitor.EnterInProgress(e.ctx)
	if startWatcher {
		go e.watchConnectivity()
	}

	e.log.Info().
		Str("attempt_id", attemptID.String()).
		Int("questions", len(bundle.Questions)).
		Int("remaining", bundle.TimeRemainingSeconds).
		Msg("Attempt session started")
}

// watchConnectivity forwards online/offline edges to the answer queue.
func (e *Engine) watchConnectivity() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case online := <-e.env.Online():
			e.mu.RLock()
			q := e.queue
			e.mu.RUnlock()
			if q != nil {
				q.SetOnline(e.ctx, online)
			}
		}
	}
}

// reconciler and coordinator read the component fields under the lock;
// callbacks run on timer goroutines that may race a component restart.
func (e *Engine) reconciler() *clock.Reconciler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recon
}

func (e *Engine) coordinator() *submit.Coordinator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.coord
}

// SaveAnswer records the selection in memory immediately and queues the
// background save. Selecting on the last question is treated as an
// end-of-exam signal by the queue.
func (e *Engine) SaveAnswer(questionID uuid.UUID, option *string) error {
	if err := e.guardMutation(); err != nil {
		return err
	}

	e.mu.Lock()
	idx, ok := e.qIndex[questionID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownQuestion
	}
	q := &e.session.Questions[idx]
	if idx == e.session.CurrentQuestionIndex {
		e.accrueResponseTimeLocked(q)
	}
	q.SelectedOption = option

	entry := answers.Entry{
		QuestionID:          questionID,
		SelectedOption:      option,
		ResponseTimeSeconds: q.ResponseTimeSeconds,
	}
	lastQuestion := idx == len(e.session.Questions)-1
	queue := e.queue
	e.mu.Unlock()

	queue.Save(e.ctx, entry, lastQuestion)
	return nil
}

// GoToQuestion moves the cursor. When the exam disables free navigation
// only the immediate next question is reachable.
func (e *Engine) GoToQuestion(index int) error {
	if err := e.guardMutation(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if index < 0 || index >= len(e.session.Questions) {
		return ErrQuestionIndex
	}
	if index == e.session.CurrentQuestionIndex {
		return nil
	}
	if !e.exam.AllowNavigation && index != e.session.CurrentQuestionIndex+1 {
		return ErrNavigationLocked
	}

	e.accrueResponseTimeLocked(&e.session.Questions[e.session.CurrentQuestionIndex])
	e.session.CurrentQuestionIndex = index
	return nil
}

// Submit starts the submission protocol. Safe to call repeatedly; only
// the first call takes effect.
func (e *Engine) Submit() error {
	if err := e.guardMutation(); err != nil && !errors.Is(err, ErrNotInProgress) {
		// A timed-out attempt may still be submitted; only lease and
		// load state block the call.
		return err
	}
	coord := e.coordinator()
	if coord == nil {
		return ErrNotInProgress
	}
	coord.Trigger(e.ctx)
	return nil
}

// RetryLease re-attempts lease acquisition from a conflicted tab. Every
// Conflicted→Active transition restarts the runtime components, whether
// the conflict happened at load or from a mid-session takeover, unless
// the winning tab already drove the attempt to a terminal state.
func (e *Engine) RetryLease() (lease.State, error) {
	e.mu.RLock()
	mgr := e.leaseMgr
	e.mu.RUnlock()

	if mgr == nil {
		return lease.StateRequesting, ErrNotLoaded
	}

	state, err := mgr.Retry(e.ctx)
	if err != nil {
		return state, err
	}

	e.mu.RLock()
	attemptID := e.session.AttemptID
	needStart := e.recon == nil || e.suspended
	e.mu.RUnlock()

	if state == lease.StateActive && needStart {
		if status, err := e.authority.CheckExamStatus(e.ctx, attemptID); err == nil && status.Terminal() {
			e.setStatus(status)
			mgr.Release(e.ctx)
			e.notify(NoticeBlocking, "This attempt has already been submitted.")
			return state, nil
		}

		// A suspended reconciler holds a fresher countdown than the
		// load-time session value.
		e.mu.RLock()
		remaining := e.session.TimeRemainingSeconds
		if e.recon != nil {
			remaining = e.recon.Remaining()
		}
		bundle := &model.AttemptBundle{
			AttemptID:            e.session.AttemptID,
			Status:               e.session.Status,
			TimeRemainingSeconds: remaining,
			Exam:                 e.exam,
			Questions:            e.session.Questions,
		}
		e.mu.RUnlock()
		e.startComponents(bundle.AttemptID, bundle)
	}
	return state, nil
}

// Exit leaves a conflicted tab without mutating attempt state: release
// any claim and hand navigation back.
func (e *Engine) Exit(ctx context.Context) {
	e.mu.RLock()
	mgr := e.leaseMgr
	e.mu.RUnlock()

	if mgr != nil {
		mgr.Release(ctx)
	}
	e.cancel()
	if e.onNav != nil {
		e.onNav()
	}
}

// Close is the controlled teardown at unmount: flush what we can, stop
// every timer, release the lease and the fullscreen lock.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	recon, monitor, queue, mgr := e.recon, e.monitor, e.queue, e.leaseMgr
	e.mu.Unlock()

	if recon != nil {
		recon.Stop()
	}
	if monitor != nil {
		monitor.Stop()
		monitor.Teardown(ctx)
	}
	if queue != nil {
		// Unload boundary: best effort, entries stay in memory.
		_ = queue.ForceFlush(ctx)
	}
	if mgr != nil {
		mgr.Release(ctx)
	}
	e.cancel()

	e.log.Info().Msg("Attempt session closed")
}

// Snapshot returns a copy of the state the presentation layer renders.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := Snapshot{LeaseState: lease.StateRequesting}
	if e.session == nil {
		return snap
	}

	snap.AttemptID = e.session.AttemptID
	snap.Status = e.session.Status
	snap.CurrentQuestionIndex = e.session.CurrentQuestionIndex
	snap.Questions = make([]model.Question, len(e.session.Questions))
	copy(snap.Questions, e.session.Questions)

	snap.TimeRemaining = e.session.TimeRemainingSeconds
	if e.recon != nil {
		snap.TimeRemaining = e.recon.Remaining()
	}
	if e.queue != nil {
		snap.PendingSaves = e.queue.PendingCount()
	}
	if e.monitor != nil {
		snap.ViolationCount = e.monitor.Count()
	}
	if e.leaseMgr != nil {
		snap.LeaseState = e.leaseMgr.State()
	}
	if e.coord != nil {
		snap.SubmissionPhase = e.coord.Phase()
	} else {
		snap.SubmissionPhase = submit.PhaseIdle
	}
	return snap
}

// status reads the attempt status; used as the gate by every component.
func (e *Engine) status() model.AttemptStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return ""
	}
	return e.session.Status
}

// setStatus applies a monotonic status transition. Completed is final;
// nothing moves the attempt out of it.
func (e *Engine) setStatus(s model.AttemptStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.Status == model.AttemptStatusCompleted {
		return
	}
	if e.session.Status == s {
		return
	}
	e.log.Info().
		Str("from", string(e.session.Status)).
		Str("to", string(s)).
		Msg("Attempt status transition")
	e.session.Status = s
	if s == model.AttemptStatusTimedOut {
		e.session.TimeRemainingSeconds = 0
	}
}

// guardMutation rejects state changes unless this tab holds the lease
// and the attempt is still running.
func (e *Engine) guardMutation() error {
	e.mu.RLock()
	mgr := e.leaseMgr
	e.mu.RUnlock()

	if mgr == nil {
		return ErrNotLoaded
	}
	if mgr.State() != lease.StateActive {
		return ErrLeaseConflict
	}
	if e.status() != model.AttemptStatusInProgress {
		return ErrNotInProgress
	}
	return nil
}

// accrueResponseTimeLocked attributes wall time spent on the current
// question. Monotonic non-decreasing.
func (e *Engine) accrueResponseTimeLocked(q *model.Question) {
	now := e.clk.Now()
	if elapsed := int(now.Sub(e.enteredAt).Seconds()); elapsed > 0 {
		q.ResponseTimeSeconds += elapsed
	}
	e.enteredAt = now
}

// handleLeaseConflict fires when another tab takes the lease mid-session:
// all timers stop and the session refuses further mutation until a
// successful lease retry restarts the runtime.
func (e *Engine) handleLeaseConflict() {
	e.mu.Lock()
	recon, monitor := e.recon, e.monitor
	e.suspended = true
	e.mu.Unlock()

	if recon != nil {
		recon.Stop()
	}
	if monitor != nil {
		monitor.Stop()
	}
	e.notify(NoticeBlocking, "This attempt was opened in another tab. This tab is now read-only.")
}

// handleCompleted runs once the server confirms submission.
func (e *Engine) handleCompleted() {
	e.mu.RLock()
	monitor, mgr := e.monitor, e.leaseMgr
	e.mu.RUnlock()

	if monitor != nil {
		monitor.Stop()
		monitor.Teardown(e.ctx)
	}
	if mgr != nil {
		mgr.Release(e.ctx)
	}
	if e.onNav != nil {
		e.onNav()
	}
}

func (e *Engine) notify(kind NoticeKind, msg string) {
	if e.onNotice != nil {
		e.onNotice(Notice{Kind: kind, Message: msg})
	}
}
