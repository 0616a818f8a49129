package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/api/apitest"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/environ"
	"github.com/stemsi/exstem-client/internal/lease"
	"github.com/stemsi/exstem-client/internal/model"
	"github.com/stemsi/exstem-client/internal/submit"
)

func testConfig() *config.Config {
	return &config.Config{
		HeartbeatInterval: 5 * time.Second,
		LeaseStaleTimeout: 30 * time.Second,
		MaxViolations:     5,
		GraceDelay:        2 * time.Second,
		FlushBatchSize:    10,
		FlushMaxAge:       180 * time.Second,
		SubmitMaxAttempts: 3,
		SubmitBackoffBase: 10 * time.Millisecond,
	}
}

func makeBundle(attemptID uuid.UUID, questions, durationMinutes, remaining int, allowNav bool) *model.AttemptBundle {
	b := &model.AttemptBundle{
		AttemptID:            attemptID,
		Status:               model.AttemptStatusInProgress,
		TimeRemainingSeconds: remaining,
		Exam: model.Exam{
			ID:              uuid.New(),
			Title:           "Midterm",
			DurationMinutes: durationMinutes,
			AllowNavigation: allowNav,
		},
	}
	for i := 0; i < questions; i++ {
		b.Questions = append(b.Questions, model.Question{
			ID:           uuid.New(),
			QuestionText: fmt.Sprintf("Question %d", i+1),
		})
	}
	return b
}

type engineHarness struct {
	mu      sync.Mutex
	notices []Notice
	navs    int
}

func (h *engineHarness) onNotice(n Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, n)
}

func (h *engineHarness) onNav() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navs++
}

func (h *engineHarness) navCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.navs
}

func (h *engineHarness) hasNotice(kind NoticeKind) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range h.notices {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

func newEngine(fake *apitest.Fake, store lease.Store, env environ.Environment, clk clockwork.Clock) (*Engine, *engineHarness) {
	h := &engineHarness{}
	e := New(Options{
		Authority:      fake,
		LeaseStore:     store,
		Env:            env,
		Clock:          clk,
		Log:            zerolog.Nop(),
		Config:         testConfig(),
		OnNotice:       h.onNotice,
		OnNavigateAway: h.onNav,
	})
	return e, h
}

// step advances the fake clock one second at a time so every waiter sees
// each tick.
func step(clk *clockwork.FakeClock, seconds int) {
	for i := 0; i < seconds; i++ {
		clk.Advance(time.Second)
		time.Sleep(2 * time.Millisecond)
	}
}

func strp(s string) *string { return &s }

func TestLoadStartsSessionAndTracksAnswers(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 4, 60, 3600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	clk := clockwork.NewFakeClock()
	e, _ := newEngine(fake, lease.NewMemoryStore(), environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())

	snap := e.Snapshot()
	assert.Equal(t, attemptID, snap.AttemptID)
	assert.Equal(t, model.AttemptStatusInProgress, snap.Status)
	assert.Equal(t, lease.StateActive, snap.LeaseState)
	assert.Equal(t, 3600, snap.TimeRemaining)
	assert.Len(t, snap.Questions, 4)

	// A mid-exam answer is held locally, not sent yet.
	require.NoError(t, e.SaveAnswer(bundle.Questions[0].ID, strp("option-a")))
	snap = e.Snapshot()
	require.NotNil(t, snap.Questions[0].SelectedOption)
	assert.Equal(t, "option-a", *snap.Questions[0].SelectedOption)
	assert.Equal(t, 1, snap.PendingSaves)
	assert.Empty(t, fake.SavedBatches())

	// Answering the last question signals end of exam and flushes.
	require.NoError(t, e.SaveAnswer(bundle.Questions[3].ID, strp("option-d")))
	require.Eventually(t, func() bool {
		return len(fake.LastServerAnswers()) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLoadRejectsFinishedAttempt(t *testing.T) {
	attemptID := uuid.New()
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return &model.AttemptBundle{AttemptID: id, Status: model.AttemptStatusCompleted}, nil
	}

	e, _ := newEngine(fake, lease.NewMemoryStore(), environ.NewHeadless(environ.Desktop), clockwork.NewFakeClock())
	err := e.Load(context.Background(), attemptID)
	require.ErrorIs(t, err, ErrAttemptNotResumable)
}

func TestOperationsBeforeLoadAreRejected(t *testing.T) {
	fake := &apitest.Fake{}
	e, _ := newEngine(fake, lease.NewMemoryStore(), environ.NewHeadless(environ.Desktop), clockwork.NewFakeClock())

	assert.ErrorIs(t, e.SaveAnswer(uuid.New(), strp("a")), ErrNotLoaded)
	assert.ErrorIs(t, e.GoToQuestion(1), ErrNotLoaded)
	assert.ErrorIs(t, e.Submit(), ErrNotLoaded)
}

func TestExpirySubmitsOnceAfterGrace(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 2, 60, 3, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	clk := clockwork.NewFakeClock()
	e, h := newEngine(fake, lease.NewMemoryStore(), environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())
	// Wait for the reconciler and heartbeat tickers before advancing.
	clk.BlockUntil(2)

	step(clk, 3)
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == model.AttemptStatusTimedOut
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.hasNotice(NoticeForced))
	assert.Zero(t, fake.Submits(), "submission waits out the grace delay")

	step(clk, 2)
	require.Eventually(t, func() bool {
		return e.Snapshot().SubmissionPhase == submit.PhaseCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, fake.Submits())
	assert.Equal(t, model.AttemptStatusCompleted, e.Snapshot().Status)
	assert.Equal(t, 1, h.navCount())

	// Late triggers cannot double-submit.
	require.NoError(t, e.Submit())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, fake.Submits())
}

func TestConflictedTabStaysReadOnly(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 2, 60, 3600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	clk := clockwork.NewFakeClock()
	store := lease.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), attemptID, model.TabLease{
		OwnerTabID:      "other-tab",
		LastHeartbeatAt: clk.Now(),
	}))

	e, h := newEngine(fake, store, environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, e.Load(context.Background(), attemptID))

	snap := e.Snapshot()
	assert.Equal(t, lease.StateConflicted, snap.LeaseState)
	assert.True(t, h.hasNotice(NoticeBlocking))

	assert.ErrorIs(t, e.SaveAnswer(bundle.Questions[0].ID, strp("a")), ErrLeaseConflict)
	assert.ErrorIs(t, e.GoToQuestion(1), ErrLeaseConflict)
	assert.ErrorIs(t, e.Submit(), ErrLeaseConflict)

	// The losing tab makes no server calls at all.
	step(clk, 10)
	assert.Zero(t, fake.TimeChecks())
	assert.Zero(t, fake.TimePushes())
	assert.Zero(t, fake.Submits())
	assert.Empty(t, fake.SavedBatches())

	// Exit hands navigation back without touching the winner's lease.
	e.Exit(context.Background())
	assert.Equal(t, 1, h.navCount())
	rec, err := store.Get(context.Background(), attemptID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "other-tab", rec.OwnerTabID)
}

func TestRetryLeaseAfterWinnerCloses(t *testing.T) {
	attemptID := uuid.New()
	bundleFor := func() *model.AttemptBundle { return makeBundle(attemptID, 2, 60, 3600, true) }
	store := lease.NewMemoryStore()
	clk := clockwork.NewFakeClock()

	fakeA := &apitest.Fake{}
	fakeA.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundleFor(), nil
	}
	tabA, _ := newEngine(fakeA, store, environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, tabA.Load(context.Background(), attemptID))
	require.Equal(t, lease.StateActive, tabA.Snapshot().LeaseState)

	fakeB := &apitest.Fake{}
	fakeB.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundleFor(), nil
	}
	tabB, _ := newEngine(fakeB, store, environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, tabB.Load(context.Background(), attemptID))
	require.Equal(t, lease.StateConflicted, tabB.Snapshot().LeaseState)

	tabA.Close(context.Background())

	state, err := tabB.RetryLease()
	require.NoError(t, err)
	require.Equal(t, lease.StateActive, state)
	defer tabB.Close(context.Background())

	// The retried tab is fully functional.
	require.NoError(t, tabB.SaveAnswer(tabB.Snapshot().Questions[0].ID, strp("a")))
	assert.Equal(t, 1, tabB.Snapshot().PendingSaves)
}

func TestRetryLeaseAdoptsTerminalStatus(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 2, 60, 3600, true)
	store := lease.NewMemoryStore()
	clk := clockwork.NewFakeClock()

	require.NoError(t, store.Put(context.Background(), attemptID, model.TabLease{
		OwnerTabID:      "other-tab",
		LastHeartbeatAt: clk.Now(),
	}))

	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}
	// The winning tab submits, then releases its lease.
	fake.CheckExamStatusFn = func(ctx context.Context, id uuid.UUID) (model.AttemptStatus, error) {
		return model.AttemptStatusCompleted, nil
	}

	e, h := newEngine(fake, store, environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	require.Equal(t, lease.StateConflicted, e.Snapshot().LeaseState)

	require.NoError(t, store.Delete(context.Background(), attemptID))

	state, err := e.RetryLease()
	require.NoError(t, err)
	assert.Equal(t, lease.StateActive, state)
	assert.Equal(t, model.AttemptStatusCompleted, e.Snapshot().Status)
	assert.True(t, h.hasNotice(NoticeBlocking))
	assert.ErrorIs(t, e.SaveAnswer(bundle.Questions[0].ID, strp("a")), ErrNotInProgress)

	// No countdown or submission machinery started for a finished attempt.
	assert.Zero(t, fake.TimeChecks())
	assert.Zero(t, fake.Submits())
}

func TestRetryLeaseRestartsCountdownAfterTakeover(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 3, 10, 600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	clk := clockwork.NewFakeClock()
	store := lease.NewMemoryStore()
	env := environ.NewHeadless(environ.Desktop)
	e, h := newEngine(fake, store, env, clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())
	require.Equal(t, lease.StateActive, e.Snapshot().LeaseState)
	// Wait for the reconciler and heartbeat tickers before advancing.
	clk.BlockUntil(2)

	// Another tab overwrites the lease mid-session; the next heartbeat
	// notices and suspends this tab.
	require.NoError(t, store.Put(context.Background(), attemptID, model.TabLease{
		OwnerTabID:      "usurper",
		LastHeartbeatAt: clk.Now(),
	}))
	step(clk, 5)
	require.Eventually(t, func() bool {
		return e.Snapshot().LeaseState == lease.StateConflicted
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.hasNotice(NoticeBlocking))
	assert.ErrorIs(t, e.SaveAnswer(bundle.Questions[0].ID, strp("a")), ErrLeaseConflict)

	// The usurping tab closes; retry wins the lease back.
	require.NoError(t, store.Delete(context.Background(), attemptID))
	state, err := e.RetryLease()
	require.NoError(t, err)
	require.Equal(t, lease.StateActive, state)
	// The restarted reconciler and heartbeat register fresh tickers.
	clk.BlockUntil(2)

	// Edits are admitted again and the countdown actually runs: a dead
	// reconciler here would leave the timer frozen while answers land.
	require.NoError(t, e.SaveAnswer(bundle.Questions[0].ID, strp("a")))
	before := e.Snapshot().TimeRemaining
	step(clk, 31)
	require.Eventually(t, func() bool {
		return e.Snapshot().TimeRemaining <= before-30
	}, 2*time.Second, 5*time.Millisecond)

	// The security monitor came back with the components.
	env.EmitVisibility(true)
	require.Eventually(t, func() bool {
		return e.Snapshot().ViolationCount == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshotSafeDuringLeaseRecovery(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 2, 60, 3600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	clk := clockwork.NewFakeClock()
	store := lease.NewMemoryStore()
	e, _ := newEngine(fake, store, environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())
	// Wait for the reconciler and heartbeat tickers before advancing.
	clk.BlockUntil(2)

	// Render loop keeps polling while components are torn down and
	// rebuilt underneath it.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				_ = e.Snapshot()
			}
		}
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Put(context.Background(), attemptID, model.TabLease{
			OwnerTabID:      "usurper",
			LastHeartbeatAt: clk.Now(),
		}))
		step(clk, 5)
		require.Eventually(t, func() bool {
			return e.Snapshot().LeaseState == lease.StateConflicted
		}, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, store.Delete(context.Background(), attemptID))
		state, err := e.RetryLease()
		require.NoError(t, err)
		require.Equal(t, lease.StateActive, state)
		// The restarted reconciler and heartbeat register fresh tickers.
		clk.BlockUntil(2)
	}

	close(done)
	wg.Wait()
	assert.Equal(t, lease.StateActive, e.Snapshot().LeaseState)
}

func TestNavigationRules(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 5, 60, 3600, false)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	e, _ := newEngine(fake, lease.NewMemoryStore(), environ.NewHeadless(environ.Desktop), clockwork.NewFakeClock())
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())

	assert.ErrorIs(t, e.GoToQuestion(-1), ErrQuestionIndex)
	assert.ErrorIs(t, e.GoToQuestion(5), ErrQuestionIndex)

	// Sequential-only exam: forward one step at a time, never back.
	assert.ErrorIs(t, e.GoToQuestion(3), ErrNavigationLocked)
	require.NoError(t, e.GoToQuestion(1))
	assert.ErrorIs(t, e.GoToQuestion(0), ErrNavigationLocked)
	require.NoError(t, e.GoToQuestion(2))
	assert.Equal(t, 2, e.Snapshot().CurrentQuestionIndex)
}

func TestFreeNavigationJumpsAnywhere(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 5, 60, 3600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	e, _ := newEngine(fake, lease.NewMemoryStore(), environ.NewHeadless(environ.Desktop), clockwork.NewFakeClock())
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())

	require.NoError(t, e.GoToQuestion(4))
	require.NoError(t, e.GoToQuestion(0))
	assert.Equal(t, 0, e.Snapshot().CurrentQuestionIndex)
}

func TestResponseTimeAccruesOnCurrentQuestion(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 3, 60, 3600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	clk := clockwork.NewFakeClock()
	e, _ := newEngine(fake, lease.NewMemoryStore(), environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())

	step(clk, 7)
	require.NoError(t, e.SaveAnswer(bundle.Questions[0].ID, strp("a")))
	snap := e.Snapshot()
	assert.Equal(t, 7, snap.Questions[0].ResponseTimeSeconds)

	// Answering a question the cursor is not on does not accrue.
	step(clk, 4)
	require.NoError(t, e.SaveAnswer(bundle.Questions[2].ID, strp("c")))
	snap = e.Snapshot()
	assert.Zero(t, snap.Questions[2].ResponseTimeSeconds)
}

func TestConnectivityRestoreFlushesRetainedAnswers(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 12, 60, 3600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	var mu sync.Mutex
	failing := true
	fake.SaveBatchAnswersFn = func(ctx context.Context, id uuid.UUID, batch []api.AnswerUpload) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("network down")
		}
		return nil
	}

	clk := clockwork.NewFakeClock()
	env := environ.NewHeadless(environ.Desktop)
	e, _ := newEngine(fake, lease.NewMemoryStore(), env, clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())

	// Ten answers hit the batch trigger; the flush fails and every entry
	// survives in memory.
	for i := 0; i < 10; i++ {
		require.NoError(t, e.SaveAnswer(bundle.Questions[i].ID, strp("a")))
	}
	require.Eventually(t, func() bool {
		return len(fake.SavedBatches()) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return e.Snapshot().PendingSaves == 10
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	failing = false
	mu.Unlock()

	// Let the failed flight release before the restore edge retries.
	time.Sleep(20 * time.Millisecond)
	env.EmitOnline(false)
	env.EmitOnline(true)
	require.Eventually(t, func() bool {
		return len(fake.LastServerAnswers()) == 10 && e.Snapshot().PendingSaves == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManualSubmitFlushesThenCompletes(t *testing.T) {
	attemptID := uuid.New()
	bundle := makeBundle(attemptID, 3, 60, 3600, true)
	fake := &apitest.Fake{}
	fake.LoadAttemptFn = func(ctx context.Context, id uuid.UUID) (*model.AttemptBundle, error) {
		return bundle, nil
	}

	clk := clockwork.NewFakeClock()
	store := lease.NewMemoryStore()
	e, h := newEngine(fake, store, environ.NewHeadless(environ.Desktop), clk)
	require.NoError(t, e.Load(context.Background(), attemptID))
	defer e.Close(context.Background())

	require.NoError(t, e.SaveAnswer(bundle.Questions[0].ID, strp("a")))
	require.NoError(t, e.SaveAnswer(bundle.Questions[1].ID, strp("b")))
	require.NoError(t, e.Submit())

	require.Eventually(t, func() bool {
		return e.Snapshot().SubmissionPhase == submit.PhaseCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, fake.Submits())
	assert.Len(t, fake.LastServerAnswers(), 2, "pending answers flushed before submission")
	assert.Equal(t, 1, fake.TimePushes(), "countdown closed out before submission")
	assert.Equal(t, model.AttemptStatusCompleted, e.Snapshot().Status)
	assert.Equal(t, 1, h.navCount())

	// Lease released on completion.
	rec, err := store.Get(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
