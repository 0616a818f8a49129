package answers

import (
	"context"
	"errors"
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
	"github.com/stemsi/exstem-client/internal/model"
)

func opt(s string) *string { return &s }

func inProgress() model.AttemptStatus { return model.AttemptStatusInProgress }

func newQueue(fake *apitest.Fake, status func() model.AttemptStatus) *Queue {
	return New(fake, clockwork.NewFakeClock(), zerolog.Nop(), uuid.New(), 10, 180*time.Second, status, nil)
}

func TestResaveOverwritesPendingEntry(t *testing.T) {
	q := newQueue(&apitest.Fake{}, inProgress)
	qid := uuid.New()

	q.Save(context.Background(), Entry{QuestionID: qid, SelectedOption: opt("a")}, false)
	q.Save(context.Background(), Entry{QuestionID: qid, SelectedOption: opt("b")}, false)

	assert.Equal(t, 1, q.PendingCount(), "map semantics: one entry per question")

	q.mu.Lock()
	e := q.pending[qid]
	q.mu.Unlock()
	require.NotNil(t, e.SelectedOption)
	assert.Equal(t, "b", *e.SelectedOption)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	fake := &apitest.Fake{}
	q := newQueue(fake, inProgress)

	for i := 0; i < 10; i++ {
		q.Save(context.Background(), Entry{QuestionID: uuid.New(), SelectedOption: opt("a")}, false)
	}

	require.Eventually(t, func() bool { return len(fake.SavedBatches()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, fake.SavedBatches()[0], 10)
	assert.Zero(t, q.PendingCount())
}

func TestLastQuestionAnswerTriggersFlush(t *testing.T) {
	fake := &apitest.Fake{}
	q := newQueue(fake, inProgress)

	q.Save(context.Background(), Entry{QuestionID: uuid.New(), SelectedOption: opt("d")}, true)

	require.Eventually(t, func() bool { return len(fake.SavedBatches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailedFlushKeepsEveryAnswer(t *testing.T) {
	fake := &apitest.Fake{}
	var fail bool = true
	var mu sync.Mutex
	fake.SaveBatchAnswersFn = func(ctx context.Context, id uuid.UUID, a []api.AnswerUpload) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return errors.New("connection reset")
		}
		return nil
	}

	// Batch size above the save count keeps flushing fully explicit here.
	notices := make(chan string, 1)
	q := New(fake, clockwork.NewFakeClock(), zerolog.Nop(), uuid.New(), 100, 180*time.Second,
		inProgress, func(msg string) { notices <- msg })

	ids := make([]uuid.UUID, 12)
	for i := range ids {
		ids[i] = uuid.New()
		q.Save(context.Background(), Entry{QuestionID: ids[i], SelectedOption: opt("a")}, false)
	}

	// First flush fails; everything merges back.
	q.Flush(context.Background())
	require.Equal(t, 12, q.PendingCount())
	select {
	case <-notices:
	case <-time.After(time.Second):
		t.Fatal("expected retry notice")
	}

	// Retry succeeds; server ends up with all 12.
	q.Flush(context.Background())
	assert.Zero(t, q.PendingCount())

	final := fake.LastServerAnswers()
	require.Len(t, final, 12)
	for _, id := range ids {
		require.Contains(t, final, id)
	}
}

func TestMergeDoesNotClobberNewerEdit(t *testing.T) {
	fake := &apitest.Fake{}
	qid := uuid.New()
	started := make(chan struct{})
	release := make(chan struct{})
	fake.SaveBatchAnswersFn = func(ctx context.Context, id uuid.UUID, a []api.AnswerUpload) error {
		close(started)
		<-release
		return errors.New("timeout")
	}

	q := newQueue(fake, inProgress)
	q.Save(context.Background(), Entry{QuestionID: qid, SelectedOption: opt("old")}, false)

	go q.Flush(context.Background())
	<-started

	// Edit arrives while the flush is in flight.
	q.Save(context.Background(), Entry{QuestionID: qid, SelectedOption: opt("new")}, false)
	close(release)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		e, ok := q.pending[qid]
		return ok && e.SelectedOption != nil && *e.SelectedOption == "new"
	}, time.Second, 5*time.Millisecond, "failed snapshot must not overwrite the newer pending edit")
}

func TestOfflineGatesSendingNotQueuing(t *testing.T) {
	fake := &apitest.Fake{}
	q := newQueue(fake, inProgress)

	q.SetOnline(context.Background(), false)
	for i := 0; i < 15; i++ {
		q.Save(context.Background(), Entry{QuestionID: uuid.New(), SelectedOption: opt("a")}, false)
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fake.SavedBatches(), "offline: answers queue, nothing sends")
	assert.Equal(t, 15, q.PendingCount())

	q.SetOnline(context.Background(), true)
	require.Eventually(t, func() bool { return len(fake.SavedBatches()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, q.PendingCount())
}

func TestForcedFlushBypassesGatingAndKeepsEntries(t *testing.T) {
	fake := &apitest.Fake{}
	completed := func() model.AttemptStatus { return model.AttemptStatusCompleted }
	q := newQueue(fake, completed)

	q.SetOnline(context.Background(), false)
	q.Save(context.Background(), Entry{QuestionID: uuid.New(), SelectedOption: opt("a")}, false)

	// Normal flush is gated by both status and connectivity.
	q.Flush(context.Background())
	assert.Empty(t, fake.SavedBatches())

	// Forced flush sends anyway and leaves the in-memory fallback intact.
	require.NoError(t, q.ForceFlush(context.Background()))
	assert.Len(t, fake.SavedBatches(), 1)
	assert.Equal(t, 1, q.PendingCount())
}

func TestSingleFlushInFlight(t *testing.T) {
	fake := &apitest.Fake{}
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	fake.SaveBatchAnswersFn = func(ctx context.Context, id uuid.UUID, a []api.AnswerUpload) error {
		entered <- struct{}{}
		<-release
		return nil
	}

	q := newQueue(fake, inProgress)
	q.Save(context.Background(), Entry{QuestionID: uuid.New(), SelectedOption: opt("a")}, false)

	for i := 0; i < 4; i++ {
		go q.Flush(context.Background())
	}

	<-entered
	select {
	case <-entered:
		t.Fatal("second flush entered while one was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
}
