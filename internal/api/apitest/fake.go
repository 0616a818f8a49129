// Package apitest provides a programmable Authority fake for component
// tests.
package apitest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/model"
)

// Fake implements api.Authority. Behavior is overridden per call through
// the Fn fields; unset functions fall back to benign defaults. Call
// counts and received batches are recorded for assertions.
type Fake struct {
	LoadAttemptFn         func(ctx context.Context, attemptID uuid.UUID) (*model.AttemptBundle, error)
	GetTimeCheckFn        func(ctx context.Context, attemptID uuid.UUID) (*api.TimeCheck, error)
	UpdateTimeRemainingFn func(ctx context.Context, attemptID uuid.UUID, seconds int) (*api.TimeAck, error)
	SaveBatchAnswersFn    func(ctx context.Context, attemptID uuid.UUID, answers []api.AnswerUpload) error
	SubmitExamFn          func(ctx context.Context, attemptID uuid.UUID) error
	CheckExamStatusFn     func(ctx context.Context, attemptID uuid.UUID) (model.AttemptStatus, error)

	mu            sync.Mutex
	timeChecks    int
	timePushes    int
	submits       int
	savedBatches  [][]api.AnswerUpload
	pushedSeconds []int
}

var _ api.Authority = (*Fake)(nil)

func (f *Fake) LoadAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptBundle, error) {
	if f.LoadAttemptFn != nil {
		return f.LoadAttemptFn(ctx, attemptID)
	}
	return &model.AttemptBundle{AttemptID: attemptID, Status: model.AttemptStatusInProgress}, nil
}

func (f *Fake) GetTimeCheck(ctx context.Context, attemptID uuid.UUID) (*api.TimeCheck, error) {
	f.mu.Lock()
	f.timeChecks++
	f.mu.Unlock()
	if f.GetTimeCheckFn != nil {
		return f.GetTimeCheckFn(ctx, attemptID)
	}
	return &api.TimeCheck{Status: model.AttemptStatusInProgress}, nil
}

func (f *Fake) UpdateTimeRemaining(ctx context.Context, attemptID uuid.UUID, seconds int) (*api.TimeAck, error) {
	f.mu.Lock()
	f.timePushes++
	f.pushedSeconds = append(f.pushedSeconds, seconds)
	f.mu.Unlock()
	if f.UpdateTimeRemainingFn != nil {
		return f.UpdateTimeRemainingFn(ctx, attemptID, seconds)
	}
	return &api.TimeAck{}, nil
}

func (f *Fake) SaveBatchAnswers(ctx context.Context, attemptID uuid.UUID, answers []api.AnswerUpload) error {
	f.mu.Lock()
	batch := make([]api.AnswerUpload, len(answers))
	copy(batch, answers)
	f.savedBatches = append(f.savedBatches, batch)
	f.mu.Unlock()
	if f.SaveBatchAnswersFn != nil {
		return f.SaveBatchAnswersFn(ctx, attemptID, answers)
	}
	return nil
}

func (f *Fake) SubmitExam(ctx context.Context, attemptID uuid.UUID) error {
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()
	if f.SubmitExamFn != nil {
		return f.SubmitExamFn(ctx, attemptID)
	}
	return nil
}

func (f *Fake) CheckExamStatus(ctx context.Context, attemptID uuid.UUID) (model.AttemptStatus, error) {
	if f.CheckExamStatusFn != nil {
		return f.CheckExamStatusFn(ctx, attemptID)
	}
	return model.AttemptStatusInProgress, nil
}

// TimeChecks returns how many GetTimeCheck calls were made.
func (f *Fake) TimeChecks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeChecks
}

// TimePushes returns how many UpdateTimeRemaining calls were made.
func (f *Fake) TimePushes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timePushes
}

// Submits returns how many SubmitExam calls were made.
func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// SavedBatches returns every batch received, in order.
func (f *Fake) SavedBatches() [][]api.AnswerUpload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]api.AnswerUpload, len(f.savedBatches))
	copy(out, f.savedBatches)
	return out
}

// LastServerAnswers folds every received batch into the final per-question
// state the server would hold.
func (f *Fake) LastServerAnswers() map[uuid.UUID]*string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]*string)
	for _, batch := range f.savedBatches {
		for _, a := range batch {
			out[a.QuestionID] = a.SelectedOption
		}
	}
	return out
}
