// Package answers buffers per-question answer edits and persists them to
// the server in batches. Edits apply to in-memory state synchronously;
// the network write is behind, tolerant of offline periods, and never
// silently loses the latest value for a question.
package answers

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/model"
)

// Entry is one pending answer edit. The queue keeps at most one entry
// per question: re-saving before a flush overwrites, it never queues twice.
type Entry struct {
	QuestionID          uuid.UUID
	SelectedOption      *string
	ResponseTimeSeconds int
}

// Queue is the write-behind answer buffer for one attempt.
type Queue struct {
	authority api.Authority
	clock     clockwork.Clock
	log       zerolog.Logger
	attemptID uuid.UUID
	batchSize int
	maxAge    time.Duration
	status    func() model.AttemptStatus
	notify    func(msg string)

	// flightMu is held across one network flush. Normal flushes TryLock
	// and skip when busy; forced flushes Lock and wait their turn, so at
	// most one batch is ever in flight.
	flightMu sync.Mutex

	mu          sync.Mutex
	pending     map[uuid.UUID]Entry
	order       []uuid.UUID
	online      bool
	lastFlushOK time.Time
}

// New builds a queue. status reports the engine's attempt status; notify,
// when non-nil, surfaces the save-will-retry toast.
func New(authority api.Authority, clk clockwork.Clock, log zerolog.Logger, attemptID uuid.UUID, batchSize int, maxAge time.Duration, status func() model.AttemptStatus, notify func(string)) *Queue {
	return &Queue{
		authority:   authority,
		clock:       clk,
		log:         log.With().Str("component", "answer_queue").Logger(),
		attemptID:   attemptID,
		batchSize:   batchSize,
		maxAge:      maxAge,
		status:      status,
		notify:      notify,
		pending:     make(map[uuid.UUID]Entry),
		online:      true,
		lastFlushOK: clk.Now(),
	}
}

// Save upserts a pending entry and starts a flush when a trigger
// condition holds. lastQuestion marks the final question in exam order;
// answering it is treated as an end-of-exam signal. ctx should be the
// session-lifetime context, not a request-scoped one, because the flush
// it may start runs in the background.
func (q *Queue) Save(ctx context.Context, e Entry, lastQuestion bool) {
	q.mu.Lock()
	if _, exists := q.pending[e.QuestionID]; !exists {
		q.order = append(q.order, e.QuestionID)
	}
	q.pending[e.QuestionID] = e

	trigger := len(q.pending) >= q.batchSize ||
		q.clock.Now().Sub(q.lastFlushOK) > q.maxAge ||
		(lastQuestion && e.SelectedOption != nil)
	q.mu.Unlock()

	if trigger {
		go q.Flush(ctx)
	}
}

// Flush persists the current pending batch. No-op when empty, offline,
// the attempt is not in progress, or another flush is already in flight.
func (q *Queue) Flush(ctx context.Context) {
	if !q.flightMu.TryLock() {
		return
	}
	defer q.flightMu.Unlock()

	q.mu.Lock()
	if len(q.pending) == 0 || !q.online || q.status() != model.AttemptStatusInProgress {
		q.mu.Unlock()
		return
	}
	snapshot := q.takeLocked()
	q.mu.Unlock()

	if err := q.authority.SaveBatchAnswers(ctx, q.attemptID, uploads(snapshot)); err != nil {
		// Merge the failed snapshot back so nothing is lost, without
		// clobbering edits that arrived while the request was in flight.
		q.mu.Lock()
		q.mergeLocked(snapshot)
		q.mu.Unlock()

		q.log.Warn().Err(err).Int("count", len(snapshot)).Msg("Answer flush failed, will retry")
		if q.notify != nil {
			q.notify("Saving failed; your answers will be retried automatically.")
		}
		return
	}

	q.mu.Lock()
	q.lastFlushOK = q.clock.Now()
	q.mu.Unlock()

	q.log.Debug().Int("count", len(snapshot)).Msg("Answers flushed")
}

// ForceFlush persists everything pending, bypassing the status and online
// gates. Used at unload and submission boundaries, where retry is no
// longer possible: the pending map is left intact regardless of outcome
// so an in-memory fallback remains available to the final submission
// payload. Waits out any in-flight flush first.
func (q *Queue) ForceFlush(ctx context.Context) error {
	q.flightMu.Lock()
	defer q.flightMu.Unlock()

	if q.attemptID == uuid.Nil {
		return nil
	}

	q.mu.Lock()
	snapshot := q.copyLocked()
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	if err := q.authority.SaveBatchAnswers(ctx, q.attemptID, uploads(snapshot)); err != nil {
		q.log.Warn().Err(err).Int("count", len(snapshot)).Msg("Forced answer flush failed")
		return err
	}
	return nil
}

// SetOnline records a connectivity transition. Going offline only stops
// sending; going online triggers an immediate flush attempt.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was {
		go q.Flush(ctx)
	}
}

// Clear drops every pending entry. Called once the attempt reaches a
// confirmed terminal state.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = make(map[uuid.UUID]Entry)
	q.order = nil
}

// PendingCount returns the number of questions with unflushed edits.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// takeLocked removes and returns the pending entries in insertion order.
func (q *Queue) takeLocked() []Entry {
	snapshot := q.copyLocked()
	q.pending = make(map[uuid.UUID]Entry)
	q.order = nil
	return snapshot
}

// copyLocked returns the pending entries in insertion order, leaving the
// map untouched.
func (q *Queue) copyLocked() []Entry {
	snapshot := make([]Entry, 0, len(q.pending))
	for _, id := range q.order {
		if e, ok := q.pending[id]; ok {
			snapshot = append(snapshot, e)
		}
	}
	return snapshot
}

// mergeLocked re-inserts a failed snapshot. A question re-saved while the
// flush was in flight keeps its newer pending value.
func (q *Queue) mergeLocked(snapshot []Entry) {
	for _, e := range snapshot {
		if _, exists := q.pending[e.QuestionID]; exists {
			continue
		}
		q.pending[e.QuestionID] = e
		q.order = append(q.order, e.QuestionID)
	}
}

func uploads(entries []Entry) []api.AnswerUpload {
	out := make([]api.AnswerUpload, 0, len(entries))
	for _, e := range entries {
		out = append(out, api.AnswerUpload{
			QuestionID:     e.QuestionID,
			SelectedOption: e.SelectedOption,
			ResponseTime:   e.ResponseTimeSeconds,
		})
	}
	return out
}
