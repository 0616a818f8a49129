package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the client-visible states of an exam attempt.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "in-progress"
	AttemptStatusTimedOut   AttemptStatus = "timed-out"
	AttemptStatusCompleted  AttemptStatus = "completed"
	AttemptStatusPaused     AttemptStatus = "paused"
)

// Terminal reports whether the status can no longer change.
// The client only ever transitions in-progress → timed-out or
// in-progress → completed; paused is server-driven and read-only here.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusTimedOut || s == AttemptStatusCompleted
}

// Exam carries the attempt-relevant exam settings. Question rendering
// and catalogue metadata live with the presentation layer.
type Exam struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	DurationMinutes int       `json:"duration_minutes"`
	AllowNavigation bool      `json:"allow_navigation"`
}

// Question is one question as delivered to the runtime. Options are kept
// opaque: the engine never inspects option content, only the selected id.
type Question struct {
	ID                  uuid.UUID       `json:"id"`
	QuestionText        string          `json:"question_text"`
	Options             json.RawMessage `json:"options"`
	SelectedOption      *string         `json:"selected_option,omitempty"`
	ResponseTimeSeconds int             `json:"response_time_seconds"`
}

// Answered reports whether the question has a selection.
func (q *Question) Answered() bool {
	return q.SelectedOption != nil
}

// AttemptSession is the root aggregate for one attempt, owned exclusively
// by the session engine. Questions keep exam order, fixed after load.
type AttemptSession struct {
	AttemptID            uuid.UUID     `json:"attempt_id"`
	Status               AttemptStatus `json:"status"`
	TimeRemainingSeconds int           `json:"time_remaining_seconds"`
	CurrentQuestionIndex int           `json:"current_question_index"`
	Questions            []Question    `json:"questions"`
}

// AttemptBundle is the load payload: attempt state plus exam metadata
// plus the ordered question set.
type AttemptBundle struct {
	AttemptID            uuid.UUID     `json:"attempt_id"`
	Status               AttemptStatus `json:"status"`
	TimeRemainingSeconds int           `json:"time_remaining_seconds"`
	Exam                 Exam          `json:"exam"`
	Questions            []Question    `json:"questions"`
}
