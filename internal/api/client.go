package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/auth"
	"github.com/stemsi/exstem-client/internal/model"
)

// Authority is the server-side source of truth the runtime reconciles
// against. The server owns elapsed time and attempt status; the client
// only ever adopts what it reports.
type Authority interface {
	LoadAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptBundle, error)
	GetTimeCheck(ctx context.Context, attemptID uuid.UUID) (*TimeCheck, error)
	UpdateTimeRemaining(ctx context.Context, attemptID uuid.UUID, seconds int) (*TimeAck, error)
	SaveBatchAnswers(ctx context.Context, attemptID uuid.UUID, answers []AnswerUpload) error
	SubmitExam(ctx context.Context, attemptID uuid.UUID) error
	CheckExamStatus(ctx context.Context, attemptID uuid.UUID) (model.AttemptStatus, error)
}

// TimeCheck is the authoritative countdown snapshot.
type TimeCheck struct {
	TimeRemaining int                 `json:"time_remaining"`
	ServerTime    time.Time           `json:"server_time"`
	Status        model.AttemptStatus `json:"status"`
}

// TimeAck acknowledges a client time push.
type TimeAck struct {
	ServerTime time.Time `json:"server_time"`
}

// AnswerUpload is one element of a batched answer save.
type AnswerUpload struct {
	QuestionID     uuid.UUID `json:"question_id"`
	SelectedOption *string   `json:"selected_option"`
	ResponseTime   int       `json:"response_time"`
}

// envelope matches the server's standardized response shape.
type envelope struct {
	Data  any        `json:"data"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    ErrCode `json:"code"`
	Message string  `json:"message"`
}

// Client is the HTTP implementation of Authority against the student
// portal routes.
type Client struct {
	http   *resty.Client
	tokens *auth.TokenSource
	log    zerolog.Logger
}

// NewClient builds an Authority over the given base URL, e.g.
// "http://localhost:8080/api/v1".
func NewClient(baseURL string, tokens *auth.TokenSource, log zerolog.Logger) *Client {
	httpc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpc,
		tokens: tokens,
		log:    log.With().Str("component", "api_client").Logger(),
	}
}

func (c *Client) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if tok := c.tokens.Token(); tok != "" {
		req.SetAuthToken(tok)
	}
	return req
}

// classify turns an HTTP response into the typed errors the engine
// branches on. A nil return means the call succeeded.
func classify(resp *resty.Response, body *envelope) error {
	if resp.StatusCode() == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if body != nil && body.Error != nil {
		switch body.Error.Code {
		case CodeAttemptTimedOut:
			return ErrAlreadyTimedOut
		case CodeRateLimitExceeded:
			return ErrRateLimited
		case CodeAttemptNotFound:
			return ErrAttemptNotFound
		}
	}
	if resp.IsError() {
		code := ErrCode("")
		if body != nil && body.Error != nil {
			code = body.Error.Code
		}
		return fmt.Errorf("server error %d (%s)", resp.StatusCode(), code)
	}
	return nil
}

// LoadAttempt fetches the attempt, exam settings and ordered questions.
func (c *Client) LoadAttempt(ctx context.Context, attemptID uuid.UUID) (*model.AttemptBundle, error) {
	var out struct {
		envelope
		Data model.AttemptBundle `json:"data"`
	}

	resp, err := c.request(ctx).
		SetResult(&out).
		SetError(&out).
		Get(fmt.Sprintf("/student/attempts/%s", attemptID))
	if err != nil {
		return nil, fmt.Errorf("load attempt: %w", err)
	}
	if err := classify(resp, &out.envelope); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// GetTimeCheck reads the authoritative remaining time.
func (c *Client) GetTimeCheck(ctx context.Context, attemptID uuid.UUID) (*TimeCheck, error) {
	var out struct {
		envelope
		Data TimeCheck `json:"data"`
	}

	resp, err := c.request(ctx).
		SetResult(&out).
		SetError(&out).
		Get(fmt.Sprintf("/student/attempts/%s/time-check", attemptID))
	if err != nil {
		return nil, fmt.Errorf("time check: %w", err)
	}
	if err := classify(resp, &out.envelope); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// UpdateTimeRemaining pushes the locally-observed remaining time. The
// server may answer with an already-timed-out or rate-limited condition;
// both surface as their sentinel errors.
func (c *Client) UpdateTimeRemaining(ctx context.Context, attemptID uuid.UUID, seconds int) (*TimeAck, error) {
	var out struct {
		envelope
		Data TimeAck `json:"data"`
	}

	resp, err := c.request(ctx).
		SetBody(map[string]int{"time_remaining": seconds}).
		SetResult(&out).
		SetError(&out).
		Put(fmt.Sprintf("/student/attempts/%s/time", attemptID))
	if err != nil {
		return nil, fmt.Errorf("update time: %w", err)
	}
	if err := classify(resp, &out.envelope); err != nil {
		return nil, err
	}
	return &out.Data, nil
}

// SaveBatchAnswers persists a batch of answer edits.
func (c *Client) SaveBatchAnswers(ctx context.Context, attemptID uuid.UUID, answers []AnswerUpload) error {
	var out envelope

	resp, err := c.request(ctx).
		SetBody(map[string]any{"answers": answers}).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/student/attempts/%s/answers/batch", attemptID))
	if err != nil {
		return fmt.Errorf("save batch answers: %w", err)
	}
	return classify(resp, &out)
}

// SubmitExam finalizes the attempt. The server treats this as idempotent.
func (c *Client) SubmitExam(ctx context.Context, attemptID uuid.UUID) error {
	var out envelope

	resp, err := c.request(ctx).
		SetResult(&out).
		SetError(&out).
		Post(fmt.Sprintf("/student/attempts/%s/submit", attemptID))
	if err != nil {
		return fmt.Errorf("submit exam: %w", err)
	}
	return classify(resp, &out)
}

// CheckExamStatus reads the attempt status alone.
func (c *Client) CheckExamStatus(ctx context.Context, attemptID uuid.UUID) (model.AttemptStatus, error) {
	var out struct {
		envelope
		Data struct {
			Status model.AttemptStatus `json:"status"`
		} `json:"data"`
	}

	resp, err := c.request(ctx).
		SetResult(&out).
		SetError(&out).
		Get(fmt.Sprintf("/student/attempts/%s/status", attemptID))
	if err != nil {
		return "", fmt.Errorf("check status: %w", err)
	}
	if err := classify(resp, &out.envelope); err != nil {
		return "", err
	}
	return out.Data.Status, nil
}
