package proctor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/model"
)

// Reporter streams security violations to the server's monitor WebSocket
// endpoint. Delivery is best-effort: the violation log is the local
// source of truth and every violation also reaches the server inside the
// batched answer/submission flow, so a broken socket only delays the
// live proctor view.
type Reporter struct {
	url   string
	token string
	log   zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewReporter builds a reporter for the given ws:// or wss:// URL.
func NewReporter(url, token string, log zerolog.Logger) *Reporter {
	return &Reporter{
		url:   url,
		token: token,
		log:   log.With().Str("component", "violation_reporter").Logger(),
	}
}

// Report pushes one violation. On a broken connection it redials once;
// a second failure drops the report.
func (r *Reporter) Report(v model.SecurityViolation) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req := CheatRequest{Action: ActionCheat, Payload: string(payload)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn == nil {
		if err := r.dialLocked(); err != nil {
			return err
		}
	}

	if err := r.writeLocked(req); err != nil {
		r.closeLocked()
		if err := r.dialLocked(); err != nil {
			return err
		}
		if err := r.writeLocked(req); err != nil {
			r.closeLocked()
			return err
		}
	}
	return nil
}

// Close shuts the socket down. Safe to call when never connected.
func (r *Reporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Reporter) dialLocked() error {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}

	conn, _, err := websocket.DefaultDialer.Dial(r.url, header)
	if err != nil {
		r.log.Warn().Err(err).Msg("Monitor socket dial failed")
		return err
	}
	r.conn = conn
	return nil
}

func (r *Reporter) writeLocked(v any) error {
	r.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return r.conn.WriteJSON(v)
}

func (r *Reporter) closeLocked() {
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}
