package proctor

// Wire schema for the monitor WebSocket channel. Matches the server's
// exam monitor endpoint: clients push typed actions, the server answers
// with typed events.

type Action string

const (
	ActionCheat Action = "cheat"
	ActionPing  Action = "ping"
)

// CheatRequest reports one security violation. Payload carries the
// violation JSON as a string, decoded server-side.
type CheatRequest struct {
	Action  Action `json:"action"`
	Payload string `json:"payload"`
}

type Event string

const (
	EventError   Event = "error"
	EventSuccess Event = "success"
	EventPong    Event = "pong"
)

type AckResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}
