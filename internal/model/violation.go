package model

import "time"

// ViolationType classifies a departure from the required exam
// presentation mode.
type ViolationType string

const (
	ViolationFullscreenExit ViolationType = "fullscreen_exit"
	ViolationTabHidden      ViolationType = "tab_hidden"
)

// SecurityViolation is one append-only log entry. The log is never
// mutated after append; its length drives escalation.
type SecurityViolation struct {
	Type      ViolationType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
}
