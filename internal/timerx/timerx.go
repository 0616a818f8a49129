// Package timerx provides a cancellable one-shot timer handle. Components
// own at most one armed handle per concern; re-arming replaces the previous
// timer so cancellation never depends on closure capture.
package timerx

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Handle wraps a single optional armed timer. Arm replaces any armed
// timer; Disarm stops it. Safe for concurrent use.
type Handle struct {
	clock clockwork.Clock

	mu     sync.Mutex
	timer  clockwork.Timer
	cancel chan struct{}
}

// New returns an unarmed handle driven by the given clock.
func New(clock clockwork.Clock) *Handle {
	return &Handle{clock: clock}
}

// Arm schedules fn to run once after d, replacing any previously armed
// timer. fn runs on its own goroutine.
func (h *Handle) Arm(d time.Duration, fn func()) {
	h.mu.Lock()
	h.stopLocked()

	timer := h.clock.NewTimer(d)
	cancel := make(chan struct{})
	h.timer = timer
	h.cancel = cancel
	h.mu.Unlock()

	go func() {
		select {
		case <-timer.Chan():
			h.mu.Lock()
			canceled := false
			select {
			case <-cancel:
				// Disarm raced the firing; honor the cancellation.
				canceled = true
			default:
			}
			if h.timer == timer {
				h.timer = nil
				h.cancel = nil
			}
			h.mu.Unlock()
			if !canceled {
				fn()
			}
		case <-cancel:
		}
	}()
}

// Disarm stops the armed timer, if any. The scheduled fn will not run.
func (h *Handle) Disarm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
}

// Armed reports whether a timer is currently scheduled.
func (h *Handle) Armed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer != nil
}

// stopLocked stops and drains the current timer. Draining follows the
// time.Timer.Stop contract so the waiter goroutine cannot leak.
func (h *Handle) stopLocked() {
	if h.timer == nil {
		return
	}
	if !h.timer.Stop() {
		select {
		case <-h.timer.Chan():
		default:
		}
	}
	close(h.cancel)
	h.timer = nil
	h.cancel = nil
}
