// Package proctor observes loss of the required presentation mode and
// escalates accumulated violations up to forced submission.
package proctor

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/environ"
	"github.com/stemsi/exstem-client/internal/model"
)

// warnThreshold is the violation count at which the user first sees a
// blocking warning. The first violation is logged silently so a single
// accidental alt-tab does not interrupt the exam.
const warnThreshold = 2

// Warning summarizes recent violations for the blocking dialog.
type Warning struct {
	Recent    []model.SecurityViolation
	Remaining int
}

// ViolationSink receives violations for live proctoring. Implemented by
// Reporter; nil disables streaming.
type ViolationSink interface {
	Report(v model.SecurityViolation) error
}

// Callbacks connect the monitor to the session engine.
type Callbacks struct {
	// Status gates recording: violations only count while in-progress.
	Status func() model.AttemptStatus

	// OnWarn surfaces the blocking warning dialog.
	OnWarn func(Warning)

	// OnCeiling fires once when the violation ceiling is reached. The
	// engine surfaces the non-dismissable notice and forces submission.
	OnCeiling func()

	// OnVisible fires when the page becomes visible again, letting the
	// engine trigger an immediate time re-sync.
	OnVisible func()
}

// Monitor accumulates security violations for one attempt.
type Monitor struct {
	env           environ.Environment
	clock         clockwork.Clock
	log           zerolog.Logger
	sink          ViolationSink
	maxViolations int
	cb            Callbacks

	mu           sync.Mutex
	violations   []model.SecurityViolation
	ceilingFired bool
	cancel       context.CancelFunc
}

// New builds a monitor. sink may be nil.
func New(env environ.Environment, clk clockwork.Clock, log zerolog.Logger, sink ViolationSink, maxViolations int, cb Callbacks) *Monitor {
	return &Monitor{
		env:           env,
		clock:         clk,
		log:           log.With().Str("component", "security_monitor").Logger(),
		sink:          sink,
		maxViolations: maxViolations,
		cb:            cb,
	}
}

// Start begins consuming visibility and fullscreen transitions.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop halts event consumption.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// EnterInProgress proactively re-establishes fullscreen. Called on every
// status transition into in-progress; desktop only, mobile is exempt
// from the fullscreen requirement.
func (m *Monitor) EnterInProgress(ctx context.Context) {
	if m.env.FormFactor() != environ.Desktop {
		return
	}
	if err := m.env.EnterFullscreen(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Fullscreen request denied")
	}
}

// Teardown releases any fullscreen lock, regardless of how the session
// ended.
func (m *Monitor) Teardown(ctx context.Context) {
	if err := m.env.ExitFullscreen(ctx); err != nil {
		m.log.Debug().Err(err).Msg("Fullscreen release failed")
	}
}

// Count returns the number of recorded violations.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.violations)
}

// Violations returns a copy of the append-only violation log.
func (m *Monitor) Violations() []model.SecurityViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SecurityViolation, len(m.violations))
	copy(out, m.violations)
	return out
}

func (m *Monitor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hidden := <-m.env.Visibility():
			if hidden {
				m.record(model.ViolationTabHidden)
			} else if m.cb.OnVisible != nil {
				m.cb.OnVisible()
			}
		case entered := <-m.env.Fullscreen():
			if !entered && m.env.FormFactor() == environ.Desktop {
				m.record(model.ViolationFullscreenExit)
			}
		}
	}
}

func (m *Monitor) record(t model.ViolationType) {
	if m.cb.Status() != model.AttemptStatusInProgress {
		return
	}

	v := model.SecurityViolation{Type: t, Timestamp: m.clock.Now()}

	m.mu.Lock()
	m.violations = append(m.violations, v)
	n := len(m.violations)
	recent := lastN(m.violations, 3)
	pastCeiling := m.ceilingFired
	ceiling := n >= m.maxViolations && !m.ceilingFired
	if ceiling {
		m.ceilingFired = true
	}
	m.mu.Unlock()

	m.log.Warn().
		Str("type", string(t)).
		Int("count", n).
		Int("max", m.maxViolations).
		Msg("Security violation recorded")

	if m.sink != nil {
		go func() {
			if err := m.sink.Report(v); err != nil {
				m.log.Debug().Err(err).Msg("Violation report dropped")
			}
		}()
	}

	switch {
	case pastCeiling:
		// Forced submission is already underway; the violation is still
		// logged and reported, but no further dialogs.
	case ceiling:
		if m.cb.OnCeiling != nil {
			m.cb.OnCeiling()
		}
	case n >= warnThreshold:
		if m.cb.OnWarn != nil {
			m.cb.OnWarn(Warning{Recent: recent, Remaining: m.maxViolations - n})
		}
	}
}

func lastN(vs []model.SecurityViolation, n int) []model.SecurityViolation {
	if len(vs) < n {
		n = len(vs)
	}
	out := make([]model.SecurityViolation, n)
	copy(out, vs[len(vs)-n:])
	return out
}
