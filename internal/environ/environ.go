// Package environ abstracts the host surface the engine observes and
// controls: page visibility, connectivity, and fullscreen. Browser hosts
// bind these to real window events; the headless agent and tests inject
// them programmatically.
package environ

import "context"

// FormFactor gates which presentation-mode rules apply. Fullscreen is
// only enforced on desktop; backgrounding is monitored everywhere.
type FormFactor string

const (
	Desktop FormFactor = "desktop"
	Mobile  FormFactor = "mobile"
)

// Environment is the injected host capability surface.
type Environment interface {
	// Visibility emits true when the page becomes hidden and false when
	// it becomes visible again.
	Visibility() <-chan bool

	// Online emits connectivity transitions: true on regain, false on loss.
	Online() <-chan bool

	// Fullscreen emits true on entering fullscreen and false on leaving it.
	Fullscreen() <-chan bool

	// EnterFullscreen requests the required presentation mode. Hosts may
	// deny it; the caller records the denial rather than failing the session.
	EnterFullscreen(ctx context.Context) error

	// ExitFullscreen releases any fullscreen lock. Must be safe to call
	// when not in fullscreen.
	ExitFullscreen(ctx context.Context) error

	FormFactor() FormFactor
}

// Headless is an Environment with no real host: always visible, always
// online, fullscreen grants always succeed. Events are injected through
// the Emit methods; the agent binary and tests drive it directly.
type Headless struct {
	visibility chan bool
	online     chan bool
	fullscreen chan bool
	formFactor FormFactor
}

// NewHeadless builds a Headless environment for the given form factor.
func NewHeadless(ff FormFactor) *Headless {
	return &Headless{
		visibility: make(chan bool, 8),
		online:     make(chan bool, 8),
		fullscreen: make(chan bool, 8),
		formFactor: ff,
	}
}

func (h *Headless) Visibility() <-chan bool { return h.visibility }
func (h *Headless) Online() <-chan bool     { return h.online }
func (h *Headless) Fullscreen() <-chan bool { return h.fullscreen }

func (h *Headless) EnterFullscreen(ctx context.Context) error { return nil }
func (h *Headless) ExitFullscreen(ctx context.Context) error  { return nil }

func (h *Headless) FormFactor() FormFactor { return h.formFactor }

// EmitVisibility injects a visibility transition (true = hidden).
func (h *Headless) EmitVisibility(hidden bool) { h.visibility <- hidden }

// EmitOnline injects a connectivity transition (true = online).
func (h *Headless) EmitOnline(online bool) { h.online <- online }

// EmitFullscreen injects a fullscreen transition (true = entered).
func (h *Headless) EmitFullscreen(entered bool) { h.fullscreen <- entered }
