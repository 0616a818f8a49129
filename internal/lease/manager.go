package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/model"
)

// State is the per-tab lease state machine: Requesting → Active or
// Conflicted. A Conflicted tab may re-enter Requesting via Retry.
type State string

const (
	StateRequesting State = "requesting"
	StateActive     State = "active"
	StateConflicted State = "conflicted"
)

// Manager drives the lease protocol for one tab instance of one attempt.
type Manager struct {
	store             Store
	clock             clockwork.Clock
	log               zerolog.Logger
	attemptID         uuid.UUID
	tabID             string
	heartbeatInterval time.Duration
	staleTimeout      time.Duration

	// onConflict fires when another tab takes the lease out from under
	// an Active manager mid-session.
	onConflict func()

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

// NewManager builds a lease manager with a fresh tab instance id.
func NewManager(store Store, clk clockwork.Clock, log zerolog.Logger, attemptID uuid.UUID, heartbeatInterval, staleTimeout time.Duration, onConflict func()) *Manager {
	return &Manager{
		store:             store,
		clock:             clk,
		log:               log.With().Str("component", "tab_lease").Logger(),
		attemptID:         attemptID,
		tabID:             uuid.NewString(),
		heartbeatInterval: heartbeatInterval,
		staleTimeout:      staleTimeout,
		onConflict:        onConflict,
		state:             StateRequesting,
	}
}

// TabID returns this tab instance's opaque id.
func (m *Manager) TabID() string { return m.tabID }

// State returns the current lease state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquire attempts to claim the lease. An absent or stale record is
// claimed; a fresh record owned by another tab means Conflicted. On
// success the heartbeat loop starts and keeps the claim alive.
func (m *Manager) Acquire(ctx context.Context) (State, error) {
	existing, err := m.store.Get(ctx, m.attemptID)
	if err != nil {
		return StateRequesting, fmt.Errorf("read lease: %w", err)
	}

	now := m.clock.Now()
	if existing != nil && !existing.OwnedBy(m.tabID) && !existing.Stale(now, m.staleTimeout) {
		m.setState(StateConflicted)
		m.log.Warn().
			Str("attempt_id", m.attemptID.String()).
			Str("owner", existing.OwnerTabID).
			Msg("Attempt already open in another tab")
		return StateConflicted, nil
	}

	if err := m.store.Put(ctx, m.attemptID, model.TabLease{
		OwnerTabID:      m.tabID,
		LastHeartbeatAt: now,
	}); err != nil {
		return StateRequesting, fmt.Errorf("claim lease: %w", err)
	}

	m.setState(StateActive)
	m.startHeartbeat(ctx)
	m.log.Info().Str("attempt_id", m.attemptID.String()).Msg("Tab lease acquired")
	return StateActive, nil
}

// Retry re-enters Requesting from Conflicted and attempts acquisition
// again. This is the "refresh and retry" recovery.
func (m *Manager) Retry(ctx context.Context) (State, error) {
	m.stopHeartbeat()
	m.setState(StateRequesting)
	return m.Acquire(ctx)
}

// Release stops the heartbeat and deletes the lease record if this tab
// still owns it, so a legitimate reload can reclaim immediately instead
// of waiting out the stale timeout.
func (m *Manager) Release(ctx context.Context) {
	m.stopHeartbeat()

	existing, err := m.store.Get(ctx, m.attemptID)
	if err != nil {
		m.log.Warn().Err(err).Msg("Lease read failed during release")
		return
	}
	if existing == nil || !existing.OwnedBy(m.tabID) {
		return
	}
	if err := m.store.Delete(ctx, m.attemptID); err != nil {
		m.log.Warn().Err(err).Msg("Lease delete failed during release")
		return
	}
	m.log.Info().Str("attempt_id", m.attemptID.String()).Msg("Tab lease released")
}

func (m *Manager) startHeartbeat(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.heartbeatLoop(hbCtx)
}

func (m *Manager) stopHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.beat(ctx)
		}
	}
}

// beat re-reads then refreshes the lease. Finding a different owner means
// another tab overwrote the claim: transition to Conflicted immediately,
// even mid-session. A missing record (e.g. storage TTL eviction) is
// reclaimed silently; nobody else holds it.
func (m *Manager) beat(ctx context.Context) {
	existing, err := m.store.Get(ctx, m.attemptID)
	if err != nil {
		m.log.Warn().Err(err).Msg("Lease heartbeat read failed")
		return
	}

	if existing != nil && !existing.OwnedBy(m.tabID) {
		m.log.Warn().
			Str("attempt_id", m.attemptID.String()).
			Str("owner", existing.OwnerTabID).
			Msg("Lease taken over by another tab")
		m.stopHeartbeat()
		m.setState(StateConflicted)
		if m.onConflict != nil {
			m.onConflict()
		}
		return
	}

	if err := m.store.Put(ctx, m.attemptID, model.TabLease{
		OwnerTabID:      m.tabID,
		LastHeartbeatAt: m.clock.Now(),
	}); err != nil {
		m.log.Warn().Err(err).Msg("Lease heartbeat write failed")
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
