package model

import "time"

// TabLease is the shared record claiming exclusive ownership of an attempt
// by one tab instance. One physical record exists per attempt, stored in a
// medium visible to every tab of the same origin (local storage in browser
// hosts, Redis on kiosk fleets, memory in tests).
type TabLease struct {
	OwnerTabID      string    `json:"owner_tab_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// Stale reports whether the lease heartbeat is older than the stale timeout
// and the record may therefore be reclaimed by another tab.
func (l *TabLease) Stale(now time.Time, staleTimeout time.Duration) bool {
	return now.Sub(l.LastHeartbeatAt) > staleTimeout
}

// OwnedBy reports whether the lease belongs to the given tab instance.
func (l *TabLease) OwnedBy(tabID string) bool {
	return l.OwnerTabID == tabID
}
