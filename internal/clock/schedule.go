package clock

import "time"

// Adaptive reconciliation schedules. Intervals are keyed to the
// percentage of total exam duration remaining, not absolute time, so a
// 30-minute quiz and a 3-hour exam tighten their sync cadence at the
// same relative point.

// readInterval is the cadence for pulling the authoritative time.
func readInterval(pctRemaining float64) time.Duration {
	switch {
	case pctRemaining < 5:
		return 45 * time.Second
	case pctRemaining < 15:
		return 90 * time.Second
	case pctRemaining < 30:
		return 3 * time.Minute
	default:
		return 4 * time.Minute
	}
}

// pushInterval is the coarser cadence for reporting local time to the
// server.
func pushInterval(pctRemaining float64) time.Duration {
	switch {
	case pctRemaining < 10:
		return 2 * time.Minute
	case pctRemaining < 20:
		return 4 * time.Minute
	case pctRemaining < 50:
		return 6 * time.Minute
	default:
		return 8 * time.Minute
	}
}
