package core

import "sync/atomic"

type counters struct {
	accepted atomic.Uint64
	active   atomic.Int64
	requests atomic.Uint64
	upgraded atomic.Uint64
	panics   atomic.Uint64
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Active   int64  `json:"active"`
	Requests uint64 `json:"requests"`
	Upgraded uint64 `json:"upgraded"`
	Panics   uint64 `json:"panics"`
}

// Stats returns the current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Accepted: e.stats.accepted.Load(),
		Active:   e.stats.active.Load(),
		Requests: e.stats.requests.Load(),
		Upgraded: e.stats.upgraded.Load(),
		Panics:   e.stats.panics.Load(),
	}
}
