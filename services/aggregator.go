package services

import (
	"sync"

	"ip-traffic-agent/models"
)

// TrafficAggregator is the single source of truth for cumulative per-IP
// traffic. Entries exist from the first delta observed for an IP and only
// ever grow; there is no decay and no eviction for the process lifetime.
type TrafficAggregator struct {
	mu    sync.Mutex
	stats map[string]*models.TrafficStats
}

func NewTrafficAggregator() *TrafficAggregator {
	return &TrafficAggregator{stats: make(map[string]*models.TrafficStats)}
}

// Apply merges one window delta into the cumulative stats for its IP,
// creating the entry on first sight.
func (a *TrafficAggregator) Apply(d models.TrafficDelta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyLocked(d)
}

// ApplyBatch merges a whole sampling window under one lock acquisition.
func (a *TrafficAggregator) ApplyBatch(deltas []models.TrafficDelta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range deltas {
		a.applyLocked(d)
	}
}

func (a *TrafficAggregator) applyLocked(d models.TrafficDelta) {
	s, ok := a.stats[d.RemoteIP]
	if !ok {
		s = &models.TrafficStats{}
		a.stats[d.RemoteIP] = s
	}
	s.Add(d)
}

// Snapshot returns a consistent point-in-time copy of the whole table. The
// lock is held only while copying; callers enrich the copy lock-free.
func (a *TrafficAggregator) Snapshot() map[string]models.TrafficStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := make(map[string]models.TrafficStats, len(a.stats))
	for ip, s := range a.stats {
		snap[ip] = *s
	}
	return snap
}

// Get returns the cumulative stats for one IP.
func (a *TrafficAggregator) Get(ip string) (models.TrafficStats, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stats[ip]
	if !ok {
		return models.TrafficStats{}, false
	}
	return *s, true
}
