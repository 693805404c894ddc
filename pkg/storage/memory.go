package storage

import (
	"sort"
	"sync"
	"time"

	"procpulse/pkg/alerts"
	"procpulse/pkg/model"
)

// Memory is an in-process implementation of alerts.Store and MetricStore,
// used in tests and when no database is configured.
type Memory struct {
	mu        sync.Mutex
	alerts    map[string]*alerts.Alert
	snapshots []model.Snapshot
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{alerts: make(map[string]*alerts.Alert)}
}

func (m *Memory) SaveAlert(a *alerts.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) UpdateAlert(a *alerts.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *Memory) RecentAlerts(limit int, unackedOnly bool) ([]*alerts.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*alerts.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if unackedOnly && a.Acknowledged {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AlertStats(since time.Time) (*alerts.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &alerts.Stats{ByType: make(map[alerts.Type]int)}
	for _, a := range m.alerts {
		if a.CreatedAt.Before(since) {
			continue
		}
		stats.Total++
		stats.ByType[a.Type]++
		if a.MLDetected {
			stats.MLDetected++
		}
	}
	return stats, nil
}

func (m *Memory) DeleteResolvedBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, a := range m.alerts {
		if a.Resolved && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(m.alerts, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) SaveSnapshot(snap model.Snapshot) error {
	m.mu.Lock()
	m.snapshots = append(m.snapshots, snap)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DeleteMetricsBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.snapshots[:0]
	deleted := 0
	for _, s := range m.snapshots {
		if s.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
	return deleted, nil
}

// SnapshotCount returns the number of stored snapshots.
func (m *Memory) SnapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}
