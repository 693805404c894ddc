// Package history keeps a bounded per-process FIFO buffer of recent samples,
// feeding trend features and forecast windows.
package history

import (
	"sync"

	"procpulse/pkg/model"
)

// DefaultCapacity is the per-process buffer cap.
const DefaultCapacity = 100

// buffer serializes mutation for one process; distinct processes are
// independent.
type buffer struct {
	mu      sync.Mutex
	entries []model.Sample
}

// Store is a concurrency-safe collection of per-process sample buffers.
type Store struct {
	mu       sync.RWMutex
	capacity int
	buffers  map[int32]*buffer
}

// NewStore creates a Store with the given per-process cap
// (DefaultCapacity when non-positive).
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, buffers: make(map[int32]*buffer)}
}

// peek looks up a buffer without creating one, keeping read-only queries for
// never-seen pids from growing the map.
func (s *Store) peek(pid int32) (*buffer, bool) {
	s.mu.RLock()
	b, ok := s.buffers[pid]
	s.mu.RUnlock()
	return b, ok
}

func (s *Store) bufferFor(pid int32) *buffer {
	s.mu.RLock()
	b, ok := s.buffers[pid]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buffers[pid]; ok {
		return b
	}
	b = &buffer{}
	s.buffers[pid] = b
	return b
}

// Append pushes a sample onto the process's buffer, evicting the oldest entry
// first when at capacity so the cap is never exceeded.
func (s *Store) Append(pid int32, sample model.Sample) {
	b := s.bufferFor(pid)
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= s.capacity {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, sample)
}

// Window returns the most recent n entries for pid in chronological order,
// or fewer if unavailable.
func (s *Store) Window(pid int32, n int) []model.Sample {
	b, ok := s.peek(pid)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.entries) {
		n = len(b.entries)
	}
	out := make([]model.Sample, n)
	copy(out, b.entries[len(b.entries)-n:])
	return out
}

// Len returns the number of buffered entries for pid.
func (s *Store) Len(pid int32) int {
	b, ok := s.peek(pid)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// CPUSeries returns the buffered cpu readings for pid, oldest first.
func (s *Store) CPUSeries(pid int32) []float64 {
	b, ok := s.peek(pid)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]float64, len(b.entries))
	for i, e := range b.entries {
		out[i] = e.CPUPercent
	}
	return out
}

// Processes returns the pids with buffered history.
func (s *Store) Processes() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int32, 0, len(s.buffers))
	for pid := range s.buffers {
		out = append(out, pid)
	}
	return out
}

// Drop removes a process's buffer, for processes that have exited.
func (s *Store) Drop(pid int32) {
	s.mu.Lock()
	delete(s.buffers, pid)
	s.mu.Unlock()
}
