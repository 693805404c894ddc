package history

import (
	"sync"
	"testing"
	"time"

	"procpulse/pkg/model"
)

func sampleAt(cpu float64) model.Sample {
	return model.Sample{PID: 1, CPUPercent: cpu, Timestamp: time.Now()}
}

func TestAppendNeverExceedsCap(t *testing.T) {
	s := NewStore(5)

	for i := 0; i < 20; i++ {
		s.Append(1, sampleAt(float64(i)))
		if got := s.Len(1); got > 5 {
			t.Fatalf("buffer length %d exceeds cap 5", got)
		}
	}

	// Retained entries are the most recent, oldest first.
	window := s.Window(1, 5)
	if len(window) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(window))
	}
	for i, e := range window {
		if want := float64(15 + i); e.CPUPercent != want {
			t.Errorf("entry %d cpu = %f, want %f", i, e.CPUPercent, want)
		}
	}
}

func TestWindowFewerThanRequested(t *testing.T) {
	s := NewStore(10)
	s.Append(2, sampleAt(1))
	s.Append(2, sampleAt(2))

	window := s.Window(2, 5)
	if len(window) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(window))
	}
	if window[0].CPUPercent != 1 || window[1].CPUPercent != 2 {
		t.Errorf("window not in chronological order: %v", window)
	}
}

func TestProcessesIndependent(t *testing.T) {
	s := NewStore(3)
	s.Append(1, sampleAt(1))
	s.Append(2, sampleAt(2))

	if s.Len(1) != 1 || s.Len(2) != 1 {
		t.Error("per-process buffers should be independent")
	}
	if got := len(s.Processes()); got != 2 {
		t.Errorf("expected 2 tracked processes, got %d", got)
	}

	s.Drop(1)
	if got := len(s.Processes()); got != 1 {
		t.Errorf("expected 1 process after Drop, got %d", got)
	}
}

func TestCPUSeries(t *testing.T) {
	s := NewStore(10)
	for _, v := range []float64{10, 20, 30} {
		s.Append(7, sampleAt(v))
	}

	series := s.CPUSeries(7)
	if len(series) != 3 || series[0] != 10 || series[2] != 30 {
		t.Errorf("unexpected cpu series: %v", series)
	}
}

func TestReadsDoNotTrackUnknownProcesses(t *testing.T) {
	s := NewStore(5)

	if got := s.Window(99, 3); len(got) != 0 {
		t.Errorf("window for unknown pid should be empty, got %v", got)
	}
	if got := s.Len(99); got != 0 {
		t.Errorf("length for unknown pid = %d, want 0", got)
	}
	if got := s.CPUSeries(99); len(got) != 0 {
		t.Errorf("cpu series for unknown pid should be empty, got %v", got)
	}

	if got := len(s.Processes()); got != 0 {
		t.Errorf("read-only queries created %d buffers", got)
	}
}

func TestConcurrentAppend(t *testing.T) {
	s := NewStore(50)
	var wg sync.WaitGroup

	for pid := int32(1); pid <= 4; pid++ {
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(pid int32, v int) {
				defer wg.Done()
				s.Append(pid, sampleAt(float64(v)))
			}(pid, i)
		}
	}
	wg.Wait()

	for pid := int32(1); pid <= 4; pid++ {
		if got := s.Len(pid); got != 50 {
			t.Errorf("pid %d length %d, want cap 50", pid, got)
		}
	}
}
