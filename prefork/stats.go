package prefork

import (
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a resource sample of one worker process
type Usage struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	Threads    int32     `json:"threads"`
	SampledAt  time.Time `json:"sampled_at"`
}

func (u Usage) String() string {
	return fmt.Sprintf("cpu=%.1f%% rss=%dMB threads=%d", u.CPUPercent, u.RSSBytes/1024/1024, u.Threads)
}

// Sampler reads resource usage of a process
type Sampler interface {
	Sample(pid int) (Usage, error)
	// Forget drops state kept for an exited pid
	Forget(pid int)
}

// ProcessSampler samples with gopsutil. CPU% is measured between two
// consecutive samples of the same pid; the first sample reports 0.
type ProcessSampler struct {
	mu    sync.Mutex
	procs map[int]*process.Process
}

// NewProcessSampler creates a sampler
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{procs: make(map[int]*process.Process)}
}

// Sample reads CPU, RSS and thread count of pid
func (s *ProcessSampler) Sample(pid int) (Usage, error) {
	s.mu.Lock()
	proc, ok := s.procs[pid]
	if !ok {
		var err error
		proc, err = process.NewProcess(int32(pid))
		if err != nil {
			s.mu.Unlock()
			return Usage{}, fmt.Errorf("sample pid %d: %w", pid, err)
		}
		s.procs[pid] = proc
	}
	s.mu.Unlock()

	cpu, err := proc.Percent(0)
	if err != nil {
		return Usage{}, fmt.Errorf("sample pid %d cpu: %w", pid, err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("sample pid %d memory: %w", pid, err)
	}
	threads, _ := proc.NumThreads()

	return Usage{
		CPUPercent: cpu,
		RSSBytes:   mem.RSS,
		Threads:    threads,
		SampledAt:  time.Now(),
	}, nil
}

// Forget drops the cached process handle
func (s *ProcessSampler) Forget(pid int) {
	s.mu.Lock()
	delete(s.procs, pid)
	s.mu.Unlock()
}
