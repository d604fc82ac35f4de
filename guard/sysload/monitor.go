// Package sysload samples process CPU and heap pressure. The rate limiter
// uses it to shrink budgets under load, independent of attack detection.
package sysload

import (
	"runtime"
	"sync"
	"syscall"
	"time"
)

// Snapshot is one load observation.
type Snapshot struct {
	CPURatio  float64 // process CPU time / wall time, normalized by core count
	HeapRatio float64 // HeapAlloc / HeapSys
	Taken     time.Time
}

// Monitor samples load on a fixed interval.
type Monitor struct {
	mu       sync.RWMutex
	current  Snapshot
	interval time.Duration

	lastCPU  time.Duration
	lastWall time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMonitor creates a monitor sampling at the given interval (default 5s).
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		interval: interval,
		lastWall: time.Now(),
		lastCPU:  processCPUTime(),
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-m.done:
				return
			}
		}
	}()
}

// Stop halts sampling.
func (m *Monitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Current returns the latest snapshot. Before the first sample it reports
// zero load, which errs on the permissive side.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Monitor) sample() {
	now := time.Now()
	cpu := processCPUTime()

	m.mu.Lock()
	defer m.mu.Unlock()

	wall := now.Sub(m.lastWall)
	var cpuRatio float64
	if wall > 0 {
		cpuRatio = float64(cpu-m.lastCPU) / float64(wall) / float64(runtime.NumCPU())
	}
	m.lastCPU = cpu
	m.lastWall = now

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	var heapRatio float64
	if ms.HeapSys > 0 {
		heapRatio = float64(ms.HeapAlloc) / float64(ms.HeapSys)
	}

	m.current = Snapshot{
		CPURatio:  cpuRatio,
		HeapRatio: heapRatio,
		Taken:     now,
	}
}

func processCPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}
