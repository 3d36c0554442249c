package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const cpuSecondsMetric = "/sched/cpu:seconds"

// ResourceUsage is a coarse view of the relay process for the status endpoint.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// resourceSampler derives CPU utilisation from the delta between two reads of
// the scheduler's cumulative CPU time.
type resourceSampler struct {
	mu      sync.Mutex
	sample  [1]metrics.Sample
	prevCPU float64
	prevAt  time.Time
	numCPU  float64
}

func newResourceSampler() *resourceSampler {
	s := &resourceSampler{numCPU: float64(runtime.NumCPU())}
	s.sample[0].Name = cpuSecondsMetric
	return s
}

// Sample reads the current usage. The first call reports 0% CPU.
func (s *resourceSampler) Sample() ResourceUsage {
	if s == nil {
		return ResourceUsage{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sample[0].Name == "" {
		s.sample[0].Name = cpuSecondsMetric
	}
	metrics.Read(s.sample[:])
	now := time.Now()

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if v := s.sample[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if !s.prevAt.IsZero() {
			if wall := now.Sub(s.prevAt).Seconds(); wall > 0 && s.numCPU > 0 {
				usage.CPUPercent = (cpu - s.prevCPU) / wall / s.numCPU * 100
			}
		}
		s.prevCPU = cpu
	}
	s.prevAt = now

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	usage.MemoryBytes = mem.Alloc
	return usage
}
