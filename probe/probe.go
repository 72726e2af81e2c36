// Package probe abstracts OS-level resource-usage sampling for a pid,
// so the dispatcher's stats path never depends on a concrete sampling
// library directly.
package probe

// Sample is a single point-in-time resource reading for a process.
type Sample struct {
	CPUPercent  float64
	MemoryBytes uint64
}

// Prober samples resource usage for a pid. Implementations should
// return an error for a pid that no longer exists or cannot be read;
// callers are expected to skip the worker rather than fail the whole
// stats request.
type Prober interface {
	Sample(pid int) (Sample, error)
}
