// Package parallel runs bounded fan-out loops for the trainer's per-sample
// backward passes.
package parallel

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// DefaultLimit is the number of physical cores, falling back to the
// scheduler's view of logical CPUs when cpuid cannot tell.
func DefaultLimit() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// ForEach calls body for every i in [0, length) with at most limit calls in
// flight. A limit of zero or less uses DefaultLimit.
func ForEach(length, limit int, body func(i int)) {
	if length <= 0 {
		return
	}
	if limit <= 0 {
		limit = DefaultLimit()
	}
	if limit == 1 || length == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)
	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}
	wg.Wait()
}
