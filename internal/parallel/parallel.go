// Package parallel splits kernel loops across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how loops are split.
type Config struct {
	Enabled    bool // Whether loops run on more than one goroutine.
	NumWorkers int  // Upper bound on goroutines per loop.
	// MinChunkSize is the fewest iterations a goroutine is given. Loops
	// shorter than this run on the caller's goroutine.
	MinChunkSize int
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 4,
	}
}

// Sequential returns a config that never spawns goroutines.
func Sequential() Config {
	return Config{}
}

// For calls f(i) for every i in [0, n). A panic in any chunk is re-raised on
// the caller's goroutine after all chunks have finished, so a recover around
// For sees it.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || cfg.NumWorkers < 2 || n < 2*cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize, 1)

	var (
		wg        sync.WaitGroup
		panicOnce sync.Once
		panicVal  any
	)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicOnce.Do(func() { panicVal = r })
				}
			}()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()

	if panicVal != nil {
		panic(panicVal)
	}
}

// For2D calls f(i, j) for every i in [0, rows) and j in [0, cols), splitting
// the flattened index space.
func For2D(rows, cols int, f func(i, j int), cfg Config) {
	if cols <= 0 {
		return
	}
	For(rows*cols, func(k int) {
		f(k/cols, k%cols)
	}, cfg)
}
