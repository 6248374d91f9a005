package ghist

import (
	"runtime"
	"sync"
)

// ============================================================================
// Parallel Execution Configuration
// ============================================================================

// ParallelConfig controls the worker pools used by cut sketching, index
// construction and histogram building. The resolved worker count is always
// passed down explicitly so schedules stay deterministic and testable;
// there is no package-global configuration.
type ParallelConfig struct {
	// MinRowsForParallel is the minimum rows to justify parallel overhead.
	MinRowsForParallel int

	// Grain is the number of rows per unit of work (default 2048).
	Grain int

	// MaxWorkers limits the number of worker goroutines (0 = GOMAXPROCS).
	MaxWorkers int

	// Enabled controls whether parallelism is used at all.
	Enabled bool
}

// DefaultParallelConfig returns sensible defaults.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		MinRowsForParallel: 8192,
		Grain:              2048,
		MaxWorkers:         0,
		Enabled:            true,
	}
}

// Workers returns the worker count the config resolves to.
func (cfg ParallelConfig) Workers() int {
	if cfg.MaxWorkers > 0 {
		return cfg.MaxWorkers
	}
	return runtime.GOMAXPROCS(0)
}

// shouldParallelize reports whether rows is large enough to fan out.
func (cfg ParallelConfig) shouldParallelize(rows int) bool {
	return cfg.Enabled && cfg.Workers() > 1 && rows >= cfg.MinRowsForParallel
}

// grain returns the work unit size.
func (cfg ParallelConfig) grain() int {
	if cfg.Grain > 0 {
		return cfg.Grain
	}
	return 2048
}

// ============================================================================
// 2-D Work Space
// ============================================================================

// Space2D enumerates the units of a nested parallel loop over (node,
// row-range) pairs: node i contributes ceil(sizes[i]/grain) contiguous
// blocks of its row list, and a node with no rows contributes none. Units
// are ordered node-major, so a contiguous span of units touches a
// contiguous span of nodes; the histogram builder's thread matching relies
// on that ordering.
type Space2D struct {
	nodes  []int // unit -> node
	begins []int // unit -> block begin within the node's rows
	ends   []int // unit -> block end
}

// NewSpace2D builds the work space for per-node row counts and a block
// grain. grain <= 0 selects the default grain.
func NewSpace2D(sizes []int, grain int) *Space2D {
	if grain <= 0 {
		grain = DefaultParallelConfig().Grain
	}
	s := &Space2D{}
	for nid, size := range sizes {
		for begin := 0; begin < size; begin += grain {
			end := begin + grain
			if end > size {
				end = size
			}
			s.nodes = append(s.nodes, nid)
			s.begins = append(s.begins, begin)
			s.ends = append(s.ends, end)
		}
	}
	return s
}

// Size returns the number of work units.
func (s *Space2D) Size() int {
	return len(s.nodes)
}

// Node returns the node a unit belongs to.
func (s *Space2D) Node(unit int) int {
	return s.nodes[unit]
}

// Block returns the [begin, end) row sub-range a unit covers within its
// node's row list.
func (s *Space2D) Block(unit int) (begin, end int) {
	return s.begins[unit], s.ends[unit]
}

// chunkSize is the per-worker contiguous chunk for n units. Thread-to-node
// matching and ParallelFor2D must agree on this split.
func chunkSize(n, nworkers int) int {
	return (n + nworkers - 1) / nworkers
}

// ============================================================================
// Parallel Execution Helpers
// ============================================================================

// ParallelFor2D runs fn over every unit of the space on nworkers
// goroutines. Units are dealt in contiguous per-worker chunks, the same
// split the histogram builder's Reset registers, so worker tid only ever
// touches (tid, node) pairs assigned to it.
func ParallelFor2D(space *Space2D, nworkers int, fn func(tid, unit int)) {
	size := space.Size()
	if size == 0 {
		return
	}
	if nworkers <= 1 {
		for u := 0; u < size; u++ {
			fn(0, u)
		}
		return
	}
	chunk := chunkSize(size, nworkers)
	var wg sync.WaitGroup
	for tid := 0; tid < nworkers; tid++ {
		begin := tid * chunk
		if begin >= size {
			break
		}
		end := begin + chunk
		if end > size {
			end = size
		}
		wg.Add(1)
		go func(tid, begin, end int) {
			defer wg.Done()
			for u := begin; u < end; u++ {
				fn(tid, u)
			}
		}(tid, begin, end)
	}
	wg.Wait()
}

// ParallelFor splits [0, n) into contiguous per-worker chunks and runs fn
// once per chunk with the worker id and its range.
func ParallelFor(n, nworkers int, fn func(tid, begin, end int)) {
	if n == 0 {
		return
	}
	if nworkers <= 1 {
		fn(0, 0, n)
		return
	}
	chunk := chunkSize(n, nworkers)
	var wg sync.WaitGroup
	for tid := 0; tid < nworkers; tid++ {
		begin := tid * chunk
		if begin >= n {
			break
		}
		end := begin + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(tid, begin, end int) {
			defer wg.Done()
			fn(tid, begin, end)
		}(tid, begin, end)
	}
	wg.Wait()
}
