package ghist

import (
	"fmt"
	"math"
)

// ============================================================================
// Aggregation Kernel
// ============================================================================

// GHistBuilder accumulates row gradient statistics into histogram rows.
type GHistBuilder struct {
	nbins int
}

// NewGHistBuilder creates a builder for nbins-wide histograms.
func NewGHistBuilder(nbins int) *GHistBuilder {
	return &GHistBuilder{nbins: nbins}
}

// Nbins returns the histogram width.
func (b *GHistBuilder) Nbins() int {
	return b.nbins
}

// BuildHist accumulates the gradient pairs of the listed rows into hist,
// one increment per stored entry. Rows are processed in the order given
// so repeated runs accumulate in the same float order. Dense matrices
// take a fixed-stride loop; sparse ones guard each row with its pointer
// range.
func (b *GHistBuilder) BuildHist(gpairs []GradPair, rows []uint32, m *IndexMatrix, hist HistRow) {
	if m.IsDense() {
		buildHistDense(gpairs, rows, m, hist)
	} else {
		buildHistSparse(gpairs, rows, m, hist)
	}
}

func buildHistDense(gpairs []GradPair, rows []uint32, m *IndexMatrix, hist HistRow) {
	ncols := m.ncols
	idx := m.index
	for _, r := range rows {
		gp := gpairs[r]
		pos := int(r) * ncols
		for j := 0; j < ncols; j++ {
			bin := idx.At(pos + j)
			hist[bin].Grad += gp.Grad
			hist[bin].Hess += gp.Hess
		}
	}
}

func buildHistSparse(gpairs []GradPair, rows []uint32, m *IndexMatrix, hist HistRow) {
	idx := m.index
	for _, r := range rows {
		gp := gpairs[r]
		begin := int(m.rowPtr[r])
		end := int(m.rowPtr[r+1])
		for pos := begin; pos < end; pos++ {
			bin := idx.At(pos)
			hist[bin].Grad += gp.Grad
			hist[bin].Hess += gp.Hess
		}
	}
}

// ============================================================================
// Parallel Histogram Builder
// ============================================================================

// histUnassigned marks a (thread, node) pair the scheduling pass never
// registered.
const histUnassigned = math.MinInt32

// ParallelHistBuilder schedules per-thread partial histograms across a
// 2-D (node, row-range) work space and reduces them into per-node target
// histograms. For each node the first thread touching it writes the
// target directly; every further thread gets a private scratch row from
// an internal collection, allocated only on first use.
type ParallelHistBuilder struct {
	nbins    int
	nthreads int
	nodes    int

	buffer  HistCollection
	targets []HistRow

	// threadsToNodes[tid*nodes+nid] marks that tid's unit chunk covers
	// nid.
	threadsToNodes []bool

	// histWasUsed[tid*nodes+nid] marks first use within a pass. Workers
	// write disjoint elements, the reducer reads after the barrier.
	histWasUsed []bool

	// tidNidToHist[tid*nodes+nid] is -1 for "write the target", a
	// scratch row id otherwise, histUnassigned if never registered.
	tidNidToHist []int32
}

// Init sets the histogram width. The scratch collection rebuilds only
// when the width changes.
func (b *ParallelHistBuilder) Init(nbins int) {
	if nbins != b.nbins {
		b.buffer.Init(nbins)
		b.nbins = nbins
	}
}

// Reset prepares a build pass of nthreads workers over space, reducing
// into targets, one nbins-wide histogram per node. Reset re-registers the
// scratch collection, matches threads to the nodes their unit chunks
// cover, and marks every histogram unused. The chunking mirrors
// ParallelFor2D exactly.
func (b *ParallelHistBuilder) Reset(nthreads, nodes int, space *Space2D, targets []HistRow) {
	if len(targets) != nodes {
		panic(fmt.Sprintf("ghist: %d target histograms for %d nodes", len(targets), nodes))
	}
	if nthreads < 1 {
		panic(fmt.Sprintf("ghist: invalid thread count %d", nthreads))
	}
	for nid, t := range targets {
		if len(t) != b.nbins {
			panic(fmt.Sprintf("ghist: target for node %d has %d bins, want %d", nid, len(t), b.nbins))
		}
	}
	b.buffer.Init(b.nbins)
	b.targets = append(b.targets[:0], targets...)
	b.nodes = nodes
	b.nthreads = nthreads

	b.matchThreadsToNodes(space)
	b.allocateAdditionalHistograms()
	b.matchNodeNidPairToHist()

	n := nthreads * nodes
	if cap(b.histWasUsed) < n {
		b.histWasUsed = make([]bool, n)
	} else {
		b.histWasUsed = b.histWasUsed[:n]
		for i := range b.histWasUsed {
			b.histWasUsed[i] = false
		}
	}
}

// matchThreadsToNodes records, per thread, the nodes its contiguous chunk
// of work units covers. A chunk spanning a node boundary touches every
// node in between.
func (b *ParallelHistBuilder) matchThreadsToNodes(space *Space2D) {
	size := space.Size()
	chunk := chunkSize(size, b.nthreads)

	n := b.nthreads * b.nodes
	if cap(b.threadsToNodes) < n {
		b.threadsToNodes = make([]bool, n)
	} else {
		b.threadsToNodes = b.threadsToNodes[:n]
		for i := range b.threadsToNodes {
			b.threadsToNodes[i] = false
		}
	}

	for tid := 0; tid < b.nthreads; tid++ {
		begin := chunk * tid
		end := begin + chunk
		if end > size {
			end = size
		}
		if begin < size {
			nidBegin := space.Node(begin)
			nidEnd := space.Node(end - 1)
			for nid := nidBegin; nid <= nidEnd; nid++ {
				b.threadsToNodes[tid*b.nodes+nid] = true
			}
		}
	}
}

// allocateAdditionalHistograms registers scratch rows: for a node touched
// by k threads, k-1 rows, since the first thread writes the target. Nodes
// touched by nobody (empty on this partition) get none.
func (b *ParallelHistBuilder) allocateAdditionalHistograms() {
	additional := 0
	for nid := 0; nid < b.nodes; nid++ {
		touching := 0
		for tid := 0; tid < b.nthreads; tid++ {
			if b.threadsToNodes[tid*b.nodes+nid] {
				touching++
			}
		}
		if touching > 1 {
			additional += touching - 1
		}
	}
	for i := 0; i < additional; i++ {
		b.buffer.AddHistRow(i)
	}
	if additional > 0 {
		b.buffer.armPerNode()
	}
}

// matchNodeNidPairToHist assigns each registered (thread, node) pair its
// histogram: -1 for the node's first touching thread, the next scratch
// row id for every other.
func (b *ParallelHistBuilder) matchNodeNidPairToHist() {
	n := b.nthreads * b.nodes
	if cap(b.tidNidToHist) < n {
		b.tidNidToHist = make([]int32, n)
	} else {
		b.tidNidToHist = b.tidNidToHist[:n]
	}
	for i := range b.tidNidToHist {
		b.tidNidToHist[i] = histUnassigned
	}

	scratch := int32(0)
	for nid := 0; nid < b.nodes; nid++ {
		first := true
		for tid := 0; tid < b.nthreads; tid++ {
			if !b.threadsToNodes[tid*b.nodes+nid] {
				continue
			}
			if first {
				b.tidNidToHist[tid*b.nodes+nid] = -1
				first = false
			} else {
				b.tidNidToHist[tid*b.nodes+nid] = scratch
				scratch++
			}
		}
	}
}

// GetInitializedHist returns the histogram worker tid accumulates into
// for node nid, zero-filling it on first use in the pass. A pair the
// scheduling pass never registered panics: the caller's iteration
// disagrees with the work-space partition.
func (b *ParallelHistBuilder) GetInitializedHist(tid, nid int) HistRow {
	if nid < 0 || nid >= b.nodes {
		panic(fmt.Sprintf("ghist: node %d out of range for %d nodes", nid, b.nodes))
	}
	if tid < 0 || tid >= b.nthreads {
		panic(fmt.Sprintf("ghist: thread %d out of range for %d threads", tid, b.nthreads))
	}

	idx := b.tidNidToHist[tid*b.nodes+nid]
	if idx == histUnassigned {
		panic(fmt.Sprintf("ghist: thread %d was never matched to node %d", tid, nid))
	}
	var hist HistRow
	if idx == -1 {
		hist = b.targets[nid]
	} else {
		b.buffer.AllocateData(int(idx))
		hist = b.buffer.Row(int(idx))
	}

	if !b.histWasUsed[tid*b.nodes+nid] {
		ZeroHist(hist, 0, len(hist))
		b.histWasUsed[tid*b.nodes+nid] = true
	}
	return hist
}

// ReduceHist sums every worker's partial for node nid into its target
// over bins [begin, end), in ascending thread order. Safe to call
// concurrently for distinct nodes. A node no worker touched gets the
// range zero-filled instead, so targets never carry a previous pass's
// sums out.
func (b *ParallelHistBuilder) ReduceHist(nid, begin, end int) {
	if end <= begin {
		panic(fmt.Sprintf("ghist: empty bin range [%d, %d)", begin, end))
	}
	if nid < 0 || nid >= b.nodes {
		panic(fmt.Sprintf("ghist: node %d out of range for %d nodes", nid, b.nodes))
	}

	dst := b.targets[nid]
	updated := false
	for tid := 0; tid < b.nthreads; tid++ {
		if !b.histWasUsed[tid*b.nodes+nid] {
			continue
		}
		updated = true
		idx := b.tidNidToHist[tid*b.nodes+nid]
		src := dst
		if idx != -1 {
			src = b.buffer.Row(int(idx))
		}
		if &dst[0] != &src[0] {
			AddHist(dst, src, begin, end)
		}
	}
	if !updated {
		ZeroHist(dst, begin, end)
	}
}

// Build runs a complete pass: split every node's row list into grain-
// sized units, aggregate them on a fixed worker pool, then reduce the
// partials into targets. rowSets[nid] lists node nid's rows in order;
// gpairs is indexed by global row id; targets[nid] receives the finished
// histogram.
func (b *ParallelHistBuilder) Build(cfg ParallelConfig, gpairs []GradPair, rowSets [][]uint32, m *IndexMatrix, targets []HistRow) {
	nodes := len(rowSets)
	sizes := make([]int, nodes)
	total := 0
	for nid, rows := range rowSets {
		sizes[nid] = len(rows)
		total += len(rows)
	}
	space := NewSpace2D(sizes, cfg.grain())
	nthreads := cfg.Workers()
	if !cfg.shouldParallelize(total) {
		nthreads = 1
	}

	b.Init(m.Cuts().TotalBins())
	b.Reset(nthreads, nodes, space, targets)

	kernel := NewGHistBuilder(b.nbins)
	ParallelFor2D(space, nthreads, func(tid, unit int) {
		nid := space.Node(unit)
		begin, end := space.Block(unit)
		hist := b.GetInitializedHist(tid, nid)
		kernel.BuildHist(gpairs, rowSets[nid][begin:end], m, hist)
	})

	if b.nbins == 0 {
		return
	}
	ParallelFor(nodes, nthreads, func(tid, begin, end int) {
		for nid := begin; nid < end; nid++ {
			b.ReduceHist(nid, 0, b.nbins)
		}
	})
}
