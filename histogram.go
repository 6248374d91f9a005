package ghist

import "fmt"

// GradPair holds a gradient and hessian, both as one row's statistics and
// as a per-bin accumulated sum.
type GradPair struct {
	Grad float64
	Hess float64
}

// Add returns g + o.
func (g GradPair) Add(o GradPair) GradPair {
	return GradPair{Grad: g.Grad + o.Grad, Hess: g.Hess + o.Hess}
}

// Sub returns g - o.
func (g GradPair) Sub(o GradPair) GradPair {
	return GradPair{Grad: g.Grad - o.Grad, Hess: g.Hess - o.Hess}
}

// HistRow is one node's histogram: a gradient pair sum per global bin.
type HistRow []GradPair

// ZeroHist zero-fills hist over bins [begin, end).
func ZeroHist(hist HistRow, begin, end int) {
	for i := begin; i < end; i++ {
		hist[i] = GradPair{}
	}
}

// AddHist accumulates dst += src over bins [begin, end).
func AddHist(dst, src HistRow, begin, end int) {
	for i := begin; i < end; i++ {
		dst[i].Grad += src[i].Grad
		dst[i].Hess += src[i].Hess
	}
}

// CopyHist copies src into dst over bins [begin, end).
func CopyHist(dst, src HistRow, begin, end int) {
	copy(dst[begin:end], src[begin:end])
}

// SubHist computes dst = a - b over bins [begin, end). This is the
// parent-minus-sibling shortcut: one child's histogram derives from the
// parent's without re-aggregating its rows.
func SubHist(dst, a, b HistRow, begin, end int) {
	for i := begin; i < end; i++ {
		dst[i].Grad = a[i].Grad - b[i].Grad
		dst[i].Hess = a[i].Hess - b[i].Hess
	}
}

// SubtractionTrick derives dst = parent - sibling over the full histogram
// width. All three rows must be the same width.
func SubtractionTrick(parent, sibling, dst HistRow) {
	if len(parent) != len(sibling) || len(parent) != len(dst) {
		panic(fmt.Sprintf("ghist: histogram width mismatch: parent %d, sibling %d, dst %d",
			len(parent), len(sibling), len(dst)))
	}
	SubHist(dst, parent, sibling, 0, len(dst))
}

// histRowUnset marks a node id with no histogram row this pass.
const histRowUnset = ^uint32(0)

// HistCollection stores one histogram per active tree node. Registration
// (AddHistRow) and allocation (AllocateData, AllocateAllData) are separate
// steps: a pass registers every candidate node up front but only the nodes
// actually touched pay for backing storage. AllocateAllData instead lays
// every registered node's histogram out in one contiguous slab, the layout
// a single bulk reduction call across all nodes requires.
//
// Row contents are zeroed only when a node's storage is first created;
// storage reused across passes keeps its old values until a caller zeroes
// it. ParallelHistBuilder handles that with its own first-use tracking.
//
// The two allocation modes must not mix within one pass: AllocateData
// panics once contiguous mode is active and AllocateAllData panics after
// any per-node allocation. Init arms a fresh pass.
type HistCollection struct {
	nbins      int
	nAdded     int
	contiguous bool
	perNode    bool
	data       [][]GradPair
	rowPtr     []uint32 // node id -> storage id, histRowUnset if absent
}

// Nbins returns the histogram width the collection was initialized with.
func (hc *HistCollection) Nbins() int {
	return hc.nbins
}

// Init readies the collection for nbins-wide histograms. Backing storage
// is dropped only when the bin count changes; node registration and the
// allocation mode always reset.
func (hc *HistCollection) Init(nbins int) {
	if hc.nbins != nbins {
		hc.nbins = nbins
		// Dropping the arrays is expensive, so only on a width change.
		hc.data = nil
	}
	hc.rowPtr = hc.rowPtr[:0]
	hc.nAdded = 0
	hc.contiguous = false
	hc.perNode = false
}

// AddHistRow registers node nid for this pass without allocating storage.
// Registering a node twice in one pass is a contract violation and panics.
func (hc *HistCollection) AddHistRow(nid int) {
	for nid >= len(hc.rowPtr) {
		hc.rowPtr = append(hc.rowPtr, histRowUnset)
	}
	if hc.rowPtr[nid] != histRowUnset {
		panic(fmt.Sprintf("ghist: node %d already has a histogram row", nid))
	}
	if hc.nAdded >= len(hc.data) {
		hc.data = append(hc.data, nil)
	}
	hc.rowPtr[nid] = uint32(hc.nAdded)
	hc.nAdded++
}

// RowExists reports whether node nid was registered this pass.
func (hc *HistCollection) RowExists(nid int) bool {
	return nid >= 0 && nid < len(hc.rowPtr) && hc.rowPtr[nid] != histRowUnset
}

// AllocateData reserves node nid's backing array if it does not exist yet.
// Panics once contiguous mode is active. Safe to call from concurrent
// goroutines for distinct nodes once armPerNode has run.
func (hc *HistCollection) AllocateData(nid int) {
	if hc.contiguous {
		panic("ghist: per-node allocation after contiguous allocation in the same pass")
	}
	if !hc.RowExists(nid) {
		panic(fmt.Sprintf("ghist: node %d has no histogram row", nid))
	}
	if !hc.perNode {
		hc.perNode = true
	}
	id := hc.rowPtr[nid]
	if len(hc.data[id]) == 0 {
		hc.data[id] = make([]GradPair, hc.nbins)
	}
}

// armPerNode pins the pass to per-node mode before any allocation happens,
// so AllocateData calls arriving from worker goroutines find the flag set
// and never write it.
func (hc *HistCollection) armPerNode() {
	hc.perNode = true
}

// AllocateAllData lays out every registered node's histogram in one
// contiguous slab. Panics if any per-node allocation already happened this
// pass, since rows allocated under the other layout would be silently
// ignored by contiguous reads.
func (hc *HistCollection) AllocateAllData() {
	if hc.perNode {
		panic("ghist: contiguous allocation after per-node allocation in the same pass")
	}
	hc.contiguous = true
	size := hc.nbins * hc.nAdded
	if len(hc.data) == 0 {
		hc.data = append(hc.data, nil)
	}
	if len(hc.data[0]) != size {
		hc.data[0] = make([]GradPair, size)
	}
}

// Row returns node nid's histogram view. The node must have been
// registered this pass and its storage allocated.
func (hc *HistCollection) Row(nid int) HistRow {
	if !hc.RowExists(nid) {
		panic(fmt.Sprintf("ghist: node %d has no histogram row", nid))
	}
	id := int(hc.rowPtr[nid])
	if hc.contiguous {
		return hc.data[0][hc.nbins*id : hc.nbins*(id+1)]
	}
	return hc.data[id][:hc.nbins]
}

// ContiguousData returns the whole slab, nbins entries per registered node
// in registration order. Only valid in contiguous mode; this is the buffer
// a cross-process reduction hands to its communication layer.
func (hc *HistCollection) ContiguousData() []GradPair {
	if !hc.contiguous {
		panic("ghist: collection is not contiguously allocated")
	}
	return hc.data[0]
}
