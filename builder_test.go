package ghist

import (
	"context"
	"math/rand"
	"testing"
)

// dyadicPairs draws gradient pairs whose values are multiples of 1/8, so
// histogram sums are exact and independent of accumulation order.
func dyadicPairs(rng *rand.Rand, n int) []GradPair {
	gp := make([]GradPair, n)
	for i := range gp {
		gp[i] = GradPair{
			Grad: float64(rng.Intn(33)-16) / 8,
			Hess: float64(rng.Intn(16)+1) / 8,
		}
	}
	return gp
}

func binMatrix(t *testing.T, data [][]float64, maxBins int) *IndexMatrix {
	t.Helper()
	ctx := context.Background()
	cols := len(data[0])
	opts := DefaultSketchOptions()
	opts.MaxBins = maxBins
	cuts, err := SketchCuts(ctx, NewSliceReader(cols, densePages(t, cols, 256, data...)...), opts)
	if err != nil {
		t.Fatalf("SketchCuts: %v", err)
	}
	m, err := BuildIndexMatrix(ctx, NewSliceReader(cols, densePages(t, cols, 256, data...)...), cuts, DefaultIndexMatrixOptions())
	if err != nil {
		t.Fatalf("BuildIndexMatrix: %v", err)
	}
	return m
}

// ============================================================================
// Aggregation Kernel Tests
// ============================================================================

func TestGHistBuilder_BuildHistDense(t *testing.T) {
	cuts := twoFeatureCuts(t)
	data := [][]float64{
		{1.0, 0.5},
		{5.0, 4.5},
		{100, 1.0},
		{2.5, 2.0},
	}
	r := NewSliceReader(2, densePages(t, 2, 4, data...)...)
	m, err := BuildIndexMatrix(context.Background(), r, cuts, DefaultIndexMatrixOptions())
	if err != nil {
		t.Fatalf("BuildIndexMatrix: %v", err)
	}

	gpairs := []GradPair{{1, 1}, {2, 0.5}, {4, 2}, {8, 1}}
	rows := []uint32{0, 2, 3}

	b := NewGHistBuilder(cuts.TotalBins())
	if b.Nbins() != 5 {
		t.Fatalf("Nbins() = %d, want 5", b.Nbins())
	}
	hist := make(HistRow, b.Nbins())
	b.BuildHist(gpairs, rows, m, hist)

	want := make(HistRow, cuts.TotalBins())
	for _, r := range rows {
		for j, v := range data[r] {
			bin := cuts.SearchBin(v, uint32(j))
			want[bin].Grad += gpairs[r].Grad
			want[bin].Hess += gpairs[r].Hess
		}
	}
	for bin := range want {
		if hist[bin] != want[bin] {
			t.Errorf("bin %d = %+v, want %+v", bin, hist[bin], want[bin])
		}
	}
}

func TestGHistBuilder_BuildHistSparse(t *testing.T) {
	cuts := twoFeatureCuts(t)
	sparseRows := [][]Entry{
		{{Feature: 0, Value: 1.0}},
		{{Feature: 1, Value: 4.5}},
		{{Feature: 0, Value: 5.0}, {Feature: 1, Value: 0.5}},
	}
	pb := NewPageBuilder(0)
	for _, cells := range sparseRows {
		pb.AppendRow(cells)
	}
	m, err := BuildIndexMatrix(context.Background(), NewSliceReader(2, pb.Page()), cuts, DefaultIndexMatrixOptions())
	if err != nil {
		t.Fatalf("BuildIndexMatrix: %v", err)
	}
	if m.IsDense() {
		t.Fatal("fixture should be sparse")
	}

	gpairs := []GradPair{{1, 1}, {2, 0.5}, {4, 2}}
	rows := []uint32{0, 1, 2}

	hist := make(HistRow, cuts.TotalBins())
	NewGHistBuilder(cuts.TotalBins()).BuildHist(gpairs, rows, m, hist)

	want := make(HistRow, cuts.TotalBins())
	for _, r := range rows {
		for _, e := range sparseRows[r] {
			bin := cuts.SearchBin(e.Value, e.Feature)
			want[bin].Grad += gpairs[r].Grad
			want[bin].Hess += gpairs[r].Hess
		}
	}
	for bin := range want {
		if hist[bin] != want[bin] {
			t.Errorf("bin %d = %+v, want %+v", bin, hist[bin], want[bin])
		}
	}
}

// ============================================================================
// Parallel Builder Tests
// ============================================================================

func TestParallelHistBuilder_ScratchRouting(t *testing.T) {
	// One node, ten units, two workers: both worker chunks cover the node,
	// so the first writes the target and the second gets a scratch row.
	space := NewSpace2D([]int{10}, 1)
	target := make(HistRow, 4)

	var b ParallelHistBuilder
	b.Init(4)
	b.Reset(2, 1, space, []HistRow{target})

	h0 := b.GetInitializedHist(0, 0)
	h1 := b.GetInitializedHist(1, 0)
	if &h0[0] != &target[0] {
		t.Error("first touching thread should accumulate into the target")
	}
	if &h1[0] == &target[0] {
		t.Error("second touching thread needs its own scratch row")
	}

	h0[2] = GradPair{Grad: 1, Hess: 2}
	h1[2] = GradPair{Grad: 3, Hess: 4}
	b.ReduceHist(0, 0, 4)

	if target[2] != (GradPair{Grad: 4, Hess: 6}) {
		t.Errorf("reduced bin 2 = %+v, want {4 6}", target[2])
	}
	for _, bin := range []int{0, 1, 3} {
		if target[bin] != (GradPair{}) {
			t.Errorf("reduced bin %d = %+v, want zero", bin, target[bin])
		}
	}
}

func TestParallelHistBuilder_WorkerCountInvariance(t *testing.T) {
	const rows, cols = 3000, 6
	rng := rand.New(rand.NewSource(17))
	data := make([][]float64, rows)
	for i := range data {
		row := make([]float64, cols)
		for j := range row {
			row[j] = float64(rng.Intn(40))
		}
		data[i] = row
	}
	m := binMatrix(t, data, 16)
	gpairs := dyadicPairs(rng, rows)

	// Five nodes: one empty, one with a single row, uneven remainder.
	seq := func(begin, end int) []uint32 {
		s := make([]uint32, 0, end-begin)
		for r := begin; r < end; r++ {
			s = append(s, uint32(r))
		}
		return s
	}
	rowSets := [][]uint32{
		seq(0, 1000),
		{},
		seq(1000, 1001),
		seq(1001, 2100),
		seq(2100, 3000),
	}

	nbins := m.Cuts().TotalBins()
	run := func(workers int) []HistRow {
		cfg := ParallelConfig{MinRowsForParallel: 1, Grain: 64, MaxWorkers: workers, Enabled: true}
		targets := make([]HistRow, len(rowSets))
		for nid := range targets {
			targets[nid] = make(HistRow, nbins)
		}
		var b ParallelHistBuilder
		b.Build(cfg, gpairs, rowSets, m, targets)
		return targets
	}

	baseline := run(1)
	for _, workers := range []int{2, 3, 4, 7, 8} {
		got := run(workers)
		for nid := range baseline {
			for bin := range baseline[nid] {
				if got[nid][bin] != baseline[nid][bin] {
					t.Fatalf("workers=%d node %d bin %d = %+v, want %+v",
						workers, nid, bin, got[nid][bin], baseline[nid][bin])
				}
			}
		}
	}
}

func TestParallelHistBuilder_EmptyNodesComeOutZeroed(t *testing.T) {
	const rows, cols = 120, 3
	rng := rand.New(rand.NewSource(5))
	data := make([][]float64, rows)
	for i := range data {
		row := make([]float64, cols)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		data[i] = row
	}
	m := binMatrix(t, data, 8)
	gpairs := dyadicPairs(rng, rows)

	all := make([]uint32, rows)
	for r := range all {
		all[r] = uint32(r)
	}
	rowSets := [][]uint32{all, {}}

	nbins := m.Cuts().TotalBins()
	targets := []HistRow{make(HistRow, nbins), make(HistRow, nbins)}
	for bin := range targets[1] {
		targets[1][bin] = GradPair{Grad: 99, Hess: 99}
	}

	var b ParallelHistBuilder
	b.Build(ParallelConfig{MinRowsForParallel: 1, Grain: 16, MaxWorkers: 3, Enabled: true}, gpairs, rowSets, m, targets)

	for bin, gp := range targets[1] {
		if gp != (GradPair{}) {
			t.Errorf("empty node bin %d = %+v, want zero", bin, gp)
		}
	}
	// The populated node really did accumulate something.
	var sum GradPair
	for _, gp := range targets[0] {
		sum = sum.Add(gp)
	}
	if sum.Hess == 0 {
		t.Error("populated node came out empty")
	}
}

func TestParallelHistBuilder_Reuse(t *testing.T) {
	const rows, cols = 500, 4
	rng := rand.New(rand.NewSource(23))
	data := make([][]float64, rows)
	for i := range data {
		row := make([]float64, cols)
		for j := range row {
			row[j] = float64(rng.Intn(25)) / 2
		}
		data[i] = row
	}
	m := binMatrix(t, data, 12)
	gpairs := dyadicPairs(rng, rows)
	nbins := m.Cuts().TotalBins()

	half := make([]uint32, 0, rows/2)
	rest := make([]uint32, 0, rows/2)
	for r := 0; r < rows; r++ {
		if r%2 == 0 {
			half = append(half, uint32(r))
		} else {
			rest = append(rest, uint32(r))
		}
	}

	newTargets := func(n int) []HistRow {
		ts := make([]HistRow, n)
		for i := range ts {
			ts[i] = make(HistRow, nbins)
		}
		return ts
	}

	// Same builder across passes with different partitions and worker
	// counts; scratch rows from the first pass must not leak into the
	// second.
	var reused ParallelHistBuilder
	first := newTargets(2)
	reused.Build(ParallelConfig{MinRowsForParallel: 1, Grain: 32, MaxWorkers: 4, Enabled: true}, gpairs, [][]uint32{half, rest}, m, first)

	second := newTargets(3)
	reused.Build(ParallelConfig{MinRowsForParallel: 1, Grain: 32, MaxWorkers: 2, Enabled: true}, gpairs, [][]uint32{rest, {}, half}, m, second)

	var fresh ParallelHistBuilder
	want := newTargets(3)
	fresh.Build(ParallelConfig{MaxWorkers: 1}, gpairs, [][]uint32{rest, {}, half}, m, want)

	for nid := range want {
		for bin := range want[nid] {
			if second[nid][bin] != want[nid][bin] {
				t.Fatalf("reused builder node %d bin %d = %+v, want %+v", nid, bin, second[nid][bin], want[nid][bin])
			}
		}
	}
}

func TestParallelHistBuilder_UnmatchedPairPanics(t *testing.T) {
	// Two workers, two nodes, two units each: worker 0's chunk never
	// touches node 1.
	space := NewSpace2D([]int{2, 2}, 1)
	var b ParallelHistBuilder
	b.Init(3)
	b.Reset(2, 2, space, []HistRow{make(HistRow, 3), make(HistRow, 3)})

	if got := b.GetInitializedHist(0, 0); len(got) != 3 {
		t.Fatalf("matched pair returned %d bins, want 3", len(got))
	}
	mustPanic(t, "unmatched pair", func() { b.GetInitializedHist(0, 1) })
	mustPanic(t, "thread out of range", func() { b.GetInitializedHist(9, 0) })
	mustPanic(t, "node out of range", func() { b.GetInitializedHist(0, 9) })
}

func TestParallelHistBuilder_ReduceValidation(t *testing.T) {
	space := NewSpace2D([]int{4}, 2)
	var b ParallelHistBuilder
	b.Init(3)
	b.Reset(1, 1, space, []HistRow{make(HistRow, 3)})

	mustPanic(t, "empty bin range", func() { b.ReduceHist(0, 2, 2) })
	mustPanic(t, "node out of range", func() { b.ReduceHist(5, 0, 3) })
}

func TestParallelHistBuilder_ResetValidation(t *testing.T) {
	space := NewSpace2D([]int{4}, 2)

	var a ParallelHistBuilder
	a.Init(3)
	mustPanic(t, "target count mismatch", func() {
		a.Reset(1, 2, space, []HistRow{make(HistRow, 3)})
	})

	var b ParallelHistBuilder
	b.Init(3)
	mustPanic(t, "zero threads", func() {
		b.Reset(0, 1, space, []HistRow{make(HistRow, 3)})
	})

	var c ParallelHistBuilder
	c.Init(3)
	mustPanic(t, "target width mismatch", func() {
		c.Reset(1, 1, space, []HistRow{make(HistRow, 2)})
	})
}

func TestSubHist_DerivesSibling(t *testing.T) {
	const rows, cols = 400, 3
	rng := rand.New(rand.NewSource(31))
	data := make([][]float64, rows)
	for i := range data {
		row := make([]float64, cols)
		for j := range row {
			row[j] = float64(rng.Intn(30))
		}
		data[i] = row
	}
	m := binMatrix(t, data, 10)
	gpairs := dyadicPairs(rng, rows)
	nbins := m.Cuts().TotalBins()

	all := make([]uint32, rows)
	left := make([]uint32, 0, rows)
	right := make([]uint32, 0, rows)
	for r := 0; r < rows; r++ {
		all[r] = uint32(r)
		if r%3 == 0 {
			left = append(left, uint32(r))
		} else {
			right = append(right, uint32(r))
		}
	}

	cfg := ParallelConfig{MinRowsForParallel: 1, Grain: 32, MaxWorkers: 4, Enabled: true}
	parent := []HistRow{make(HistRow, nbins)}
	var pb ParallelHistBuilder
	pb.Build(cfg, gpairs, [][]uint32{all}, m, parent)

	children := []HistRow{make(HistRow, nbins), make(HistRow, nbins)}
	var cb ParallelHistBuilder
	cb.Build(cfg, gpairs, [][]uint32{left, right}, m, children)

	derived := make(HistRow, nbins)
	SubHist(derived, parent[0], children[0], 0, nbins)
	for bin := range derived {
		if derived[bin] != children[1][bin] {
			t.Errorf("bin %d: parent minus left = %+v, right child = %+v", bin, derived[bin], children[1][bin])
		}
	}
}
