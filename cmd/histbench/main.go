package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"runtime"
	"time"

	"github.com/NerdMeNot/ghist"
	"gonum.org/v1/gonum/mat"
)

func main() {
	var (
		rows        = flag.Int("rows", 1_000_000, "synthetic rows")
		cols        = flag.Int("cols", 32, "synthetic feature columns")
		cats        = flag.Int("cats", 0, "leading columns generated as categorical codes")
		maxBins     = flag.Int("bins", 256, "max bins per feature")
		nodes       = flag.Int("nodes", 8, "tree nodes per build pass")
		missing     = flag.Float64("missing", 0, "fraction of missing cells in synthetic data")
		iterations  = flag.Int("iters", 3, "timed iterations per worker count")
		parquetPath = flag.String("parquet", "", "read features from a parquet file instead")
		npyPath     = flag.String("npy", "", "read features from a .npy file instead")
	)
	flag.Parse()

	ctx := context.Background()

	pages, ncols, types := loadFeatures(ctx, *parquetPath, *npyPath, *rows, *cols, *cats, *missing)
	nrows := 0
	entries := 0
	for _, p := range pages {
		nrows += p.Rows()
		entries += p.NumEntries()
	}

	fmt.Println("=== Histogram Build Benchmark ===")
	fmt.Printf("Rows: %d, Cols: %d, MaxBins: %d, Nodes: %d, Stored cells: %d\n\n", nrows, ncols, *maxBins, *nodes, entries)

	reader := ghist.NewSliceReader(ncols, pages...)

	fmt.Println("--- SketchCuts ---")
	sketchOpts := ghist.DefaultSketchOptions()
	sketchOpts.MaxBins = *maxBins
	sketchOpts.FeatureTypes = types
	start := time.Now()
	cuts, err := ghist.SketchCuts(ctx, reader, sketchOpts)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Total bins: %d in %v\n\n", cuts.TotalBins(), time.Since(start))

	fmt.Println("--- BuildIndexMatrix ---")
	reader.Rewind()
	matrixOpts := ghist.DefaultIndexMatrixOptions()
	matrixOpts.FeatureTypes = types
	start = time.Now()
	m, err := ghist.BuildIndexMatrix(ctx, reader, cuts, matrixOpts)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Dense: %v, Width: %s in %v\n\n", m.IsDense(), m.Index().Width(), time.Since(start))

	gpairs := makeGradients(nrows)
	rowSets := makeRowSets(nrows, *nodes)
	targets := make([]ghist.HistRow, *nodes)
	for nid := range targets {
		targets[nid] = make(ghist.HistRow, cuts.TotalBins())
	}

	fmt.Println("--- Build (histogram pass) ---")
	var builder ghist.ParallelHistBuilder
	var baseline time.Duration
	for _, w := range workerCounts() {
		cfg := ghist.DefaultParallelConfig()
		cfg.MaxWorkers = w
		elapsed := benchmark(*iterations, func() {
			builder.Build(cfg, gpairs, rowSets, m, targets)
		})
		if w == 1 {
			baseline = elapsed
			fmt.Printf("Workers %2d: %v\n", w, elapsed)
		} else {
			fmt.Printf("Workers %2d: %v  (%.2fx)\n", w, elapsed, float64(baseline)/float64(elapsed))
		}
	}

	if *nodes >= 2 {
		fmt.Println("\n--- SubtractionTrick ---")
		union := make([]uint32, 0, len(rowSets[0])+len(rowSets[1]))
		union = append(union, rowSets[0]...)
		union = append(union, rowSets[1]...)

		nb := cuts.TotalBins()
		parentBuf := ghist.GetGradPairSlice(nb)
		childBuf := ghist.GetGradPairSlice(nb)
		parent := ghist.HistRow(parentBuf.Data)
		child := ghist.HistRow(childBuf.Data)

		gb := ghist.NewGHistBuilder(nb)
		ghist.ZeroHist(parent, 0, nb)
		gb.BuildHist(gpairs, union, m, parent)

		aggregated := benchmark(*iterations, func() {
			ghist.ZeroHist(child, 0, nb)
			gb.BuildHist(gpairs, rowSets[1], m, child)
		})
		derived := benchmark(*iterations, func() {
			ghist.SubtractionTrick(parent, targets[0], child)
		})
		fmt.Printf("Aggregate second child:  %v\n", aggregated)
		fmt.Printf("Derive from parent:      %v  (%.1fx)\n", derived, float64(aggregated)/float64(derived))

		parentBuf.Release()
		childBuf.Release()
	}

	sum := ghist.GradPair{}
	for _, t := range targets {
		for _, gp := range t {
			sum = sum.Add(gp)
		}
	}
	fmt.Printf("\nChecksum: grad=%.4f hess=%.4f\n", sum.Grad, sum.Hess)
}

// loadFeatures returns the dataset as pages plus per-column feature types
// (nil when every column is numeric).
func loadFeatures(ctx context.Context, parquetPath, npyPath string, rows, cols, cats int, missing float64) ([]*ghist.Page, int, []ghist.FeatureType) {
	switch {
	case parquetPath != "":
		r, err := ghist.OpenParquetReader(parquetPath, ghist.DefaultParquetOptions())
		if err != nil {
			log.Fatal(err)
		}
		pages, err := ghist.ReadAllPages(ctx, r)
		if err != nil {
			log.Fatal(err)
		}
		return pages, r.NumColumns(), nil

	case npyPath != "":
		r, err := ghist.NewNpyReader(npyPath, 0)
		if err != nil {
			log.Fatal(err)
		}
		pages, err := ghist.ReadAllPages(ctx, r)
		if err != nil {
			log.Fatal(err)
		}
		return pages, r.NumColumns(), nil

	default:
		m, types := synthesize(rows, cols, cats, missing)
		pages, err := ghist.ReadAllPages(ctx, ghist.NewDenseReader(m, 0))
		if err != nil {
			log.Fatal(err)
		}
		return pages, cols, types
	}
}

// synthesize builds a random feature matrix: the first cats columns carry
// integer category codes, the rest mixed-scale floats; missing cells are
// NaN.
func synthesize(rows, cols, cats int, missing float64) (*mat.Dense, []ghist.FeatureType) {
	rng := rand.New(rand.NewSource(1))
	m := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if missing > 0 && rng.Float64() < missing {
				m.Set(i, j, math.NaN())
				continue
			}
			if j < cats {
				m.Set(i, j, float64(rng.Intn(16)))
			} else {
				m.Set(i, j, rng.NormFloat64()*float64(j+1))
			}
		}
	}

	var types []ghist.FeatureType
	if cats > 0 {
		types = make([]ghist.FeatureType, cols)
		for j := 0; j < cats; j++ {
			types[j] = ghist.FeatureCategorical
		}
	}
	return m, types
}

func makeGradients(rows int) []ghist.GradPair {
	rng := rand.New(rand.NewSource(2))
	gpairs := make([]ghist.GradPair, rows)
	for i := range gpairs {
		gpairs[i] = ghist.GradPair{Grad: rng.NormFloat64(), Hess: 1}
	}
	return gpairs
}

// makeRowSets partitions rows into contiguous node sets, imitating the
// sibling partition of one tree level.
func makeRowSets(rows, nodes int) [][]uint32 {
	rowSets := make([][]uint32, nodes)
	per := rows / nodes
	for nid := range rowSets {
		begin := nid * per
		end := begin + per
		if nid == nodes-1 {
			end = rows
		}
		set := make([]uint32, 0, end-begin)
		for r := begin; r < end; r++ {
			set = append(set, uint32(r))
		}
		rowSets[nid] = set
	}
	return rowSets
}

// workerCounts returns 1, 2, 4, ... capped at GOMAXPROCS, including
// GOMAXPROCS itself.
func workerCounts() []int {
	procs := runtime.GOMAXPROCS(0)
	var counts []int
	for w := 1; w < procs; w *= 2 {
		counts = append(counts, w)
	}
	counts = append(counts, procs)
	return counts
}

func benchmark(iterations int, fn func()) time.Duration {
	// Warmup
	fn()

	start := time.Now()
	for i := 0; i < iterations; i++ {
		fn()
	}
	return time.Since(start) / time.Duration(iterations)
}
