package ghist

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// SketchOptions configures quantile cut construction.
type SketchOptions struct {
	// MaxBins is the maximum number of bins per feature (minimum 2).
	MaxBins int

	// FeatureTypes flags categorical features. nil means all numeric.
	FeatureTypes []FeatureType

	// Weights holds one weight per global row (hessian values during a
	// boosting round). nil means uniform weights.
	Weights []float64

	// Parallel controls the worker pool used while feeding sketches.
	Parallel ParallelConfig
}

// DefaultSketchOptions returns defaults matching common tree learners.
func DefaultSketchOptions() SketchOptions {
	return SketchOptions{
		MaxBins:  256,
		Parallel: DefaultParallelConfig(),
	}
}

// SketchCuts streams every page of r through per-feature weighted quantile
// sketches and materializes the cut set: for each numeric feature an
// ascending boundary list approximating the weighted quantiles plus a
// sentinel strictly above the maximum, for each categorical feature the
// exact sorted category codes. Per-feature minimums are recorded
// separately as the below-all-cuts sentinel.
func SketchCuts(ctx context.Context, r PageReader, opts SketchOptions) (*Cuts, error) {
	if opts.MaxBins < 2 {
		return nil, fmt.Errorf("sketch: max bins must be at least 2, got %d", opts.MaxBins)
	}
	ncols := r.NumColumns()
	if ncols <= 0 {
		return nil, fmt.Errorf("sketch: reader reports %d columns", ncols)
	}
	if opts.FeatureTypes != nil && len(opts.FeatureTypes) < ncols {
		return nil, fmt.Errorf("sketch: %d feature types for %d columns", len(opts.FeatureTypes), ncols)
	}

	pages, err := ReadAllPages(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("sketch: reading pages: %w", err)
	}

	nrows := 0
	totalEntries := 0
	for _, p := range pages {
		totalEntries += p.NumEntries()
		if end := int(p.BaseRow()) + p.Rows(); end > nrows {
			nrows = end
		}
	}
	if opts.Weights != nil && len(opts.Weights) < nrows {
		return nil, fmt.Errorf("sketch: %d weights for %d rows", len(opts.Weights), nrows)
	}

	workers := opts.Parallel.Workers()
	if !opts.Parallel.shouldParallelize(totalEntries) {
		workers = 1
	}

	colSizes, err := columnSizes(pages, ncols, workers)
	if err != nil {
		return nil, err
	}

	// One sketch per numeric feature, one exact category set per
	// categorical feature.
	sketches := make([]*quantileSketch, ncols)
	categories := make([]map[int64]struct{}, ncols)
	for f := 0; f < ncols; f++ {
		if typeOf(opts.FeatureTypes, uint32(f)).IsCategorical() {
			categories[f] = make(map[int64]struct{})
		} else {
			sketches[f] = newQuantileSketch(opts.MaxBins, colSizes[f])
		}
	}

	if workers == 1 {
		if err := pushColumns(pages, opts.Weights, sketches, categories, 0, 1); err != nil {
			return nil, err
		}
	} else {
		pushErrs := make([]error, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(tid int) {
				defer wg.Done()
				pushErrs[tid] = pushColumns(pages, opts.Weights, sketches, categories, tid, workers)
			}(w)
		}
		wg.Wait()
		for _, err := range pushErrs {
			if err != nil {
				return nil, err
			}
		}
	}

	return materializeCuts(sketches, categories, opts.MaxBins)
}

// columnSizes counts stored entries per column across all pages.
func columnSizes(pages []*Page, ncols, workers int) ([]int, error) {
	sizes := make([]int, ncols)
	if workers <= 1 || len(pages) < 2 {
		for _, p := range pages {
			for _, e := range p.entries {
				if int(e.Feature) >= ncols {
					return nil, &FeatureRangeError{Feature: e.Feature, Columns: ncols}
				}
				sizes[e.Feature]++
			}
		}
		return sizes, nil
	}

	partials := make([]*Uint32Slice, workers)
	errs := make([]error, workers)
	ParallelFor(len(pages), workers, func(tid, begin, end int) {
		counts := getUint32Slice(ncols)
		for i := range counts.Data {
			counts.Data[i] = 0
		}
		for _, p := range pages[begin:end] {
			for _, e := range p.entries {
				if int(e.Feature) >= ncols {
					errs[tid] = &FeatureRangeError{Feature: e.Feature, Columns: ncols}
					counts.Release()
					return
				}
				counts.Data[e.Feature]++
			}
		}
		partials[tid] = counts
	})
	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			break
		}
	}
	for _, p := range partials {
		if p == nil {
			continue
		}
		if firstErr == nil {
			for f, c := range p.Data {
				sizes[f] += int(c)
			}
		}
		p.Release()
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return sizes, nil
}

// pushColumns feeds every entry whose feature belongs to this worker's
// share. Features are dealt modulo nworkers so no two workers ever touch
// the same sketch; each worker scans all pages and skips foreign features.
func pushColumns(pages []*Page, weights []float64, sketches []*quantileSketch, categories []map[int64]struct{}, tid, nworkers int) error {
	for _, p := range pages {
		base := p.BaseRow()
		for i := 0; i < p.Rows(); i++ {
			w := 1.0
			if weights != nil {
				w = weights[base+uint64(i)]
			}
			for _, e := range p.Row(i) {
				if int(e.Feature)%nworkers != tid {
					continue
				}
				if set := categories[e.Feature]; set != nil {
					if math.IsNaN(e.Value) {
						return fmt.Errorf("sketch: feature %d: category is NaN at row %d", e.Feature, base+uint64(i))
					}
					cat := asCategory(e.Value)
					if cat < 0 {
						return fmt.Errorf("sketch: feature %d: negative category %g", e.Feature, e.Value)
					}
					set[cat] = struct{}{}
				} else {
					sketches[e.Feature].push(e.Value, w)
				}
			}
		}
	}
	return nil
}

// materializeCuts turns finished sketches and category sets into the three
// cut arrays.
func materializeCuts(sketches []*quantileSketch, categories []map[int64]struct{}, maxBins int) (*Cuts, error) {
	ncols := len(sketches)
	cuts := &Cuts{
		ptrs:    make([]uint32, 1, ncols+1),
		minVals: make([]float64, ncols),
	}
	var catBuf []int64
	for f := 0; f < ncols; f++ {
		if set := categories[f]; set != nil {
			catBuf = catBuf[:0]
			for c := range set {
				catBuf = append(catBuf, c)
			}
			sort.Slice(catBuf, func(i, j int) bool { return catBuf[i] < catBuf[j] })
			for _, c := range catBuf {
				cuts.values = append(cuts.values, float64(c))
			}
		} else {
			summary := sketches[f].finalize(maxBins + 1)
			if len(summary) > 0 {
				mval := summary[0].value
				cuts.minVals[f] = mval - math.Abs(mval) - 1e-5
			}
			// The minimum lives in minVals, not the cut list, so interior
			// boundaries start from the second summary entry.
			required := len(summary)
			if required > maxBins {
				required = maxBins
			}
			first := len(cuts.values)
			for i := 1; i < required; i++ {
				v := summary[i].value
				if len(cuts.values) == first || v > cuts.values[len(cuts.values)-1] {
					cuts.values = append(cuts.values, v)
				}
			}
			// Sentinel strictly above every observed value, so upper-bound
			// search never runs off the end for in-range values.
			last := cuts.minVals[f]
			if len(summary) > 0 {
				last = summary[len(summary)-1].value
			}
			cuts.values = append(cuts.values, last+math.Abs(last)+1e-5)
		}
		if uint64(len(cuts.values)) > math.MaxUint32 {
			return nil, fmt.Errorf("sketch: total bin count overflows 32 bits")
		}
		cuts.ptrs = append(cuts.ptrs, uint32(len(cuts.values)))
	}
	return cuts, nil
}
