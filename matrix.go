package ghist

import (
	"context"
	"fmt"
)

// IndexMatrix couples the compressed bin index with the cut set and row
// topology: position p holds the global bin id of the p-th stored entry.
// Dense matrices (every row stores every feature, in feature order) use a
// fixed row stride and offset-encoded local ids; sparse matrices carry a
// CSR row pointer and store absolute global ids. Immutable once built and
// safe to share across goroutines.
type IndexMatrix struct {
	index  *Index
	cuts   *Cuts
	rowPtr []uint64 // len nrows+1; nil when dense
	nrows  int
	ncols  int
	dense  bool
}

// IndexMatrixOptions configures bin index construction.
type IndexMatrixOptions struct {
	// FeatureTypes flags categorical features, matching the types the
	// cuts were built with. nil means all numeric.
	FeatureTypes []FeatureType

	// Parallel controls the worker pool used while binning rows.
	Parallel ParallelConfig
}

// DefaultIndexMatrixOptions returns default build options.
func DefaultIndexMatrixOptions() IndexMatrixOptions {
	return IndexMatrixOptions{Parallel: DefaultParallelConfig()}
}

// BuildIndexMatrix maps every stored entry of r to its global bin id in a
// single sized pass. Pages must tile the row range contiguously from row
// 0. When every row stores every feature the matrix is laid out dense:
// elements hold local bin ids at the narrowest width fitting the largest
// per-feature bin count, and the cut offsets are installed for reads.
// Otherwise elements hold absolute ids at the width fitting the total bin
// count.
func BuildIndexMatrix(ctx context.Context, r PageReader, cuts *Cuts, opts IndexMatrixOptions) (*IndexMatrix, error) {
	ncols := cuts.NumFeatures()
	if rc := r.NumColumns(); rc != ncols {
		return nil, fmt.Errorf("index matrix: reader has %d columns, cuts describe %d", rc, ncols)
	}

	pages, err := ReadAllPages(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("index matrix: reading pages: %w", err)
	}

	nrows := 0
	totalEntries := 0
	for _, p := range pages {
		if int(p.BaseRow()) != nrows {
			return nil, fmt.Errorf("index matrix: page starts at row %d, want %d", p.BaseRow(), nrows)
		}
		nrows += p.Rows()
		totalEntries += p.NumEntries()
	}

	m := &IndexMatrix{
		cuts:  cuts,
		nrows: nrows,
		ncols: ncols,
		dense: totalEntries == nrows*ncols && totalEntries > 0,
	}

	if m.dense {
		var maxBins uint32
		for f := 0; f < ncols; f++ {
			if b := cuts.FeatureBins(uint32(f)); b > maxBins {
				maxBins = b
			}
		}
		m.index = NewIndex(totalEntries, FitBinWidth(maxBins-1))
		if err := m.index.SetOffsets(cuts.ptrs[:ncols]); err != nil {
			return nil, err
		}
	} else {
		m.index = NewIndex(totalEntries, FitBinWidth(uint32(cuts.TotalBins()-1)))
		m.rowPtr = make([]uint64, 1, nrows+1)
		for _, p := range pages {
			for i := 0; i < p.Rows(); i++ {
				m.rowPtr = append(m.rowPtr, m.rowPtr[len(m.rowPtr)-1]+uint64(len(p.Row(i))))
			}
		}
	}

	workers := opts.Parallel.Workers()
	if !opts.Parallel.shouldParallelize(totalEntries) {
		workers = 1
	}
	for _, p := range pages {
		if err := m.fillPage(p, opts.FeatureTypes, workers); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// fillPage bins one page's entries into the index. Rows are split across
// workers; each row's positions are disjoint, so workers never write the
// same element.
func (m *IndexMatrix) fillPage(p *Page, types []FeatureType, workers int) error {
	base := int(p.BaseRow())
	errs := make([]error, workers)
	ParallelFor(p.Rows(), workers, func(tid, begin, end int) {
		for i := begin; i < end; i++ {
			row := p.Row(i)
			var pos int
			if m.dense {
				pos = (base + i) * m.ncols
			} else {
				pos = int(m.rowPtr[base+i])
			}
			for k, e := range row {
				if int(e.Feature) >= m.ncols {
					errs[tid] = &FeatureRangeError{Feature: e.Feature, Columns: m.ncols}
					return
				}
				if m.dense {
					if int(e.Feature) != k {
						errs[tid] = fmt.Errorf("index matrix: row %d is not in dense feature order", base+i)
						return
					}
				} else if k > 0 && e.Feature <= row[k-1].Feature {
					errs[tid] = fmt.Errorf("index matrix: row %d features not strictly ascending", base+i)
					return
				}
				bin := m.cuts.SearchEntry(e, types)
				if m.dense {
					m.index.Set(pos+k, bin-m.cuts.ptrs[e.Feature])
				} else {
					m.index.Set(pos+k, bin)
				}
			}
		}
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// NumRows returns the number of rows.
func (m *IndexMatrix) NumRows() int {
	return m.nrows
}

// NumColumns returns the number of feature columns.
func (m *IndexMatrix) NumColumns() int {
	return m.ncols
}

// Cuts returns the cut set the matrix was binned with.
func (m *IndexMatrix) Cuts() *Cuts {
	return m.cuts
}

// Index returns the underlying compressed index.
func (m *IndexMatrix) Index() *Index {
	return m.index
}

// IsDense reports whether every row stores every feature.
func (m *IndexMatrix) IsDense() bool {
	return m.dense
}

// RowRange returns the [begin, end) positions of row r's entries.
func (m *IndexMatrix) RowRange(r int) (begin, end int) {
	if m.dense {
		return r * m.ncols, (r + 1) * m.ncols
	}
	return int(m.rowPtr[r]), int(m.rowPtr[r+1])
}

// BinAt returns the global bin id at position pos.
func (m *IndexMatrix) BinAt(pos int) uint32 {
	return m.index.At(pos)
}

// FeatureBin returns the global bin id one feature maps to within a row,
// or false when the row stores no value for it. Entries sit in ascending
// feature order, so ascending global ids bound a binary search against
// the feature's bin range.
func (m *IndexMatrix) FeatureBin(row int, feature uint32) (uint32, bool) {
	if int(feature) >= m.ncols {
		return 0, false
	}
	begin, end := m.RowRange(row)
	if m.dense {
		return m.index.At(begin + int(feature)), true
	}
	fidBegin := m.cuts.ptrs[feature]
	fidEnd := m.cuts.ptrs[feature+1]
	previousMiddle := -1
	for end != begin {
		middle := begin + (end-begin)/2
		if middle == previousMiddle {
			break
		}
		previousMiddle = middle

		gidx := m.index.At(middle)
		switch {
		case gidx >= fidBegin && gidx < fidEnd:
			return gidx, true
		case gidx < fidBegin:
			begin = middle
		default:
			end = middle
		}
	}
	// Value is missing.
	return 0, false
}
