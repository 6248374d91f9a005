package ghist

import (
	"fmt"
	"sort"
)

// Cuts holds the quantile bin boundaries for every feature as three
// parallel arrays: boundary values concatenated across features, prefix
// offsets delimiting each feature's slice, and the per-feature minimum
// sentinel used for missing or below-range lookups. Built once per
// training run and immutable afterwards; safe to share across goroutines.
type Cuts struct {
	values  []float64
	ptrs    []uint32
	minVals []float64
}

// NewCuts constructs a Cuts from raw arrays, validating the layout:
// ptrs must start at 0, be non-decreasing and end at len(values); each
// feature's boundary slice must be strictly ascending; minVals must hold
// one entry per feature.
func NewCuts(values []float64, ptrs []uint32, minVals []float64) (*Cuts, error) {
	if len(ptrs) == 0 {
		return nil, fmt.Errorf("cuts: ptrs must have at least one entry")
	}
	if ptrs[0] != 0 {
		return nil, fmt.Errorf("cuts: ptrs must start at 0, got %d", ptrs[0])
	}
	if int(ptrs[len(ptrs)-1]) != len(values) {
		return nil, fmt.Errorf("cuts: ptrs end %d does not match %d values", ptrs[len(ptrs)-1], len(values))
	}
	if len(minVals) != len(ptrs)-1 {
		return nil, fmt.Errorf("cuts: %d min values for %d features", len(minVals), len(ptrs)-1)
	}
	for f := 0; f+1 < len(ptrs); f++ {
		if ptrs[f+1] < ptrs[f] {
			return nil, fmt.Errorf("cuts: ptrs decrease at feature %d", f)
		}
		for i := ptrs[f] + 1; i < ptrs[f+1]; i++ {
			if values[i] <= values[i-1] {
				return nil, fmt.Errorf("cuts: feature %d boundaries not strictly ascending at %d", f, i)
			}
		}
	}
	return &Cuts{values: values, ptrs: ptrs, minVals: minVals}, nil
}

// Values returns the concatenated bin boundaries. Read-only.
func (c *Cuts) Values() []float64 {
	return c.values
}

// Ptrs returns the per-feature prefix offsets into Values. Read-only.
func (c *Cuts) Ptrs() []uint32 {
	return c.ptrs
}

// MinValues returns the per-feature minimum sentinels. Read-only.
func (c *Cuts) MinValues() []float64 {
	return c.minVals
}

// NumFeatures returns the number of features.
func (c *Cuts) NumFeatures() int {
	return len(c.ptrs) - 1
}

// FeatureBins returns the number of bins for one feature.
func (c *Cuts) FeatureBins(feature uint32) uint32 {
	return c.ptrs[feature+1] - c.ptrs[feature]
}

// TotalBins returns the number of bins across all features.
func (c *Cuts) TotalBins() int {
	return int(c.ptrs[len(c.ptrs)-1])
}

// SearchBin returns the global bin id of a numeric feature value: the
// index of the first boundary strictly greater than the value, or the
// feature's last bin if the value is at or beyond the final boundary.
// The feature must have at least one bin.
func (c *Cuts) SearchBin(value float64, feature uint32) uint32 {
	beg := c.ptrs[feature]
	end := c.ptrs[feature+1]
	vals := c.values[beg:end]
	idx := uint32(sort.Search(len(vals), func(i int) bool { return vals[i] > value })) + beg
	if idx == end {
		idx--
	}
	return idx
}

// SearchCatBin returns the global bin id of a categorical value: the value
// truncates to its integer category code and the search finds the first
// boundary not less than it, clamped to the feature's last bin. Equality
// matters for categories, so this is a lower-bound search unlike the
// numeric one. The feature must have at least one bin.
func (c *Cuts) SearchCatBin(value float64, feature uint32) uint32 {
	beg := c.ptrs[feature]
	end := c.ptrs[feature+1]
	vals := c.values[beg:end]
	v := float64(asCategory(value))
	idx := uint32(sort.SearchFloat64s(vals, v)) + beg
	if idx == end {
		idx--
	}
	return idx
}

// SearchEntry maps one sparse entry to its global bin id using the search
// matching the feature's type.
func (c *Cuts) SearchEntry(e Entry, types []FeatureType) uint32 {
	if typeOf(types, e.Feature).IsCategorical() {
		return c.SearchCatBin(e.Value, e.Feature)
	}
	return c.SearchBin(e.Value, e.Feature)
}
