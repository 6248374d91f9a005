package ghist

import "fmt"

// FeatureType classifies how a feature's values are binned.
type FeatureType uint8

const (
	// FeatureNumeric features are binned by quantile cut points.
	FeatureNumeric FeatureType = iota

	// FeatureCategorical features get one bin per distinct category.
	// Values are integer category codes stored as float64.
	FeatureCategorical
)

// String returns the string representation of the FeatureType.
func (t FeatureType) String() string {
	switch t {
	case FeatureNumeric:
		return "Numeric"
	case FeatureCategorical:
		return "Categorical"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// IsCategorical returns true if the feature holds category codes.
func (t FeatureType) IsCategorical() bool {
	return t == FeatureCategorical
}

// typeOf returns the type of feature f given an optional per-feature
// type slice. A nil or short slice defaults to numeric.
func typeOf(types []FeatureType, f uint32) FeatureType {
	if int(f) < len(types) {
		return types[f]
	}
	return FeatureNumeric
}

// asCategory truncates a stored categorical value toward zero to its
// integer category code.
func asCategory(v float64) int64 {
	return int64(v)
}
