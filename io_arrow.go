package ghist

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ============================================================================
// Arrow Import
// ============================================================================

// ArrowFeatureTypes derives the feature type of each schema field.
// Dictionary-encoded fields are categorical, numeric and boolean fields
// are numeric.
func ArrowFeatureTypes(schema *arrow.Schema) ([]FeatureType, error) {
	types := make([]FeatureType, len(schema.Fields()))
	for i, field := range schema.Fields() {
		switch field.Type.ID() {
		case arrow.FLOAT64, arrow.FLOAT32, arrow.INT64, arrow.INT32, arrow.BOOL:
			types[i] = FeatureNumeric
		case arrow.DICTIONARY:
			types[i] = FeatureCategorical
		default:
			return nil, fmt.Errorf("column %s: unsupported Arrow type %s", field.Name, field.Type)
		}
	}
	return types, nil
}

// PagesFromRecord converts an Arrow record into a single page starting at
// row 0, plus the feature type of each column. Nulls and float NaNs
// become missing entries. Dictionary columns contribute their dictionary
// indices as category codes, so records batched together must share one
// dictionary.
func PagesFromRecord(rec arrow.Record) (*Page, []FeatureType, error) {
	return pageFromRecord(rec, 0)
}

func pageFromRecord(rec arrow.Record, baseRow uint64) (*Page, []FeatureType, error) {
	if rec == nil {
		return nil, nil, fmt.Errorf("record is nil")
	}

	ncols := int(rec.NumCols())
	nrows := int(rec.NumRows())
	schema := rec.Schema()

	vals := make([][]float64, ncols)
	present := make([][]bool, ncols)
	types := make([]FeatureType, ncols)
	for f := 0; f < ncols; f++ {
		v, p, ftype, err := arrowColumnValues(rec.Column(f))
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", schema.Field(f).Name, err)
		}
		vals[f] = v
		present[f] = p
		types[f] = ftype
	}

	b := NewPageBuilder(baseRow)
	row := make([]Entry, 0, ncols)
	for i := 0; i < nrows; i++ {
		row = row[:0]
		for f := 0; f < ncols; f++ {
			if present[f][i] {
				row = append(row, Entry{Feature: uint32(f), Value: vals[f][i]})
			}
		}
		b.AppendRow(row)
	}
	return b.Page(), types, nil
}

// arrowColumnValues extracts one column into float values plus a
// presence mask.
func arrowColumnValues(arr arrow.Array) ([]float64, []bool, FeatureType, error) {
	n := arr.Len()
	vals := make([]float64, n)
	present := make([]bool, n)

	switch a := arr.(type) {
	case *array.Float64:
		for i := 0; i < n; i++ {
			v := a.Value(i)
			vals[i] = v
			present[i] = !a.IsNull(i) && !math.IsNaN(v)
		}
		return vals, present, FeatureNumeric, nil

	case *array.Float32:
		for i := 0; i < n; i++ {
			v := float64(a.Value(i))
			vals[i] = v
			present[i] = !a.IsNull(i) && !math.IsNaN(v)
		}
		return vals, present, FeatureNumeric, nil

	case *array.Int64:
		for i := 0; i < n; i++ {
			vals[i] = float64(a.Value(i))
			present[i] = !a.IsNull(i)
		}
		return vals, present, FeatureNumeric, nil

	case *array.Int32:
		for i := 0; i < n; i++ {
			vals[i] = float64(a.Value(i))
			present[i] = !a.IsNull(i)
		}
		return vals, present, FeatureNumeric, nil

	case *array.Boolean:
		for i := 0; i < n; i++ {
			if a.Value(i) {
				vals[i] = 1
			}
			present[i] = !a.IsNull(i)
		}
		return vals, present, FeatureNumeric, nil

	case *array.Dictionary:
		switch idx := a.Indices().(type) {
		case *array.Int32:
			for i := 0; i < n; i++ {
				vals[i] = float64(idx.Value(i))
				present[i] = !a.IsNull(i)
			}
		case *array.Int64:
			for i := 0; i < n; i++ {
				vals[i] = float64(idx.Value(i))
				present[i] = !a.IsNull(i)
			}
		default:
			return nil, nil, FeatureNumeric, fmt.Errorf("unsupported dictionary index type: %T", a.Indices())
		}
		return vals, present, FeatureCategorical, nil

	default:
		return nil, nil, FeatureNumeric, fmt.Errorf("unsupported Arrow array type: %T", arr)
	}
}

// ============================================================================
// Arrow Reader
// ============================================================================

// ArrowReader serves a sequence of Arrow records as pages. Data is copied
// out at construction, so callers may Release the records afterwards.
type ArrowReader struct {
	pages []*Page
	types []FeatureType
	ncols int
	pos   int
}

// NewArrowReader builds a page reader over records. All records must have
// the same column count and the same derived feature types; rows are
// numbered continuously across records in order.
func NewArrowReader(recs ...arrow.Record) (*ArrowReader, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("at least one record required")
	}

	r := &ArrowReader{ncols: int(recs[0].NumCols())}
	baseRow := uint64(0)
	for i, rec := range recs {
		if int(rec.NumCols()) != r.ncols {
			return nil, fmt.Errorf("record %d has %d columns, want %d", i, rec.NumCols(), r.ncols)
		}
		page, types, err := pageFromRecord(rec, baseRow)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if r.types == nil {
			r.types = types
		} else {
			for f, t := range types {
				if t != r.types[f] {
					return nil, fmt.Errorf("record %d column %d: feature type %s, want %s", i, f, t, r.types[f])
				}
			}
		}
		r.pages = append(r.pages, page)
		baseRow += uint64(page.Rows())
	}
	return r, nil
}

// FeatureTypes returns the per-column feature types derived from the
// record schemas.
func (r *ArrowReader) FeatureTypes() []FeatureType {
	return r.types
}

// NumColumns returns the number of feature columns.
func (r *ArrowReader) NumColumns() int {
	return r.ncols
}

// Next returns the next page, or io.EOF after the last one.
func (r *ArrowReader) Next(ctx context.Context) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.pos >= len(r.pages) {
		return nil, io.EOF
	}
	p := r.pages[r.pos]
	r.pos++
	return p, nil
}

// Rewind restarts iteration from the first page.
func (r *ArrowReader) Rewind() {
	r.pos = 0
}

// Close releases nothing: the reader owns plain Go slices.
func (r *ArrowReader) Close() error {
	return nil
}
