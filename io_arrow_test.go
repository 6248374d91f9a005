package ghist

import (
	"context"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// mixedRecord builds a record covering every supported column kind: float
// with a null and a NaN, int, bool, and a dictionary-encoded category with
// a null.
func mixedRecord(t *testing.T) arrow.Record {
	t.Helper()
	mem := memory.DefaultAllocator

	fb := array.NewFloat64Builder(mem)
	defer fb.Release()
	fb.AppendValues([]float64{1.5, 0, 3.25, math.NaN(), 5}, []bool{true, false, true, true, true})

	ib := array.NewInt32Builder(mem)
	defer ib.Release()
	ib.AppendValues([]int32{10, 20, 30, 40, 50}, nil)

	bb := array.NewBooleanBuilder(mem)
	defer bb.Release()
	for _, v := range []bool{true, false, true, true, false} {
		bb.Append(v)
	}

	dictType := &arrow.DictionaryType{
		IndexType: arrow.PrimitiveTypes.Int32,
		ValueType: arrow.BinaryTypes.String,
	}
	db := array.NewDictionaryBuilder(mem, dictType)
	defer db.Release()
	sb := db.(*array.BinaryDictionaryBuilder)
	for _, s := range []string{"red", "green"} {
		if err := sb.AppendString(s); err != nil {
			t.Fatalf("AppendString: %v", err)
		}
	}
	sb.AppendNull()
	for _, s := range []string{"blue", "red"} {
		if err := sb.AppendString(s); err != nil {
			t.Fatalf("AppendString: %v", err)
		}
	}

	arrays := []arrow.Array{fb.NewArray(), ib.NewArray(), bb.NewArray(), db.NewArray()}
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "age", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "clicks", Type: arrow.PrimitiveTypes.Int32},
		{Name: "flag", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "color", Type: dictType, Nullable: true},
	}, nil)
	rec := array.NewRecord(schema, arrays, 5)
	for _, arr := range arrays {
		arr.Release()
	}
	return rec
}

func floatRecord(t *testing.T, vals ...float64) arrow.Record {
	t.Helper()
	b := array.NewFloat64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	arr := b.NewArray()
	schema := arrow.NewSchema([]arrow.Field{{Name: "x", Type: arrow.PrimitiveTypes.Float64}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{arr}, int64(len(vals)))
	arr.Release()
	return rec
}

func TestArrowFeatureTypes(t *testing.T) {
	rec := mixedRecord(t)
	defer rec.Release()

	types, err := ArrowFeatureTypes(rec.Schema())
	if err != nil {
		t.Fatalf("ArrowFeatureTypes failed: %v", err)
	}
	want := []FeatureType{FeatureNumeric, FeatureNumeric, FeatureNumeric, FeatureCategorical}
	for f, ft := range want {
		if types[f] != ft {
			t.Errorf("column %d type = %s, want %s", f, types[f], ft)
		}
	}
}

func TestArrowFeatureTypes_Unsupported(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)
	_, err := ArrowFeatureTypes(schema)
	if err == nil || !strings.Contains(err.Error(), "unsupported Arrow type") {
		t.Errorf("err = %v, want unsupported type", err)
	}
}

func TestPagesFromRecord(t *testing.T) {
	rec := mixedRecord(t)
	defer rec.Release()

	page, types, err := PagesFromRecord(rec)
	if err != nil {
		t.Fatalf("PagesFromRecord failed: %v", err)
	}
	if page.Rows() != 5 || page.BaseRow() != 0 {
		t.Fatalf("page rows %d base %d, want 5 0", page.Rows(), page.BaseRow())
	}
	if types[3] != FeatureCategorical {
		t.Errorf("color type = %s, want categorical", types[3])
	}

	// Nulls and NaNs drop out; booleans map to 0/1; dictionary columns
	// contribute their dictionary indices.
	wantRows := [][]Entry{
		{{0, 1.5}, {1, 10}, {2, 1}, {3, 0}},
		{{1, 20}, {2, 0}, {3, 1}},
		{{0, 3.25}, {1, 30}, {2, 1}},
		{{1, 40}, {2, 1}, {3, 2}},
		{{0, 5}, {1, 50}, {2, 0}, {3, 0}},
	}
	for i, want := range wantRows {
		row := page.Row(i)
		if len(row) != len(want) {
			t.Errorf("row %d = %v, want %v", i, row, want)
			continue
		}
		for k := range want {
			if row[k] != want[k] {
				t.Errorf("row %d entry %d = %v, want %v", i, k, row[k], want[k])
			}
		}
	}
}

func TestNewArrowReader_MultiRecord(t *testing.T) {
	a := floatRecord(t, 1, 2, 3)
	defer a.Release()
	b := floatRecord(t, 4, 5)
	defer b.Release()

	r, err := NewArrowReader(a, b)
	if err != nil {
		t.Fatalf("NewArrowReader failed: %v", err)
	}
	defer r.Close()

	if r.NumColumns() != 1 {
		t.Errorf("NumColumns() = %d, want 1", r.NumColumns())
	}
	if ft := r.FeatureTypes(); len(ft) != 1 || ft[0] != FeatureNumeric {
		t.Errorf("FeatureTypes() = %v", ft)
	}

	ctx := context.Background()
	pages, err := ReadAllPages(ctx, r)
	if err != nil {
		t.Fatalf("ReadAllPages: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages[0].BaseRow() != 0 || pages[1].BaseRow() != 3 {
		t.Errorf("baseRows = %d, %d, want 0, 3", pages[0].BaseRow(), pages[1].BaseRow())
	}
	if got := pages[1].Row(1); len(got) != 1 || got[0].Value != 5 {
		t.Errorf("last row = %v, want value 5", got)
	}

	if _, err := r.Next(ctx); err != io.EOF {
		t.Errorf("Next after drain = %v, want io.EOF", err)
	}
	r.Rewind()
	if p, err := r.Next(ctx); err != nil || p.BaseRow() != 0 {
		t.Errorf("Next after Rewind = %v, %v", p, err)
	}
}

func TestNewArrowReader_Validation(t *testing.T) {
	if _, err := NewArrowReader(); err == nil {
		t.Error("expected error for no records")
	}

	a := floatRecord(t, 1, 2)
	defer a.Release()
	wide := mixedRecord(t)
	defer wide.Release()
	if _, err := NewArrowReader(a, wide); err == nil || !strings.Contains(err.Error(), "columns") {
		t.Errorf("err = %v, want column count mismatch", err)
	}
}

func TestArrowReader_FeedsSketch(t *testing.T) {
	rec := mixedRecord(t)
	defer rec.Release()

	r, err := NewArrowReader(rec)
	if err != nil {
		t.Fatalf("NewArrowReader failed: %v", err)
	}

	opts := DefaultSketchOptions()
	opts.FeatureTypes = r.FeatureTypes()
	cuts, err := SketchCuts(context.Background(), r, opts)
	if err != nil {
		t.Fatalf("SketchCuts failed: %v", err)
	}

	// The categorical column saw codes {0, 1, 2} and gets one bin per code.
	if got := cuts.FeatureBins(3); got != 3 {
		t.Fatalf("color bins = %d, want 3", got)
	}
	beg := cuts.Ptrs()[3]
	for i, want := range []float64{0, 1, 2} {
		if got := cuts.Values()[int(beg)+i]; got != want {
			t.Errorf("color boundary %d = %v, want %v", i, got, want)
		}
	}
	// The float column lost its null and NaN rows and keeps its three seen
	// values in range.
	if got := cuts.SearchBin(1.5, 0); got != cuts.Ptrs()[0] {
		t.Errorf("SearchBin(1.5, 0) = %d, want first bin %d", got, cuts.Ptrs()[0])
	}
}
