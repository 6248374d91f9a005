package ghist

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/parquet-go/parquet-go"
	"gonum.org/v1/gonum/mat"
)

// ============================================================================
// Parquet Import
// ============================================================================

// ParquetOptions configures how a parquet file is decoded into pages.
type ParquetOptions struct {
	Columns   []string       // feature columns, in order (nil = all, in file order)
	BatchRows int            // rows per emitted page (<= 0 = default)
	Parallel  ParallelConfig // row-group decode parallelism
}

// DefaultParquetOptions returns the default parquet read options.
func DefaultParquetOptions() ParquetOptions {
	return ParquetOptions{
		BatchRows: defaultBatchRows,
		Parallel:  DefaultParallelConfig(),
	}
}

// ParquetReader serves a parquet file as pages. The file is decoded when
// the reader is opened, row group by row group, in parallel for large
// multi-group files.
type ParquetReader struct {
	pages []*Page
	ncols int
	pos   int
}

// OpenParquetReader opens a parquet file as a page reader. Columns must
// be boolean, integer or floating point; nulls and NaNs become missing
// entries. Categorical features are expected as integer category codes.
func OpenParquetReader(path string, opts ParquetOptions) (*ParquetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return NewParquetReader(f, stat.Size(), opts)
}

// NewParquetReader decodes parquet data from an io.ReaderAt into a page
// reader.
func NewParquetReader(r io.ReaderAt, size int64, opts ParquetOptions) (*ParquetReader, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}

	schema := pf.Schema()

	// Determine columns to read
	var colNames []string
	if len(opts.Columns) > 0 {
		colNames = opts.Columns
	} else {
		fields := schema.Fields()
		colNames = make([]string, len(fields))
		for i, f := range fields {
			colNames[i] = f.Name()
		}
	}
	if len(colNames) == 0 {
		return nil, fmt.Errorf("parquet file has no columns")
	}

	// Build column index map
	colIndexMap := make(map[string]int)
	for i, col := range schema.Columns() {
		if len(col) > 0 {
			colIndexMap[col[0]] = i
		}
	}

	colIndices := make([]int, len(colNames))
	kinds := make([]parquet.Kind, len(colNames))
	for i, name := range colNames {
		idx, ok := colIndexMap[name]
		if !ok {
			return nil, fmt.Errorf("column '%s' not found in parquet file", name)
		}
		colIndices[i] = idx

		kind, err := parquetFeatureKind(schema, name)
		if err != nil {
			return nil, fmt.Errorf("column '%s': %w", name, err)
		}
		kinds[i] = kind
	}

	batchRows := opts.BatchRows
	if batchRows <= 0 {
		batchRows = defaultBatchRows
	}

	rowGroups := pf.RowGroups()
	baseRows := make([]uint64, len(rowGroups))
	total := uint64(0)
	for i, rg := range rowGroups {
		baseRows[i] = total
		total += uint64(rg.NumRows())
	}

	var pageSets [][]*Page
	if opts.Parallel.shouldParallelize(int(pf.NumRows())) && len(rowGroups) > 1 {
		pageSets = make([][]*Page, len(rowGroups))
		rgErrors := make([]error, len(rowGroups))

		var wg sync.WaitGroup
		for rgIdx := range rowGroups {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				pages, err := decodeRowGroup(rowGroups[idx], colIndices, kinds, baseRows[idx], batchRows)
				if err != nil {
					rgErrors[idx] = err
					return
				}
				pageSets[idx] = pages
			}(rgIdx)
		}
		wg.Wait()

		for i, err := range rgErrors {
			if err != nil {
				return nil, fmt.Errorf("row group %d: %w", i, err)
			}
		}
	} else {
		pageSets = make([][]*Page, len(rowGroups))
		for i, rg := range rowGroups {
			pages, err := decodeRowGroup(rg, colIndices, kinds, baseRows[i], batchRows)
			if err != nil {
				return nil, fmt.Errorf("row group %d: %w", i, err)
			}
			pageSets[i] = pages
		}
	}

	reader := &ParquetReader{ncols: len(colNames)}
	for _, pages := range pageSets {
		reader.pages = append(reader.pages, pages...)
	}
	return reader, nil
}

// decodeRowGroup reads one row group into pages of at most batchRows rows.
func decodeRowGroup(rg parquet.RowGroup, colIndices []int, kinds []parquet.Kind, baseRow uint64, batchRows int) ([]*Page, error) {
	rows := rg.Rows()
	defer rows.Close()

	var pages []*Page
	b := NewPageBuilder(baseRow)
	nextBase := baseRow
	cells := make([]Entry, 0, len(colIndices))
	rowBuf := make([]parquet.Row, 1000)
	for {
		n, err := rows.ReadRows(rowBuf)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("failed to read rows: %w", err)
		}
		if n == 0 {
			break
		}

		for _, row := range rowBuf[:n] {
			cells = cells[:0]
			for f, colIdx := range colIndices {
				if colIdx < len(row) {
					if v, ok := parquetFeatureValue(row[colIdx], kinds[f]); ok {
						cells = append(cells, Entry{Feature: uint32(f), Value: v})
					}
				}
			}
			b.AppendRow(cells)
			if b.Rows() >= batchRows {
				nextBase += uint64(b.Rows())
				pages = append(pages, b.Page())
				b = NewPageBuilder(nextBase)
			}
		}
	}
	if b.Rows() > 0 {
		pages = append(pages, b.Page())
	}
	return pages, nil
}

// parquetFeatureKind resolves a column's physical kind, rejecting kinds
// that cannot feed a feature column.
func parquetFeatureKind(schema *parquet.Schema, name string) (parquet.Kind, error) {
	for _, field := range schema.Fields() {
		if field.Name() != name {
			continue
		}
		t := field.Type()
		if t == nil {
			return 0, fmt.Errorf("column has no leaf type")
		}
		switch kind := t.Kind(); kind {
		case parquet.Boolean, parquet.Int32, parquet.Int64, parquet.Float, parquet.Double:
			return kind, nil
		default:
			return 0, fmt.Errorf("unsupported parquet kind %s for a feature column", kind)
		}
	}
	return 0, fmt.Errorf("column not found in schema")
}

// parquetFeatureValue converts one cell, reporting whether it is present.
func parquetFeatureValue(v parquet.Value, kind parquet.Kind) (float64, bool) {
	if v.IsNull() {
		return 0, false
	}
	switch kind {
	case parquet.Boolean:
		if v.Boolean() {
			return 1, true
		}
		return 0, true
	case parquet.Int32:
		return float64(v.Int32()), true
	case parquet.Int64:
		return float64(v.Int64()), true
	case parquet.Float:
		f := float64(v.Float())
		return f, !math.IsNaN(f)
	case parquet.Double:
		f := v.Double()
		return f, !math.IsNaN(f)
	}
	return 0, false
}

// Next returns the next page, or io.EOF after the last one.
func (r *ParquetReader) Next(ctx context.Context) (*Page, error) {
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

// NumColumns returns the number of selected feature columns.
func (r *ParquetReader) NumColumns() int {
	return r.ncols
}

// Rewind restarts iteration from the first page.
func (r *ParquetReader) Rewind() {
	r.pos = 0
}

// Close releases the reader. The underlying file is closed at open time.
func (r *ParquetReader) Close() error {
	return nil
}

// ============================================================================
// Parquet Export
// ============================================================================

// ParquetWriteOptions configures parquet writing behavior.
type ParquetWriteOptions struct {
	Compression  string // "snappy", "gzip", "zstd", "none" (default "snappy")
	RowGroupRows int    // force a row-group boundary every this many rows (0 = writer default)
}

// DefaultParquetWriteOptions returns default parquet writing options.
func DefaultParquetWriteOptions() ParquetWriteOptions {
	return ParquetWriteOptions{Compression: "snappy"}
}

// WriteParquetMatrix writes a dense feature matrix as one double column
// per feature. NaN cells are written through and read back as missing.
// The parquet schema orders fields by name, so callers that later read
// without an explicit column list should use sortable names.
func WriteParquetMatrix(path string, m *mat.Dense, names []string, opts ...ParquetWriteOptions) error {
	opt := DefaultParquetWriteOptions()
	if len(opts) > 0 {
		opt = opts[0]
	}

	nrows, ncols := m.Dims()
	if len(names) != ncols {
		return fmt.Errorf("%d column names for %d matrix columns", len(names), ncols)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	group := make(parquet.Group)
	for _, name := range names {
		group[name] = parquet.Leaf(parquet.DoubleType)
	}
	schema := parquet.NewSchema("features", group)

	var writerOpts []parquet.WriterOption
	writerOpts = append(writerOpts, schema)
	switch opt.Compression {
	case "snappy":
		writerOpts = append(writerOpts, parquet.Compression(&parquet.Snappy))
	case "gzip":
		writerOpts = append(writerOpts, parquet.Compression(&parquet.Gzip))
	case "zstd":
		writerOpts = append(writerOpts, parquet.Compression(&parquet.Zstd))
	}

	pw := parquet.NewWriter(f, writerOpts...)
	defer pw.Close()

	// The schema reorders fields by name; place values accordingly.
	fieldIndex := make(map[string]int)
	for i, field := range schema.Fields() {
		fieldIndex[field.Name()] = i
	}

	batchSize := 1000
	batch := make([]parquet.Row, 0, batchSize)
	for i := 0; i < nrows; i++ {
		row := make(parquet.Row, ncols)
		for j, name := range names {
			row[fieldIndex[name]] = parquet.DoubleValue(m.At(i, j))
		}
		batch = append(batch, row)

		boundary := opt.RowGroupRows > 0 && (i+1)%opt.RowGroupRows == 0
		if len(batch) >= batchSize || boundary {
			if _, err := pw.WriteRows(batch); err != nil {
				return fmt.Errorf("failed to write rows at %d: %w", i-len(batch)+1, err)
			}
			batch = batch[:0]
		}
		if boundary {
			if err := pw.Flush(); err != nil {
				return fmt.Errorf("failed to flush row group: %w", err)
			}
		}
	}
	if len(batch) > 0 {
		if _, err := pw.WriteRows(batch); err != nil {
			return fmt.Errorf("failed to write final rows: %w", err)
		}
	}

	return pw.Close()
}
