package ghist

import (
	"context"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Entry is one stored cell of a sparse row: the feature index and its value.
// Categorical features store the integer category code as a float64.
type Entry struct {
	Feature uint32
	Value   float64
}

// Page is an immutable batch of rows in CSR form. Row i owns
// entries[offsets[i]:offsets[i+1]], with entries in ascending feature order
// within each row. BaseRow is the global index of the page's first row, so
// per-row metadata (sample weights) lines up across pages.
type Page struct {
	baseRow uint64
	offsets []uint64 // len = rows+1
	entries []Entry
}

// Rows returns the number of rows in the page.
func (p *Page) Rows() int {
	return len(p.offsets) - 1
}

// NumEntries returns the number of stored cells in the page.
func (p *Page) NumEntries() int {
	return len(p.entries)
}

// BaseRow returns the global index of the page's first row.
func (p *Page) BaseRow() uint64 {
	return p.baseRow
}

// Row returns the entries of row i. The slice aliases the page; callers
// must not modify it.
func (p *Page) Row(i int) []Entry {
	return p.entries[p.offsets[i]:p.offsets[i+1]]
}

// PageBuilder assembles a Page row by row.
type PageBuilder struct {
	baseRow uint64
	offsets []uint64
	entries []Entry
}

// NewPageBuilder creates a builder for a page starting at global row baseRow.
func NewPageBuilder(baseRow uint64) *PageBuilder {
	return &PageBuilder{
		baseRow: baseRow,
		offsets: []uint64{0},
	}
}

// Rows returns the number of rows appended so far.
func (b *PageBuilder) Rows() int {
	return len(b.offsets) - 1
}

// AppendRow appends one row. Cells must be in ascending feature order.
func (b *PageBuilder) AppendRow(cells []Entry) {
	b.entries = append(b.entries, cells...)
	b.offsets = append(b.offsets, uint64(len(b.entries)))
}

// AppendDenseRow appends a row given as one value per column. NaN cells are
// treated as missing and skipped.
func (b *PageBuilder) AppendDenseRow(values []float64) {
	for j, v := range values {
		if math.IsNaN(v) {
			continue
		}
		b.entries = append(b.entries, Entry{Feature: uint32(j), Value: v})
	}
	b.offsets = append(b.offsets, uint64(len(b.entries)))
}

// Page finalizes the builder. The builder must not be reused afterwards.
func (b *PageBuilder) Page() *Page {
	return &Page{
		baseRow: b.baseRow,
		offsets: b.offsets,
		entries: b.entries,
	}
}

// PageReader is an interface for streaming a dataset as sparse pages.
// This enables processing of datasets larger than RAM.
type PageReader interface {
	// Next reads the next page of rows.
	// Returns io.EOF when there are no more pages.
	Next(ctx context.Context) (*Page, error)

	// NumColumns returns the number of feature columns in the dataset.
	NumColumns() int

	// Close releases any resources held by the reader.
	Close() error
}

// ReadAllPages drains a reader and returns its pages in order.
func ReadAllPages(ctx context.Context, r PageReader) ([]*Page, error) {
	var pages []*Page
	for {
		page, err := r.Next(ctx)
		if err == io.EOF {
			return pages, nil
		}
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
	}
}

// FeatureRangeError reports an entry whose feature index falls outside the
// declared column count.
type FeatureRangeError struct {
	Feature uint32
	Columns int
}

func (e *FeatureRangeError) Error() string {
	return fmt.Sprintf("feature index %d out of range for %d columns", e.Feature, e.Columns)
}

// ============================================================================
// In-Memory Readers
// ============================================================================

// SliceReader serves pre-built pages from memory. Rewind restarts the
// stream, so the same pages can feed both cut sketching and index building.
type SliceReader struct {
	ncols int
	pages []*Page
	pos   int
}

// NewSliceReader creates a reader over pre-built pages.
func NewSliceReader(ncols int, pages ...*Page) *SliceReader {
	return &SliceReader{ncols: ncols, pages: pages}
}

// Next returns the next page, or io.EOF when exhausted.
func (r *SliceReader) Next(ctx context.Context) (*Page, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if r.pos >= len(r.pages) {
		return nil, io.EOF
	}
	page := r.pages[r.pos]
	r.pos++
	return page, nil
}

// NumColumns returns the number of feature columns.
func (r *SliceReader) NumColumns() int {
	return r.ncols
}

// Close releases the reader. SliceReader holds no resources.
func (r *SliceReader) Close() error {
	return nil
}

// Rewind restarts the stream from the first page.
func (r *SliceReader) Rewind() {
	r.pos = 0
}

// DenseReader walks a gonum dense matrix in row batches. NaN cells are
// treated as missing and skipped.
type DenseReader struct {
	m       *mat.Dense
	batch   int
	nextRow int
}

// NewDenseReader creates a reader over m producing pages of up to batchRows
// rows. batchRows <= 0 selects the default batch size.
func NewDenseReader(m *mat.Dense, batchRows int) *DenseReader {
	if batchRows <= 0 {
		batchRows = defaultBatchRows
	}
	return &DenseReader{m: m, batch: batchRows}
}

const defaultBatchRows = 65536

// Next returns the next page, or io.EOF when the matrix is exhausted.
func (r *DenseReader) Next(ctx context.Context) (*Page, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	rows, cols := r.m.Dims()
	if r.nextRow >= rows {
		return nil, io.EOF
	}
	end := r.nextRow + r.batch
	if end > rows {
		end = rows
	}
	b := NewPageBuilder(uint64(r.nextRow))
	row := make([]float64, cols)
	for i := r.nextRow; i < end; i++ {
		mat.Row(row, i, r.m)
		b.AppendDenseRow(row)
	}
	r.nextRow = end
	return b.Page(), nil
}

// NumColumns returns the number of matrix columns.
func (r *DenseReader) NumColumns() int {
	_, cols := r.m.Dims()
	return cols
}

// Close releases the reader. DenseReader holds no resources.
func (r *DenseReader) Close() error {
	return nil
}
