package ghist

import (
	"fmt"
	"os"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ============================================================================
// Npy Import / Export
// ============================================================================

// ReadNpyMatrix reads a 2-D .npy file into a dense matrix.
func ReadNpyMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header: %w", err)
	}

	var m mat.Dense
	if err := r.Read(&m); err != nil {
		return nil, fmt.Errorf("failed to read npy data: %w", err)
	}
	return &m, nil
}

// WriteNpyMatrix writes a dense matrix as a float64 .npy file.
func WriteNpyMatrix(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	if err := npyio.Write(f, m); err != nil {
		return fmt.Errorf("failed to write npy data: %w", err)
	}
	return f.Close()
}

// NewNpyReader opens a .npy feature matrix as a page reader producing
// pages of up to batchRows rows. NaN cells are treated as missing.
func NewNpyReader(path string, batchRows int) (*DenseReader, error) {
	m, err := ReadNpyMatrix(path)
	if err != nil {
		return nil, err
	}
	return NewDenseReader(m, batchRows), nil
}
