package nodal

import (
	"fmt"
)

// CSC is a compressed-sparse-column snapshot of the complex admittance
// matrix, the form handed to solvers and post-processing. A CSR
// snapshot of the same matrix doubles as the CSC form of its
// transpose.
type CSC struct {
	N      int
	ColPtr []int // len N+1
	RowIdx []int
	Values []complex128
}

// CSCReal is the real-valued counterpart for the DC B matrix.
type CSCReal struct {
	N      int
	ColPtr []int
	RowIdx []int
	Values []float64
}

// CSC compiles the current admittance values into compressed-column
// arrays. The snapshot is detached: later incremental patches do not
// write through to it.
func (m *ACModel) CSC() (*CSC, error) {
	if !m.valid {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}

	s := &CSC{N: m.size, ColPtr: make([]int, m.size+1)}
	for j := 1; j <= m.size; j++ {
		s.ColPtr[j-1] = len(s.RowIdx)
		for e := m.mat.FirstInCol[j]; e != nil; e = e.NextInCol {
			s.RowIdx = append(s.RowIdx, int(e.Row))
			s.Values = append(s.Values, complex(e.Real, e.Imag))
		}
	}
	s.ColPtr[m.size] = len(s.RowIdx)
	return s, nil
}

// CSR compiles a compressed-row snapshot, i.e. the transpose in
// compressed-column form.
func (m *ACModel) CSR() (*CSC, error) {
	if !m.valid {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}

	s := &CSC{N: m.size, ColPtr: make([]int, m.size+1)}
	for i := 1; i <= m.size; i++ {
		s.ColPtr[i-1] = len(s.RowIdx)
		for e := m.mat.FirstInRow[i]; e != nil; e = e.NextInRow {
			s.RowIdx = append(s.RowIdx, int(e.Col))
			s.Values = append(s.Values, complex(e.Real, e.Imag))
		}
	}
	s.ColPtr[m.size] = len(s.RowIdx)
	return s, nil
}

func (m *DCModel) CSC() (*CSCReal, error) {
	if !m.valid {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}

	s := &CSCReal{N: m.size, ColPtr: make([]int, m.size+1)}
	for j := 1; j <= m.size; j++ {
		s.ColPtr[j-1] = len(s.RowIdx)
		for e := m.mat.FirstInCol[j]; e != nil; e = e.NextInCol {
			s.RowIdx = append(s.RowIdx, int(e.Row))
			s.Values = append(s.Values, e.Real)
		}
	}
	s.ColPtr[m.size] = len(s.RowIdx)
	return s, nil
}
