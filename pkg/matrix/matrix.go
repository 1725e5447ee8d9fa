package matrix

import (
	"fmt"

	"github.com/edp1096/sparse"
)

// SystemMatrix wraps a sparse real matrix and its right-hand side for
// the linear solves done by the power-flow solvers (Jacobian systems,
// the fast-decoupled B'/B'' pair, the DC B system). Values are stamped
// additively; Factor keeps the LU factors in place so a fixed matrix
// can be solved repeatedly against fresh right-hand sides.
type SystemMatrix struct {
	Size     int
	matrix   *sparse.Matrix
	rhs      []float64
	solution []float64
}

func New(size int) (*SystemMatrix, error) {
	// Translate must be on: factorization reorders the matrix, and the
	// Newton loop keeps stamping external indices into it afterwards.
	config := &sparse.Configuration{
		Real:           true,
		Complex:        false,
		Expandable:     true,
		Translate:      true,
		ModifiedNodal:  true,
		TiesMultiplier: 5,
		PrinterWidth:   140,
		Annotate:       0,
	}

	mat, err := sparse.Create(int64(size), config)
	if err != nil {
		return nil, fmt.Errorf("creating sparse matrix: %v", err)
	}

	return &SystemMatrix{
		Size:     size,
		matrix:   mat,
		rhs:      make([]float64, size+1), // 1-based indexing
		solution: make([]float64, size+1),
	}, nil
}

func (m *SystemMatrix) AddElement(i, j int, value float64) {
	if i <= 0 || j <= 0 || i > m.Size || j > m.Size {
		fmt.Printf("Warning: Matrix index out of bounds (i=%d, j=%d, size=%d)\n", i, j, m.Size)
		return
	}
	m.matrix.GetElement(int64(i), int64(j)).Real += value
}

func (m *SystemMatrix) AddRHS(i int, value float64) {
	if i <= 0 || i > m.Size {
		fmt.Printf("Warning: RHS index out of bounds (i=%d, size=%d)\n", i, m.Size)
		return
	}
	m.rhs[i] += value
}

func (m *SystemMatrix) SetRHS(i int, value float64) {
	if i <= 0 || i > m.Size {
		fmt.Printf("Warning: RHS index out of bounds (i=%d, size=%d)\n", i, m.Size)
		return
	}
	m.rhs[i] = value
}

// Clear zeroes matrix values and the rhs but keeps the nonzero pattern
// (including factorization fill-ins), so the next Factor reuses the
// existing ordering.
func (m *SystemMatrix) Clear() {
	m.matrix.Clear()
	m.ZeroRHS()
}

func (m *SystemMatrix) ZeroRHS() {
	for i := range m.rhs {
		m.rhs[i] = 0
	}
}

func (m *SystemMatrix) Factor() error {
	if err := m.matrix.Factor(); err != nil {
		return fmt.Errorf("matrix factorization failed: %v", err)
	}
	return nil
}

func (m *SystemMatrix) Factored() bool {
	return m.matrix.Factored
}

// Solve factorizes if necessary and solves against the current rhs.
// On a matrix already factored (fast-decoupled reuse) only the
// triangular solves run.
func (m *SystemMatrix) Solve() error {
	var err error

	if !m.matrix.Factored {
		if err = m.Factor(); err != nil {
			return err
		}
	}

	m.solution, err = m.matrix.Solve(m.rhs)
	if err != nil {
		return fmt.Errorf("matrix solve failed: %v", err)
	}
	return nil
}

func (m *SystemMatrix) RHS() []float64 {
	return m.rhs
}

// Solution returns the solution vector, 1-based like the rhs.
func (m *SystemMatrix) Solution() []float64 {
	return m.solution
}

func (m *SystemMatrix) Destroy() {
	if m.matrix != nil {
		m.matrix.Destroy()
	}
}
