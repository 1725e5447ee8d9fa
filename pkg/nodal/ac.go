package nodal

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/edp1096/sparse"

	"github.com/edp1096/toy-grid/pkg/network"
)

// branchAC holds a branch's cached pi-model corner admittances and the
// matrix positions they are stamped at. The slice of these records is
// kept parallel to the branch array so incremental updates address a
// branch by its dense index.
type branchAC struct {
	Yff complex128 // currently stamped corners, zero when out of service
	Yft complex128
	Ytf complex128
	Ytt complex128

	Ys    complex128 // series admittance 1/(R+jX)
	Ratio complex128 // complex turns ratio (1/ratio)*exp(-j*shift)

	pff *sparse.Element // cached matrix positions, nil until first stamp
	pft *sparse.Element
	ptf *sparse.Element
	ptt *sparse.Element
}

// ACModel is the sparse complex bus admittance matrix plus per-branch
// cached coefficients. The matrix is a value store with linked rows and
// columns; it is never factorized, so stamped admittances stay readable
// for mismatch and flow computation.
type ACModel struct {
	net  *network.Network
	size int
	mat  *sparse.Matrix

	branches []branchAC
	shunts   []complex128 // stamped bus shunt admittance, parallel to buses

	valid        bool
	patternDirty bool
}

func BuildAC(net *network.Network) (*ACModel, error) {
	size := net.NumBuses()
	if size == 0 {
		return nil, fmt.Errorf("network has no buses")
	}

	mat, err := sparse.Create(int64(size), yConfig())
	if err != nil {
		return nil, fmt.Errorf("creating admittance matrix: %v", err)
	}

	m := &ACModel{
		net:      net,
		size:     size,
		mat:      mat,
		branches: make([]branchAC, net.NumBranches()),
		shunts:   make([]complex128, size),
		valid:    true,
	}

	for _, br := range net.Branches() {
		if !br.InService {
			continue
		}
		m.stampBranch(br)
	}
	for _, bus := range net.Buses() {
		ysh := complex(bus.ShuntG, bus.ShuntB)
		if ysh != 0 {
			m.addAt(m.diagElement(bus.Index), ysh)
		}
		m.shunts[bus.Index-1] = ysh
	}

	m.mat.LinkRows()
	m.patternDirty = false

	net.Watch(m)
	return m, nil
}

func yConfig() *sparse.Configuration {
	return &sparse.Configuration{
		Real:           true,
		Complex:        true,
		Expandable:     true,
		Translate:      false,
		ModifiedNodal:  true,
		TiesMultiplier: 5,
		PrinterWidth:   140,
		Annotate:       0,
	}
}

// cornerTerms computes the four pi-model corner admittances of a branch
// from its present parameters.
func cornerTerms(br *network.Branch) (yff, yft, ytf, ytt, ys, t complex128) {
	ys = 1 / complex(br.R, br.X)
	t = cmplx.Rect(1/br.Ratio, -br.Shift)

	ysh := complex(br.G/2, br.B/2)
	ytt = ys + ysh
	yff = ytt / complex(br.Ratio*br.Ratio, 0)
	yft = -cmplx.Conj(t) * ys
	ytf = -t * ys
	return
}

func (m *ACModel) stampBranch(br *network.Branch) {
	c := &m.branches[br.Index-1]
	c.Yff, c.Yft, c.Ytf, c.Ytt, c.Ys, c.Ratio = cornerTerms(br)

	if c.pff == nil {
		c.pff = m.element(br.From, br.From)
		c.pft = m.element(br.From, br.To)
		c.ptf = m.element(br.To, br.From)
		c.ptt = m.element(br.To, br.To)
	}

	m.addAt(c.pff, c.Yff)
	m.addAt(c.pft, c.Yft)
	m.addAt(c.ptf, c.Ytf)
	m.addAt(c.ptt, c.Ytt)
}

// unstampBranch subtracts the currently stamped corners. It is the
// subtract-old half of the incremental update pair.
func (m *ACModel) unstampBranch(idx int) {
	c := &m.branches[idx-1]
	if c.pff == nil {
		return
	}
	m.addAt(c.pff, -c.Yff)
	m.addAt(c.pft, -c.Yft)
	m.addAt(c.ptf, -c.Ytf)
	m.addAt(c.ptt, -c.Ytt)
	c.Yff, c.Yft, c.Ytf, c.Ytt = 0, 0, 0, 0
	c.Ys, c.Ratio = 0, 0
}

func (m *ACModel) addAt(e *sparse.Element, y complex128) {
	e.Real += real(y)
	e.Imag += imag(y)
}

// element fetches the matrix position (i,j), creating it when the
// sparsity pattern does not have it yet.
func (m *ACModel) element(i, j int) *sparse.Element {
	if m.find(i, j) == nil {
		m.patternDirty = true
	}
	return m.mat.GetElement(int64(i), int64(j))
}

func (m *ACModel) diagElement(i int) *sparse.Element {
	return m.element(i, i)
}

// find walks column j without creating an element.
func (m *ACModel) find(i, j int) *sparse.Element {
	for e := m.mat.FirstInCol[j]; e != nil; e = e.NextInCol {
		if e.Row == int64(i) {
			return e
		}
	}
	return nil
}

// Observer contract: a branch or shunt change is patched in place, a
// bus addition invalidates the whole model.

func (m *ACModel) BusAdded(index int) {
	if !m.valid {
		return
	}
	fmt.Printf("Warning: bus %d added; AC nodal model invalidated, rebuild required\n", index)
	m.Invalidate()
}

func (m *ACModel) BranchAdded(index int) {
	if !m.valid {
		return
	}
	// Keep the cache array aligned with the branch array first.
	m.branches = append(m.branches, branchAC{})
	br := m.net.Branch(index)
	if br.InService {
		m.stampBranch(br)
	}
}

func (m *ACModel) BranchChanged(index int) {
	if !m.valid {
		return
	}
	m.unstampBranch(index)
	br := m.net.Branch(index)
	if br.InService {
		m.stampBranch(br)
	}
}

func (m *ACModel) ShuntChanged(index int) {
	if !m.valid {
		return
	}
	bus := m.net.Bus(index)
	old := m.shunts[index-1]
	ysh := complex(bus.ShuntG, bus.ShuntB)
	m.addAt(m.diagElement(index), ysh-old)
	m.shunts[index-1] = ysh
}

func (m *ACModel) Invalidate() {
	if m.mat != nil {
		m.mat.Destroy()
	}
	m.mat = nil
	m.branches = nil
	m.shunts = nil
	m.valid = false
}

func (m *ACModel) Valid() bool { return m.valid }

func (m *ACModel) Size() int { return m.size }

// PatternDirty reports whether the nonzero pattern changed since the
// last ClearPatternDirty. A downstream cached symbolic factorization
// stays valid across pure value changes but not across pattern growth.
func (m *ACModel) PatternDirty() bool { return m.patternDirty }

func (m *ACModel) ClearPatternDirty() { m.patternDirty = false }

// At returns Y[i,j] without extending the sparsity pattern.
func (m *ACModel) At(i, j int) (complex128, error) {
	if !m.valid {
		return 0, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if i < 1 || j < 1 || i > m.size || j > m.size {
		return 0, fmt.Errorf("admittance index out of range (i=%d, j=%d, size=%d)", i, j, m.size)
	}
	e := m.find(i, j)
	if e == nil {
		return 0, nil
	}
	return complex(e.Real, e.Imag), nil
}

// ForEachInRow visits the nonzeros of row i in column order. This is
// the transpose-style access the solvers use for injection sums.
func (m *ACModel) ForEachInRow(i int, fn func(j int, y complex128)) error {
	if !m.valid {
		return fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if i < 1 || i > m.size {
		return fmt.Errorf("row index out of range (i=%d, size=%d)", i, m.size)
	}
	for e := m.mat.FirstInRow[i]; e != nil; e = e.NextInRow {
		fn(int(e.Col), complex(e.Real, e.Imag))
	}
	return nil
}

// BranchCorners returns the currently stamped corner terms of branch
// idx. All four are zero for an out-of-service branch.
func (m *ACModel) BranchCorners(idx int) (yff, yft, ytf, ytt complex128, err error) {
	if !m.valid {
		return 0, 0, 0, 0, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if idx < 1 || idx > len(m.branches) {
		return 0, 0, 0, 0, fmt.Errorf("branch index out of range (idx=%d)", idx)
	}
	c := &m.branches[idx-1]
	return c.Yff, c.Yft, c.Ytf, c.Ytt, nil
}

// MaxOffDiagonalAsymmetry reports max |Y[i,j]-Y[j,i]|, useful as a
// sanity check on networks without phase shifters.
func (m *ACModel) MaxOffDiagonalAsymmetry() float64 {
	worst := 0.0
	for j := 1; j <= m.size; j++ {
		for e := m.mat.FirstInCol[j]; e != nil; e = e.NextInCol {
			i := int(e.Row)
			if i == j {
				continue
			}
			var other complex128
			if t := m.find(j, i); t != nil {
				other = complex(t.Real, t.Imag)
			}
			d := cmplx.Abs(complex(e.Real, e.Imag) - other)
			worst = math.Max(worst, d)
		}
	}
	return worst
}
