package nodal

import (
	"fmt"

	"github.com/edp1096/sparse"

	"github.com/edp1096/toy-grid/pkg/network"
)

// dcBranch caches a branch's series susceptance, its stamped matrix
// positions, and its phase-shift injection so the whole contribution
// can be subtracted again in one step.
type dcBranch struct {
	b float64 // stamped susceptance 1/(ratio*X), zero when out of service

	pshiftFrom float64 // stamped shift injections
	pshiftTo   float64

	pff *sparse.Element
	pft *sparse.Element
	ptf *sparse.Element
	ptt *sparse.Element
}

// DCModel is the real B matrix of the DC power-flow linearization plus
// the constant injection vector contributed by phase shifters.
type DCModel struct {
	net  *network.Network
	size int
	mat  *sparse.Matrix

	branches []dcBranch
	pshift   []float64 // per-bus phase shift injection, 1-based

	valid        bool
	patternDirty bool
}

func BuildDC(net *network.Network) (*DCModel, error) {
	size := net.NumBuses()
	if size == 0 {
		return nil, fmt.Errorf("network has no buses")
	}

	config := &sparse.Configuration{
		Real:           true,
		Complex:        false,
		Expandable:     true,
		Translate:      false,
		ModifiedNodal:  true,
		TiesMultiplier: 5,
		PrinterWidth:   140,
		Annotate:       0,
	}
	mat, err := sparse.Create(int64(size), config)
	if err != nil {
		return nil, fmt.Errorf("creating B matrix: %v", err)
	}

	m := &DCModel{
		net:      net,
		size:     size,
		mat:      mat,
		branches: make([]dcBranch, net.NumBranches()),
		pshift:   make([]float64, size+1),
		valid:    true,
	}

	for _, br := range net.Branches() {
		if !br.InService {
			continue
		}
		m.stampBranch(br)
	}

	m.mat.LinkRows()
	m.patternDirty = false

	net.Watch(m)
	return m, nil
}

func (m *DCModel) stampBranch(br *network.Branch) {
	c := &m.branches[br.Index-1]
	c.b = 1 / (br.Ratio * br.X)

	if c.pff == nil {
		c.pff = m.element(br.From, br.From)
		c.pft = m.element(br.From, br.To)
		c.ptf = m.element(br.To, br.From)
		c.ptt = m.element(br.To, br.To)
	}

	c.pff.Real += c.b
	c.ptt.Real += c.b
	c.pft.Real -= c.b
	c.ptf.Real -= c.b

	// Constant injection equivalent of the phase shift.
	c.pshiftFrom = -br.Shift * c.b
	c.pshiftTo = br.Shift * c.b
	m.pshift[br.From] += c.pshiftFrom
	m.pshift[br.To] += c.pshiftTo
}

func (m *DCModel) unstampBranch(idx int) {
	c := &m.branches[idx-1]
	if c.pff == nil {
		return
	}
	c.pff.Real -= c.b
	c.ptt.Real -= c.b
	c.pft.Real += c.b
	c.ptf.Real += c.b

	br := m.net.Branch(idx)
	m.pshift[br.From] -= c.pshiftFrom
	m.pshift[br.To] -= c.pshiftTo

	c.b = 0
	c.pshiftFrom, c.pshiftTo = 0, 0
}

func (m *DCModel) element(i, j int) *sparse.Element {
	if m.findReal(i, j) == nil {
		m.patternDirty = true
	}
	return m.mat.GetElement(int64(i), int64(j))
}

func (m *DCModel) findReal(i, j int) *sparse.Element {
	for e := m.mat.FirstInCol[j]; e != nil; e = e.NextInCol {
		if e.Row == int64(i) {
			return e
		}
	}
	return nil
}

func (m *DCModel) BusAdded(index int) {
	if !m.valid {
		return
	}
	fmt.Printf("Warning: bus %d added; DC nodal model invalidated, rebuild required\n", index)
	m.Invalidate()
}

func (m *DCModel) BranchAdded(index int) {
	if !m.valid {
		return
	}
	m.branches = append(m.branches, dcBranch{})
	br := m.net.Branch(index)
	if br.InService {
		m.stampBranch(br)
	}
}

func (m *DCModel) BranchChanged(index int) {
	if !m.valid {
		return
	}
	m.unstampBranch(index)
	br := m.net.Branch(index)
	if br.InService {
		m.stampBranch(br)
	}
}

// ShuntChanged is a no-op for the DC model: bus shunt conductance only
// enters the DC solve through the right-hand side, which is read from
// the network at solve time.
func (m *DCModel) ShuntChanged(index int) {}

func (m *DCModel) Invalidate() {
	if m.mat != nil {
		m.mat.Destroy()
	}
	m.mat = nil
	m.branches = nil
	m.pshift = nil
	m.valid = false
}

func (m *DCModel) Valid() bool { return m.valid }

func (m *DCModel) Size() int { return m.size }

func (m *DCModel) PatternDirty() bool { return m.patternDirty }

func (m *DCModel) ClearPatternDirty() { m.patternDirty = false }

// At returns B[i,j] without extending the sparsity pattern.
func (m *DCModel) At(i, j int) (float64, error) {
	if !m.valid {
		return 0, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if i < 1 || j < 1 || i > m.size || j > m.size {
		return 0, fmt.Errorf("B index out of range (i=%d, j=%d, size=%d)", i, j, m.size)
	}
	e := m.findReal(i, j)
	if e == nil {
		return 0, nil
	}
	return e.Real, nil
}

func (m *DCModel) ForEachInRow(i int, fn func(j int, b float64)) error {
	if !m.valid {
		return fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if i < 1 || i > m.size {
		return fmt.Errorf("row index out of range (i=%d, size=%d)", i, m.size)
	}
	for e := m.mat.FirstInRow[i]; e != nil; e = e.NextInRow {
		fn(int(e.Col), e.Real)
	}
	return nil
}

// BranchSusceptance returns the stamped series susceptance of branch
// idx, zero when the branch is out of service.
func (m *DCModel) BranchSusceptance(idx int) (float64, error) {
	if !m.valid {
		return 0, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if idx < 1 || idx > len(m.branches) {
		return 0, fmt.Errorf("branch index out of range (idx=%d)", idx)
	}
	return m.branches[idx-1].b, nil
}

// ShiftInjection returns the phase-shifter injection at bus i (pu).
func (m *DCModel) ShiftInjection(i int) (float64, error) {
	if !m.valid {
		return 0, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if i < 1 || i > m.size {
		return 0, fmt.Errorf("bus index out of range (i=%d, size=%d)", i, m.size)
	}
	return m.pshift[i], nil
}
