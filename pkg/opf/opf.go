package opf

import (
	"fmt"
	"math"

	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

// The optimization solver itself is an external collaborator. This
// package only assembles the DC optimal power flow as a standard
// linear program and defines the contract a solver binding has to
// satisfy.

type Status int

const (
	StatusUnknown Status = iota
	StatusOptimal
	StatusInfeasible
	StatusUnbounded
)

type Solution struct {
	Status    Status
	Objective float64
	ColValues []float64
	RowValues []float64
}

func (s *Solution) IsOptimal() bool { return s.Status == StatusOptimal }

// Solver is the pluggable LP solver interface.
type Solver interface {
	Solve(lp *LinearProgram) (*Solution, error)
}

// LinearProgram is a row-wise sparse LP:
// minimize ColCost'x subject to RowLower <= A x <= RowUpper,
// ColLower <= x <= ColUpper.
type LinearProgram struct {
	NumCols int
	NumRows int

	ColCost  []float64
	ColLower []float64
	ColUpper []float64
	RowLower []float64
	RowUpper []float64

	AStart []int // row starts, len NumRows+1
	AIndex []int
	AValue []float64

	ColNames []string
	RowNames []string
}

const Inf = math.MaxFloat64

// Problem carries the LP together with the column layout so a
// solution can be mapped back to generators and bus angles.
type Problem struct {
	LP *LinearProgram

	GenCol map[int]int // generator dense index -> column
	AngCol map[int]int // bus dense index -> column (slack excluded)
}

// BuildDC assembles the DC-OPF: generator outputs and non-slack bus
// angles as variables, nodal power balance as equality rows, branch
// flow limits and generator capability as bounds. cost holds the
// linear cost coefficient per generator dense index; cost modeling
// beyond that is the caller's concern.
func BuildDC(net *network.Network, b *nodal.DCModel, cost []float64) (*Problem, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if b.Size() != net.NumBuses() {
		return nil, fmt.Errorf("nodal model size %d does not match network size %d", b.Size(), net.NumBuses())
	}
	slack := net.SlackIndex()
	if slack == 0 {
		return nil, fmt.Errorf("no slack bus designated")
	}
	if len(cost) < net.NumGenerators()+1 {
		return nil, fmt.Errorf("cost vector too short: %d entries for %d generators", len(cost), net.NumGenerators())
	}

	lp := &LinearProgram{}
	p := &Problem{
		LP:     lp,
		GenCol: make(map[int]int),
		AngCol: make(map[int]int),
	}

	for _, gen := range net.Generators() {
		if !gen.InService {
			continue
		}
		p.GenCol[gen.Index] = lp.NumCols
		lp.ColCost = append(lp.ColCost, cost[gen.Index])
		lp.ColLower = append(lp.ColLower, gen.Pmin)
		lp.ColUpper = append(lp.ColUpper, gen.Pmax)
		lp.ColNames = append(lp.ColNames, fmt.Sprintf("Pg(%d)", gen.Label))
		lp.NumCols++
	}
	for _, bus := range net.Buses() {
		if bus.Index == slack {
			continue
		}
		p.AngCol[bus.Index] = lp.NumCols
		lp.ColCost = append(lp.ColCost, 0)
		lp.ColLower = append(lp.ColLower, -Inf)
		lp.ColUpper = append(lp.ColUpper, Inf)
		lp.ColNames = append(lp.ColNames, fmt.Sprintf("Va(%d)", bus.Label))
		lp.NumCols++
	}

	lp.AStart = append(lp.AStart, 0)

	// Nodal balance: sum(Pg at i) - sum_j B[i,j]*Va_j = demand + shunt + shift.
	for _, bus := range net.Buses() {
		i := bus.Index
		for _, gen := range net.Generators() {
			if gen.InService && gen.Bus == i {
				lp.AIndex = append(lp.AIndex, p.GenCol[gen.Index])
				lp.AValue = append(lp.AValue, 1)
			}
		}
		err := b.ForEachInRow(i, func(j int, v float64) {
			if col, ok := p.AngCol[j]; ok {
				lp.AIndex = append(lp.AIndex, col)
				lp.AValue = append(lp.AValue, -v)
			}
		})
		if err != nil {
			return nil, err
		}
		shift, err := b.ShiftInjection(i)
		if err != nil {
			return nil, err
		}

		rhs := bus.DemandP + bus.ShuntG + shift
		lp.RowLower = append(lp.RowLower, rhs)
		lp.RowUpper = append(lp.RowUpper, rhs)
		lp.RowNames = append(lp.RowNames, fmt.Sprintf("balance(%d)", bus.Label))
		lp.AStart = append(lp.AStart, len(lp.AIndex))
		lp.NumRows++
	}

	// Branch flow limits: -rate <= b*(Va_f - Va_t - shift) <= rate.
	for _, br := range net.Branches() {
		if !br.InService || br.RateA == 0 {
			continue
		}
		susc, err := b.BranchSusceptance(br.Index)
		if err != nil {
			return nil, err
		}
		if col, ok := p.AngCol[br.From]; ok {
			lp.AIndex = append(lp.AIndex, col)
			lp.AValue = append(lp.AValue, susc)
		}
		if col, ok := p.AngCol[br.To]; ok {
			lp.AIndex = append(lp.AIndex, col)
			lp.AValue = append(lp.AValue, -susc)
		}
		offset := susc * br.Shift
		lp.RowLower = append(lp.RowLower, -br.RateA+offset)
		lp.RowUpper = append(lp.RowUpper, br.RateA+offset)
		lp.RowNames = append(lp.RowNames, fmt.Sprintf("flow(%d)", br.Label))
		lp.AStart = append(lp.AStart, len(lp.AIndex))
		lp.NumRows++
	}

	return p, nil
}

// Dispatch extracts the generator outputs from a solved LP, indexed by
// generator dense index.
func (p *Problem) Dispatch(sol *Solution) ([]float64, error) {
	if !sol.IsOptimal() {
		return nil, fmt.Errorf("no optimal solution available")
	}
	if len(sol.ColValues) < p.LP.NumCols {
		return nil, fmt.Errorf("solution has %d columns, want %d", len(sol.ColValues), p.LP.NumCols)
	}
	dispatch := make([]float64, maxGenIndex(p)+1)
	for gi, col := range p.GenCol {
		dispatch[gi] = sol.ColValues[col]
	}
	return dispatch, nil
}

func maxGenIndex(p *Problem) int {
	max := 0
	for gi := range p.GenCol {
		if gi > max {
			max = gi
		}
	}
	return max
}

// Angles extracts the bus angle solution (rad), slack pinned to zero,
// indexed by bus dense index.
func (p *Problem) Angles(sol *Solution, size int) ([]float64, error) {
	if !sol.IsOptimal() {
		return nil, fmt.Errorf("no optimal solution available")
	}
	angles := make([]float64, size+1)
	for bus, col := range p.AngCol {
		angles[bus] = sol.ColValues[col]
	}
	return angles, nil
}
