package powerflow

import (
	"fmt"
	"math"

	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

// Metrics is the convergence metric pair reported after each step.
type Metrics struct {
	MaxP       float64 // largest absolute active mismatch (pu)
	MaxQ       float64 // largest absolute reactive mismatch (pu)
	Iterations int
}

func (m Metrics) Converged(tol float64) bool {
	return m.MaxP < tol && m.MaxQ < tol
}

// Solver is the single-step primitive contract. Step performs exactly
// one iteration; the driving loop owns the iteration cap and the
// convergence decision.
type Solver interface {
	Step() (Metrics, error)
	Metrics() Metrics
	Voltage() *Voltage
}

// Voltage is the polar voltage state shared by the solvers, 1-based by
// dense bus index.
type Voltage struct {
	Vm []float64
	Va []float64
}

func (v *Voltage) Complex(i int) complex128 {
	return complex(v.Vm[i]*math.Cos(v.Va[i]), v.Vm[i]*math.Sin(v.Va[i]))
}

// seedVoltage initializes magnitude from generator setpoints at
// generator-controlled buses and from bus defaults elsewhere, angle
// from bus defaults.
func seedVoltage(net *network.Network) *Voltage {
	n := net.NumBuses()
	v := &Voltage{
		Vm: make([]float64, n+1),
		Va: make([]float64, n+1),
	}
	for _, bus := range net.Buses() {
		v.Vm[bus.Index] = bus.Vm
		v.Va[bus.Index] = bus.Va
	}
	for _, gen := range net.Generators() {
		if !gen.InService {
			continue
		}
		bus := net.Bus(gen.Bus)
		if bus.Type == network.PV || bus.Type == network.Slack {
			v.Vm[bus.Index] = gen.Vset
		}
	}
	return v
}

// partition maps buses into the two reduced index spaces: angle rows
// for every non-slack bus, magnitude rows for PQ buses only. A PV bus
// without in-service generation is demoted to PQ before indexing.
type partition struct {
	size  int
	slack int

	isPQ []bool // effective type after demotion, 1-based

	angIdx []int // bus -> angle row, 0 = excluded (slack)
	angBus []int // angle row -> bus, 1-based rows
	magIdx []int // bus -> magnitude row, 0 = excluded
	magBus []int
}

func buildPartition(net *network.Network) (*partition, error) {
	size := net.NumBuses()
	if size == 0 {
		return nil, fmt.Errorf("network has no buses")
	}
	slack := net.SlackIndex()
	if slack == 0 {
		return nil, fmt.Errorf("no slack bus designated")
	}

	p := &partition{
		size:   size,
		slack:  slack,
		isPQ:   make([]bool, size+1),
		angIdx: make([]int, size+1),
		magIdx: make([]int, size+1),
		angBus: []int{0}, // keep rows 1-based
		magBus: []int{0},
	}

	for _, bus := range net.Buses() {
		switch bus.Type {
		case network.PQ:
			p.isPQ[bus.Index] = true
		case network.PV:
			// A bus cannot be voltage controlled without a generator.
			if !net.SupplyCapacity(bus.Index) {
				p.isPQ[bus.Index] = true
			}
		}
	}

	for i := 1; i <= size; i++ {
		if i == slack {
			continue
		}
		p.angBus = append(p.angBus, i)
		p.angIdx[i] = len(p.angBus) - 1
		if p.isPQ[i] {
			p.magBus = append(p.magBus, i)
			p.magIdx[i] = len(p.magBus) - 1
		}
	}
	return p, nil
}

func (p *partition) numAngle() int     { return len(p.angBus) - 1 }
func (p *partition) numMagnitude() int { return len(p.magBus) - 1 }

// specInjection returns the specified complex power injection at bus
// i: supply aggregate minus demand.
func specInjection(net *network.Network, i int) (p, q float64) {
	bus := net.Bus(i)
	return bus.SupplyP - bus.DemandP, bus.SupplyQ - bus.DemandQ
}

// calcInjection recomputes the injected power at bus i from the
// admittance row and the current voltage state.
func calcInjection(y *nodal.ACModel, volt *Voltage, i int) (p, q float64, err error) {
	vi := volt.Vm[i]
	ai := volt.Va[i]
	err = y.ForEachInRow(i, func(k int, yik complex128) {
		g, b := real(yik), imag(yik)
		d := ai - volt.Va[k]
		vk := volt.Vm[k]
		p += vi * vk * (g*math.Cos(d) + b*math.Sin(d))
		q += vi * vk * (g*math.Sin(d) - b*math.Cos(d))
	})
	return p, q, err
}

// mismatch evaluates the power mismatch vectors over the reduced index
// spaces and the convergence metric pair.
func mismatch(net *network.Network, y *nodal.ACModel, part *partition, volt *Voltage) (dP, dQ []float64, met Metrics, err error) {
	dP = make([]float64, part.numAngle()+1)
	dQ = make([]float64, part.numMagnitude()+1)

	for r := 1; r <= part.numAngle(); r++ {
		i := part.angBus[r]
		pc, qc, cerr := calcInjection(y, volt, i)
		if cerr != nil {
			return nil, nil, met, cerr
		}
		ps, qs := specInjection(net, i)

		dP[r] = ps - pc
		met.MaxP = math.Max(met.MaxP, math.Abs(dP[r]))

		if m := part.magIdx[i]; m != 0 {
			dQ[m] = qs - qc
			met.MaxQ = math.Max(met.MaxQ, math.Abs(dQ[m]))
		}
	}
	return dP, dQ, met, nil
}

// Run is the external driving loop: it repeats the single-step
// primitive until both mismatch metrics drop below tol or the
// iteration cap is hit.
func Run(s Solver, tol float64, maxIter int) (Metrics, error) {
	var met Metrics
	var err error

	for iter := 0; iter < maxIter; iter++ {
		met, err = s.Step()
		if err != nil {
			return met, err
		}
		if met.Converged(tol) {
			return met, nil
		}
	}
	return met, fmt.Errorf("failed to converge in %d iterations", maxIter)
}
