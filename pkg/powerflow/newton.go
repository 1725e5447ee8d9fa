package powerflow

import (
	"fmt"
	"math"

	"github.com/edp1096/toy-grid/pkg/matrix"
	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

// NewtonRaphson iterates the full polar-form Jacobian. The reduced
// system stacks the active/angle rows for every non-slack bus on top
// of the reactive/magnitude rows for PQ buses.
type NewtonRaphson struct {
	net  *network.Network
	y    *nodal.ACModel
	part *partition
	volt *Voltage

	sys *matrix.SystemMatrix // nil when the reduced system is empty

	pcalc []float64
	qcalc []float64

	metrics Metrics
}

func NewNewtonRaphson(net *network.Network, y *nodal.ACModel) (*NewtonRaphson, error) {
	if !y.Valid() {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if y.Size() != net.NumBuses() {
		return nil, fmt.Errorf("nodal model size %d does not match network size %d", y.Size(), net.NumBuses())
	}

	part, err := buildPartition(net)
	if err != nil {
		return nil, err
	}

	nr := &NewtonRaphson{
		net:   net,
		y:     y,
		part:  part,
		volt:  seedVoltage(net),
		pcalc: make([]float64, net.NumBuses()+1),
		qcalc: make([]float64, net.NumBuses()+1),
	}

	if n := part.numAngle() + part.numMagnitude(); n > 0 {
		nr.sys, err = matrix.New(n)
		if err != nil {
			return nil, fmt.Errorf("creating Jacobian: %v", err)
		}
	}
	return nr, nil
}

func (nr *NewtonRaphson) Voltage() *Voltage { return nr.volt }

func (nr *NewtonRaphson) Metrics() Metrics { return nr.metrics }

// Step performs exactly one Newton iteration: fill the Jacobian at the
// current voltage, solve against the mismatch vector, apply the angle
// and magnitude increments, then re-evaluate the mismatch metrics.
func (nr *NewtonRaphson) Step() (Metrics, error) {
	if !nr.y.Valid() {
		return nr.metrics, fmt.Errorf("nodal model invalidated; rebuild required")
	}

	part := nr.part
	n1 := part.numAngle()

	if nr.sys == nil { // nothing but the slack bus
		nr.metrics.Iterations++
		return nr.metrics, nil
	}

	if err := nr.updateCalc(); err != nil {
		return nr.metrics, err
	}

	nr.sys.Clear()
	for r := 1; r <= n1; r++ {
		i := part.angBus[r]
		if err := nr.stampRow(i); err != nil {
			return nr.metrics, err
		}

		ps, qs := specInjection(nr.net, i)
		nr.sys.SetRHS(r, ps-nr.pcalc[i])
		if m := part.magIdx[i]; m != 0 {
			nr.sys.SetRHS(n1+m, qs-nr.qcalc[i])
		}
	}

	if err := nr.sys.Solve(); err != nil {
		return nr.metrics, fmt.Errorf("Jacobian solve failed: %v", err)
	}

	sol := nr.sys.Solution()
	for r := 1; r <= n1; r++ {
		i := part.angBus[r]
		nr.volt.Va[i] += sol[r]
	}
	for m := 1; m <= part.numMagnitude(); m++ {
		i := part.magBus[m]
		nr.volt.Vm[i] += sol[n1+m]
	}

	_, _, met, err := mismatch(nr.net, nr.y, part, nr.volt)
	if err != nil {
		return nr.metrics, err
	}
	met.Iterations = nr.metrics.Iterations + 1
	nr.metrics = met
	return nr.metrics, nil
}

func (nr *NewtonRaphson) updateCalc() error {
	for i := 1; i <= nr.part.size; i++ {
		p, q, err := calcInjection(nr.y, nr.volt, i)
		if err != nil {
			return err
		}
		nr.pcalc[i] = p
		nr.qcalc[i] = q
	}
	return nil
}

// stampRow fills the Jacobian entries contributed by bus i, walking
// the admittance row once. Diagonal entries fold the recomputed
// injections back in.
func (nr *NewtonRaphson) stampRow(i int) error {
	part := nr.part
	volt := nr.volt
	n1 := part.numAngle()

	r := part.angIdx[i]
	mi := part.magIdx[i]
	vi := volt.Vm[i]

	return nr.y.ForEachInRow(i, func(k int, yik complex128) {
		g, b := real(yik), imag(yik)

		if k == i {
			nr.sys.AddElement(r, r, -nr.qcalc[i]-b*vi*vi)
			if m := part.magIdx[i]; m != 0 {
				nr.sys.AddElement(r, n1+m, nr.pcalc[i]/vi+g*vi)
			}
			if mi != 0 {
				nr.sys.AddElement(n1+mi, r, nr.pcalc[i]-g*vi*vi)
				nr.sys.AddElement(n1+mi, n1+mi, nr.qcalc[i]/vi-b*vi)
			}
			return
		}

		d := volt.Va[i] - volt.Va[k]
		vk := volt.Vm[k]
		sin, cos := math.Sin(d), math.Cos(d)

		if c := part.angIdx[k]; c != 0 {
			nr.sys.AddElement(r, c, vi*vk*(g*sin-b*cos))
			if mi != 0 {
				nr.sys.AddElement(n1+mi, c, -vi*vk*(g*cos+b*sin))
			}
		}
		if m := part.magIdx[k]; m != 0 {
			nr.sys.AddElement(r, n1+m, vi*(g*cos+b*sin))
			if mi != 0 {
				nr.sys.AddElement(n1+mi, n1+m, vi*(g*sin-b*cos))
			}
		}
	})
}
