package powerflow

import (
	"fmt"
	"math/cmplx"

	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

// GaussSeidel sweeps the buses in index order, updating the complex
// voltage in place so later buses see the fresh values of earlier
// ones within the same sweep.
type GaussSeidel struct {
	net  *network.Network
	y    *nodal.ACModel
	part *partition
	volt *Voltage

	vc   []complex128 // working complex voltage, 1-based
	vset []float64    // magnitude setpoints held at PV buses

	metrics Metrics
}

func NewGaussSeidel(net *network.Network, y *nodal.ACModel) (*GaussSeidel, error) {
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

	gs := &GaussSeidel{
		net:  net,
		y:    y,
		part: part,
		volt: seedVoltage(net),
		vc:   make([]complex128, net.NumBuses()+1),
		vset: make([]float64, net.NumBuses()+1),
	}
	for i := 1; i <= part.size; i++ {
		gs.vc[i] = gs.volt.Complex(i)
		gs.vset[i] = gs.volt.Vm[i]
	}
	return gs, nil
}

func (gs *GaussSeidel) Voltage() *Voltage { return gs.volt }

func (gs *GaussSeidel) Metrics() Metrics { return gs.metrics }

// Step runs one full sweep and re-evaluates the mismatch metrics.
func (gs *GaussSeidel) Step() (Metrics, error) {
	if !gs.y.Valid() {
		return gs.metrics, fmt.Errorf("nodal model invalidated; rebuild required")
	}

	part := gs.part
	for i := 1; i <= part.size; i++ {
		if i == part.slack {
			continue
		}
		if err := gs.updateBus(i, part.isPQ[i]); err != nil {
			return gs.metrics, err
		}
	}

	// Write the polar state back before evaluating convergence.
	for i := 1; i <= part.size; i++ {
		gs.volt.Vm[i] = cmplx.Abs(gs.vc[i])
		gs.volt.Va[i] = cmplx.Phase(gs.vc[i])
	}

	_, _, met, err := mismatch(gs.net, gs.y, part, gs.volt)
	if err != nil {
		return gs.metrics, err
	}
	met.Iterations = gs.metrics.Iterations + 1
	gs.metrics = met
	return gs.metrics, nil
}

func (gs *GaussSeidel) updateBus(i int, isPQ bool) error {
	var sum, yii complex128
	err := gs.y.ForEachInRow(i, func(k int, yik complex128) {
		sum += yik * gs.vc[k]
		if k == i {
			yii = yik
		}
	})
	if err != nil {
		return err
	}
	if yii == 0 {
		return fmt.Errorf("bus %d: zero diagonal admittance", i)
	}

	ps, qs := specInjection(gs.net, i)
	if !isPQ {
		// PV: only magnitude is held, so use the reactive power the
		// current voltage actually injects.
		qs = imag(gs.vc[i] * cmplx.Conj(sum))
	}

	s := complex(ps, qs)
	gs.vc[i] += (cmplx.Conj(s/gs.vc[i]) - sum) / yii

	if !isPQ {
		// Snap the magnitude back to the setpoint, keep the angle.
		gs.vc[i] = cmplx.Rect(gs.vset[i], cmplx.Phase(gs.vc[i]))
	}
	return nil
}
