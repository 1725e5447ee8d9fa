package powerflow

import (
	"fmt"
	"math/cmplx"

	"github.com/edp1096/toy-grid/pkg/matrix"
	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

type FDVariant int

const (
	// XB drops resistance from B' (the active/angle matrix) and keeps
	// the full susceptance build for B''.
	XB FDVariant = iota
	// BX keeps resistance in B' and drops it from B''.
	BX
)

func (v FDVariant) String() string {
	if v == BX {
		return "BX"
	}
	return "XB"
}

// FastDecoupled iterates the B'/B'' split. Both matrices are built
// once from branch susceptance data and factorized once; every
// iteration reuses the triangular factors against a fresh mismatch
// right-hand side.
type FastDecoupled struct {
	net     *network.Network
	y       *nodal.ACModel
	part    *partition
	volt    *Voltage
	variant FDVariant

	bp  *matrix.SystemMatrix // active/angle system, nil when empty
	bpp *matrix.SystemMatrix // reactive/magnitude system, nil when empty

	metrics Metrics
}

func NewFastDecoupled(net *network.Network, y *nodal.ACModel, variant FDVariant) (*FastDecoupled, error) {
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

	fd := &FastDecoupled{
		net:     net,
		y:       y,
		part:    part,
		volt:    seedVoltage(net),
		variant: variant,
	}
	if err := fd.buildMatrices(); err != nil {
		return nil, err
	}
	return fd, nil
}

// fdSusceptances computes the negated imaginary parts of the pi-model
// corner terms under the B'/B'' simplifications. zeroR drops series
// resistance, zeroCharging drops the line charging, unitTap cancels
// the turns ratio, zeroShift drops the phase shift.
func fdSusceptances(br *network.Branch, zeroR, zeroCharging, unitTap, zeroShift bool) (bff, bft, btf, btt float64) {
	r := br.R
	if zeroR {
		r = 0
	}
	g, b := br.G, br.B
	if zeroCharging {
		g, b = 0, 0
	}
	ratio := br.Ratio
	if unitTap {
		ratio = 1
	}
	shift := br.Shift
	if zeroShift {
		shift = 0
	}

	ys := 1 / complex(r, br.X)
	t := cmplx.Rect(1/ratio, -shift)

	ytt := ys + complex(g/2, b/2)
	yff := ytt / complex(ratio*ratio, 0)
	yft := -cmplx.Conj(t) * ys
	ytf := -t * ys

	return -imag(yff), -imag(yft), -imag(ytf), -imag(ytt)
}

func (fd *FastDecoupled) buildMatrices() error {
	part := fd.part
	var err error

	if n := part.numAngle(); n > 0 {
		fd.bp, err = matrix.New(n)
		if err != nil {
			return fmt.Errorf("creating B': %v", err)
		}
		// B': bus shunts and line charging dropped, taps cancelled,
		// phase shift kept. The XB variant also drops resistance.
		for _, br := range fd.net.Branches() {
			if !br.InService {
				continue
			}
			bff, bft, btf, btt := fdSusceptances(br, fd.variant == XB, true, true, false)
			fd.stamp(fd.bp, part.angIdx, br, bff, bft, btf, btt)
		}
	}

	if n := part.numMagnitude(); n > 0 {
		fd.bpp, err = matrix.New(n)
		if err != nil {
			return fmt.Errorf("creating B'': %v", err)
		}
		// B'': full branch build with the phase shift dropped, plus
		// bus shunts. The BX variant drops resistance here instead.
		for _, br := range fd.net.Branches() {
			if !br.InService {
				continue
			}
			bff, bft, btf, btt := fdSusceptances(br, fd.variant == BX, false, false, true)
			fd.stamp(fd.bpp, part.magIdx, br, bff, bft, btf, btt)
		}
		for _, bus := range fd.net.Buses() {
			if m := part.magIdx[bus.Index]; m != 0 {
				fd.bpp.AddElement(m, m, -bus.ShuntB)
			}
		}
	}
	return nil
}

func (fd *FastDecoupled) stamp(sys *matrix.SystemMatrix, idx []int, br *network.Branch, bff, bft, btf, btt float64) {
	f, t := idx[br.From], idx[br.To]
	if f != 0 {
		sys.AddElement(f, f, bff)
		if t != 0 {
			sys.AddElement(f, t, bft)
		}
	}
	if t != 0 {
		if f != 0 {
			sys.AddElement(t, f, btf)
		}
		sys.AddElement(t, t, btt)
	}
}

func (fd *FastDecoupled) Voltage() *Voltage { return fd.volt }

func (fd *FastDecoupled) Metrics() Metrics { return fd.metrics }

// Step runs one half-iteration pair: angle correction from B', then
// magnitude correction from B'', each against the freshly evaluated
// mismatch scaled by voltage magnitude.
func (fd *FastDecoupled) Step() (Metrics, error) {
	if !fd.y.Valid() {
		return fd.metrics, fmt.Errorf("nodal model invalidated; rebuild required")
	}

	part := fd.part

	if fd.bp != nil {
		dP, _, _, err := mismatch(fd.net, fd.y, part, fd.volt)
		if err != nil {
			return fd.metrics, err
		}
		for r := 1; r <= part.numAngle(); r++ {
			fd.bp.SetRHS(r, dP[r]/fd.volt.Vm[part.angBus[r]])
		}
		if err := fd.bp.Solve(); err != nil {
			return fd.metrics, fmt.Errorf("B' solve failed: %v", err)
		}
		sol := fd.bp.Solution()
		for r := 1; r <= part.numAngle(); r++ {
			fd.volt.Va[part.angBus[r]] += sol[r]
		}
	}

	if fd.bpp != nil {
		_, dQ, _, err := mismatch(fd.net, fd.y, part, fd.volt)
		if err != nil {
			return fd.metrics, err
		}
		for m := 1; m <= part.numMagnitude(); m++ {
			fd.bpp.SetRHS(m, dQ[m]/fd.volt.Vm[part.magBus[m]])
		}
		if err := fd.bpp.Solve(); err != nil {
			return fd.metrics, fmt.Errorf("B'' solve failed: %v", err)
		}
		sol := fd.bpp.Solution()
		for m := 1; m <= part.numMagnitude(); m++ {
			fd.volt.Vm[part.magBus[m]] += sol[m]
		}
	}

	_, _, met, err := mismatch(fd.net, fd.y, part, fd.volt)
	if err != nil {
		return fd.metrics, err
	}
	met.Iterations = fd.metrics.Iterations + 1
	fd.metrics = met
	return fd.metrics, nil
}
