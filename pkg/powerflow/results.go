package powerflow

import (
	"fmt"
	"math/cmplx"

	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

// Post-solve power computation. These consume the solved voltage state
// together with the nodal model's cached coefficients; they reuse the
// same neighbor-sum pattern the mismatch evaluator runs on.

type BranchFlow struct {
	FromP float64 // power entering at the from end (pu)
	FromQ float64
	ToP   float64 // power entering at the to end (pu)
	ToQ   float64
}

func checkVoltage(volt *Voltage, size int) error {
	if volt == nil || len(volt.Vm) < size+1 || len(volt.Va) < size+1 {
		return fmt.Errorf("voltage state empty; run a solve first")
	}
	return nil
}

// ACInjections computes the complex power injected at every bus.
func ACInjections(y *nodal.ACModel, volt *Voltage) ([]complex128, error) {
	if !y.Valid() {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if err := checkVoltage(volt, y.Size()); err != nil {
		return nil, err
	}

	inj := make([]complex128, y.Size()+1)
	for i := 1; i <= y.Size(); i++ {
		var sum complex128
		err := y.ForEachInRow(i, func(k int, yik complex128) {
			sum += yik * volt.Complex(k)
		})
		if err != nil {
			return nil, err
		}
		inj[i] = volt.Complex(i) * cmplx.Conj(sum)
	}
	return inj, nil
}

// ACBranchFlows computes per-branch power entering each end from the
// cached corner terms. Out-of-service branches report zero flow.
func ACBranchFlows(net *network.Network, y *nodal.ACModel, volt *Voltage) ([]BranchFlow, error) {
	if !y.Valid() {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if err := checkVoltage(volt, y.Size()); err != nil {
		return nil, err
	}

	flows := make([]BranchFlow, net.NumBranches()+1)
	for _, br := range net.Branches() {
		yff, yft, ytf, ytt, err := y.BranchCorners(br.Index)
		if err != nil {
			return nil, err
		}
		vf := volt.Complex(br.From)
		vt := volt.Complex(br.To)

		sf := vf * cmplx.Conj(yff*vf+yft*vt)
		st := vt * cmplx.Conj(ytf*vf+ytt*vt)

		flows[br.Index] = BranchFlow{
			FromP: real(sf), FromQ: imag(sf),
			ToP: real(st), ToQ: imag(st),
		}
	}
	return flows, nil
}

// DCBranchFlows computes active flow at the from end of every branch
// under the DC linearization.
func DCBranchFlows(net *network.Network, b *nodal.DCModel, volt *Voltage) ([]float64, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if err := checkVoltage(volt, b.Size()); err != nil {
		return nil, err
	}

	flows := make([]float64, net.NumBranches()+1)
	for _, br := range net.Branches() {
		susc, err := b.BranchSusceptance(br.Index)
		if err != nil {
			return nil, err
		}
		if susc == 0 {
			continue
		}
		flows[br.Index] = susc * (volt.Va[br.From] - volt.Va[br.To] - br.Shift)
	}
	return flows, nil
}
