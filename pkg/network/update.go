package network

import (
	"fmt"
)

// Update structs use pointer fields: nil leaves the parameter untouched.
// An update that changes nothing emits no topology signal, so an
// already-built nodal model stays bit-identical.

type BusUpdate struct {
	Type    *BusType
	DemandP *float64
	DemandQ *float64
	ShuntG  *float64
	ShuntB  *float64
	Vm      *float64
	Va      *float64
	Vmax    *float64
	Vmin    *float64
}

func (n *Network) UpdateBus(label int, upd BusUpdate) error {
	bus, err := n.BusByLabel(label)
	if err != nil {
		return err
	}

	if upd.Type != nil && *upd.Type != bus.Type {
		switch *upd.Type {
		case PQ, PV:
		case Slack:
			if n.slack != 0 && n.slack != bus.Index {
				return fmt.Errorf("bus %d: slack already designated at bus %d", label, n.buses[n.slack-1].Label)
			}
		default:
			return fmt.Errorf("bus %d: invalid bus type %d", label, int(*upd.Type))
		}
		if bus.Type == Slack {
			n.slack = 0
		}
		bus.Type = *upd.Type
		if bus.Type == Slack {
			n.slack = bus.Index
		}
	}

	if upd.DemandP != nil {
		bus.DemandP = *upd.DemandP
	}
	if upd.DemandQ != nil {
		bus.DemandQ = *upd.DemandQ
	}
	if upd.Vm != nil {
		bus.Vm = *upd.Vm
	}
	if upd.Va != nil {
		bus.Va = *upd.Va
	}
	if upd.Vmax != nil {
		bus.Vmax = *upd.Vmax
	}
	if upd.Vmin != nil {
		bus.Vmin = *upd.Vmin
	}

	shuntChanged := false
	if upd.ShuntG != nil && *upd.ShuntG != bus.ShuntG {
		bus.ShuntG = *upd.ShuntG
		shuntChanged = true
	}
	if upd.ShuntB != nil && *upd.ShuntB != bus.ShuntB {
		bus.ShuntB = *upd.ShuntB
		shuntChanged = true
	}
	if shuntChanged {
		for _, obs := range n.observers {
			obs.ShuntChanged(bus.Index)
		}
	}
	return nil
}

type BranchUpdate struct {
	R         *float64
	X         *float64
	G         *float64
	B         *float64
	Ratio     *float64
	Shift     *float64
	RateA     *float64
	InService *bool
}

func (n *Network) UpdateBranch(label int, upd BranchUpdate) error {
	br, err := n.BranchByLabel(label)
	if err != nil {
		return err
	}

	// Validate before committing anything.
	r, x := br.R, br.X
	if upd.R != nil {
		r = *upd.R
	}
	if upd.X != nil {
		x = *upd.X
	}
	if r == 0 && x == 0 {
		return fmt.Errorf("branch %d: zero impedance", label)
	}
	if upd.Ratio != nil && *upd.Ratio == 0 {
		return fmt.Errorf("branch %d: zero turns ratio", label)
	}

	changed := false
	set := func(dst *float64, src *float64) {
		if src != nil && *src != *dst {
			*dst = *src
			changed = true
		}
	}
	set(&br.R, upd.R)
	set(&br.X, upd.X)
	set(&br.G, upd.G)
	set(&br.B, upd.B)
	set(&br.Ratio, upd.Ratio)
	set(&br.Shift, upd.Shift)
	if upd.RateA != nil {
		br.RateA = *upd.RateA // rating is not part of the nodal model
	}
	if upd.InService != nil && *upd.InService != br.InService {
		br.InService = *upd.InService
		changed = true
	}

	if changed {
		for _, obs := range n.observers {
			obs.BranchChanged(br.Index)
		}
	}
	return nil
}

// SetBranchStatus toggles a branch in or out of service.
func (n *Network) SetBranchStatus(label int, inService bool) error {
	return n.UpdateBranch(label, BranchUpdate{InService: &inService})
}

type GeneratorUpdate struct {
	P         *float64
	Q         *float64
	Vset      *float64
	Pmax      *float64
	Pmin      *float64
	Qmax      *float64
	Qmin      *float64
	InService *bool
}

func (n *Network) UpdateGenerator(label int, upd GeneratorUpdate) error {
	gen, err := n.GeneratorByLabel(label)
	if err != nil {
		return err
	}
	bus := n.buses[gen.Bus-1]

	// Remove the old contribution from the bus aggregate, mutate, then
	// add the new one back. Keeps the supply invariant without a rescan.
	if gen.InService {
		bus.SupplyP -= gen.P
		bus.SupplyQ -= gen.Q
	}

	if upd.P != nil {
		gen.P = *upd.P
	}
	if upd.Q != nil {
		gen.Q = *upd.Q
	}
	if upd.Vset != nil {
		gen.Vset = *upd.Vset
	}
	if upd.Pmax != nil {
		gen.Pmax = *upd.Pmax
	}
	if upd.Pmin != nil {
		gen.Pmin = *upd.Pmin
	}
	if upd.Qmax != nil {
		gen.Qmax = *upd.Qmax
	}
	if upd.Qmin != nil {
		gen.Qmin = *upd.Qmin
	}
	if upd.InService != nil {
		gen.InService = *upd.InService
	}

	if gen.InService {
		bus.SupplyP += gen.P
		bus.SupplyQ += gen.Q
	}
	return nil
}

// SetGeneratorStatus toggles a generator in or out of service,
// adjusting the host bus supply aggregate symmetrically.
func (n *Network) SetGeneratorStatus(label int, inService bool) error {
	return n.UpdateGenerator(label, GeneratorUpdate{InService: &inService})
}
