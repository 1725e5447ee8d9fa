package network

import (
	"fmt"

	"github.com/edp1096/toy-grid/internal/consts"
)

type BusType int

const (
	PQ    BusType = iota + 1 // demand bus: P, Q fixed
	PV                       // generator bus: P, |V| fixed
	Slack                    // reference bus: |V|, angle fixed
)

func (t BusType) String() string {
	switch t {
	case PQ:
		return "PQ"
	case PV:
		return "PV"
	case Slack:
		return "slack"
	}
	return fmt.Sprintf("BusType(%d)", int(t))
}

type Bus struct {
	Label int
	Index int // dense 1..N
	Type  BusType

	DemandP float64 // active load (pu)
	DemandQ float64 // reactive load (pu)
	ShuntG  float64 // shunt conductance (pu)
	ShuntB  float64 // shunt susceptance (pu)

	Vm   float64 // voltage magnitude (pu), default/seed
	Va   float64 // voltage angle (rad)
	Vmax float64
	Vmin float64

	// Aggregate of in-service generator output at this bus.
	// Maintained incrementally by generator mutations, never recomputed.
	SupplyP float64
	SupplyQ float64
}

type Branch struct {
	Label int
	Index int // dense 1..M
	From  int // dense bus index
	To    int

	R     float64 // series resistance (pu)
	X     float64 // series reactance (pu)
	G     float64 // total line charging conductance (pu)
	B     float64 // total line charging susceptance (pu)
	Ratio float64 // turns ratio, 1.0 for a plain line
	Shift float64 // phase shift angle (rad)

	InService bool
	RateA     float64 // flow limit (pu), 0 = unlimited
}

type Generator struct {
	Label int
	Index int // dense 1..G
	Bus   int // dense bus index

	P    float64 // active output (pu)
	Q    float64 // reactive output (pu)
	Vset float64 // voltage setpoint (pu)

	Pmax float64
	Pmin float64
	Qmax float64 // 0 with Qmin 0 means unbounded
	Qmin float64

	InService bool
}

// Observer receives topology-change signals from the Network. A bus
// addition changes the matrix dimension and cannot be patched; branch
// and shunt changes are patchable in place.
type Observer interface {
	BusAdded(index int)
	BranchAdded(index int)
	BranchChanged(index int)
	ShuntChanged(index int)
}

type Network struct {
	Name    string
	BaseMVA float64

	buses     []*Bus
	branches  []*Branch
	gens      []*Generator
	busIdx    map[int]int // label -> dense index
	branchIdx map[int]int
	genIdx    map[int]int
	slack     int // dense index of slack bus, 0 = none designated

	observers []Observer
}

func New(name string) *Network {
	return &Network{
		Name:      name,
		BaseMVA:   consts.BASEMVA,
		busIdx:    make(map[int]int),
		branchIdx: make(map[int]int),
		genIdx:    make(map[int]int),
	}
}

func (n *Network) Watch(obs Observer) {
	n.observers = append(n.observers, obs)
}

func (n *Network) Unwatch(obs Observer) {
	for i, o := range n.observers {
		if o == obs {
			n.observers = append(n.observers[:i], n.observers[i+1:]...)
			return
		}
	}
}

type BusParams struct {
	Type    BusType
	DemandP float64
	DemandQ float64
	ShuntG  float64
	ShuntB  float64
	Vm      float64
	Va      float64
	Vmax    float64
	Vmin    float64
}

func (n *Network) AddBus(label int, params BusParams) (*Bus, error) {
	if _, exists := n.busIdx[label]; exists {
		return nil, fmt.Errorf("bus %d: duplicate label", label)
	}
	switch params.Type {
	case PQ, PV:
	case Slack:
		if n.slack != 0 {
			return nil, fmt.Errorf("bus %d: slack already designated at bus %d", label, n.buses[n.slack-1].Label)
		}
	default:
		return nil, fmt.Errorf("bus %d: invalid bus type %d", label, int(params.Type))
	}

	vm := params.Vm
	if vm == 0 {
		vm = consts.FLATV
	}

	bus := &Bus{
		Label:   label,
		Index:   len(n.buses) + 1,
		Type:    params.Type,
		DemandP: params.DemandP,
		DemandQ: params.DemandQ,
		ShuntG:  params.ShuntG,
		ShuntB:  params.ShuntB,
		Vm:      vm,
		Va:      params.Va,
		Vmax:    params.Vmax,
		Vmin:    params.Vmin,
	}
	n.buses = append(n.buses, bus)
	n.busIdx[label] = bus.Index
	if params.Type == Slack {
		n.slack = bus.Index
	}

	for _, obs := range n.observers {
		obs.BusAdded(bus.Index)
	}
	return bus, nil
}

type BranchParams struct {
	From  int // bus label
	To    int // bus label
	R     float64
	X     float64
	G     float64
	B     float64
	Ratio float64 // 0 is treated as 1.0
	Shift float64
	RateA float64

	OutOfService bool
}

func (n *Network) AddBranch(label int, params BranchParams) (*Branch, error) {
	if _, exists := n.branchIdx[label]; exists {
		return nil, fmt.Errorf("branch %d: duplicate label", label)
	}
	from, ok := n.busIdx[params.From]
	if !ok {
		return nil, fmt.Errorf("branch %d: from bus %d does not exist", label, params.From)
	}
	to, ok := n.busIdx[params.To]
	if !ok {
		return nil, fmt.Errorf("branch %d: to bus %d does not exist", label, params.To)
	}
	if from == to {
		return nil, fmt.Errorf("branch %d: endpoints must differ", label)
	}
	if params.R == 0 && params.X == 0 {
		return nil, fmt.Errorf("branch %d: zero impedance", label)
	}

	ratio := params.Ratio
	if ratio == 0 {
		ratio = 1.0
	}

	br := &Branch{
		Label:     label,
		Index:     len(n.branches) + 1,
		From:      from,
		To:        to,
		R:         params.R,
		X:         params.X,
		G:         params.G,
		B:         params.B,
		Ratio:     ratio,
		Shift:     params.Shift,
		InService: !params.OutOfService,
		RateA:     params.RateA,
	}
	n.branches = append(n.branches, br)
	n.branchIdx[label] = br.Index

	for _, obs := range n.observers {
		obs.BranchAdded(br.Index)
	}
	return br, nil
}

type GeneratorParams struct {
	Bus  int // bus label
	P    float64
	Q    float64
	Vset float64
	Pmax float64
	Pmin float64
	Qmax float64
	Qmin float64

	OutOfService bool
}

func (n *Network) AddGenerator(label int, params GeneratorParams) (*Generator, error) {
	if _, exists := n.genIdx[label]; exists {
		return nil, fmt.Errorf("generator %d: duplicate label", label)
	}
	busIdx, ok := n.busIdx[params.Bus]
	if !ok {
		return nil, fmt.Errorf("generator %d: bus %d does not exist", label, params.Bus)
	}

	vset := params.Vset
	if vset == 0 {
		vset = consts.FLATV
	}

	gen := &Generator{
		Label:     label,
		Index:     len(n.gens) + 1,
		Bus:       busIdx,
		P:         params.P,
		Q:         params.Q,
		Vset:      vset,
		Pmax:      params.Pmax,
		Pmin:      params.Pmin,
		Qmax:      params.Qmax,
		Qmin:      params.Qmin,
		InService: !params.OutOfService,
	}
	n.gens = append(n.gens, gen)
	n.genIdx[label] = gen.Index

	if gen.InService {
		bus := n.buses[busIdx-1]
		bus.SupplyP += gen.P
		bus.SupplyQ += gen.Q
	}
	return gen, nil
}

func (n *Network) NumBuses() int      { return len(n.buses) }
func (n *Network) NumBranches() int   { return len(n.branches) }
func (n *Network) NumGenerators() int { return len(n.gens) }

// SlackIndex returns the dense index of the slack bus, 0 if none.
func (n *Network) SlackIndex() int { return n.slack }

func (n *Network) Buses() []*Bus            { return n.buses }
func (n *Network) Branches() []*Branch      { return n.branches }
func (n *Network) Generators() []*Generator { return n.gens }

// Bus returns the bus at dense index i (1-based).
func (n *Network) Bus(i int) *Bus { return n.buses[i-1] }

func (n *Network) Branch(i int) *Branch { return n.branches[i-1] }

func (n *Network) Generator(i int) *Generator { return n.gens[i-1] }

func (n *Network) BusByLabel(label int) (*Bus, error) {
	idx, ok := n.busIdx[label]
	if !ok {
		return nil, fmt.Errorf("bus %d does not exist", label)
	}
	return n.buses[idx-1], nil
}

func (n *Network) BranchByLabel(label int) (*Branch, error) {
	idx, ok := n.branchIdx[label]
	if !ok {
		return nil, fmt.Errorf("branch %d does not exist", label)
	}
	return n.branches[idx-1], nil
}

func (n *Network) GeneratorByLabel(label int) (*Generator, error) {
	idx, ok := n.genIdx[label]
	if !ok {
		return nil, fmt.Errorf("generator %d does not exist", label)
	}
	return n.gens[idx-1], nil
}

// SupplyCapacity reports whether bus i has any in-service generator.
func (n *Network) SupplyCapacity(i int) bool {
	for _, g := range n.gens {
		if g.Bus == i && g.InService {
			return true
		}
	}
	return false
}
