package powerflow

import (
	"fmt"
	"math"

	"github.com/edp1096/toy-grid/pkg/matrix"
	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

// DCPowerFlow solves the linear B*theta system once. The slack row and
// column are left out of the stamped solve matrix and the slack
// diagonal pinned to 1, which keeps the system well posed without
// resizing; the cached nodal B matrix is never touched.
type DCPowerFlow struct {
	net  *network.Network
	b    *nodal.DCModel
	part *partition
	volt *Voltage

	solved  bool
	metrics Metrics
}

func NewDC(net *network.Network, b *nodal.DCModel) (*DCPowerFlow, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("nodal model invalidated; rebuild required")
	}
	if b.Size() != net.NumBuses() {
		return nil, fmt.Errorf("nodal model size %d does not match network size %d", b.Size(), net.NumBuses())
	}

	part, err := buildPartition(net)
	if err != nil {
		return nil, err
	}

	return &DCPowerFlow{
		net:  net,
		b:    b,
		part: part,
		volt: seedVoltage(net),
	}, nil
}

func (d *DCPowerFlow) Voltage() *Voltage { return d.volt }

func (d *DCPowerFlow) Metrics() Metrics { return d.metrics }

func (d *DCPowerFlow) Solved() bool { return d.solved }

// Step satisfies the single-step contract; the DC solve is
// non-iterative so one step completes the solution.
func (d *DCPowerFlow) Step() (Metrics, error) {
	if err := d.Solve(); err != nil {
		return d.metrics, err
	}
	return d.metrics, nil
}

func (d *DCPowerFlow) Solve() error {
	if !d.b.Valid() {
		return fmt.Errorf("nodal model invalidated; rebuild required")
	}

	size := d.part.size
	slack := d.part.slack

	sys, err := matrix.New(size)
	if err != nil {
		return fmt.Errorf("creating DC solve matrix: %v", err)
	}
	defer sys.Destroy()

	for i := 1; i <= size; i++ {
		if i == slack {
			continue
		}
		err := d.b.ForEachInRow(i, func(j int, v float64) {
			if j == slack {
				return
			}
			sys.AddElement(i, j, v)
		})
		if err != nil {
			return err
		}
		rhs, err := d.injection(i)
		if err != nil {
			return err
		}
		sys.SetRHS(i, rhs)
	}
	sys.AddElement(slack, slack, 1.0)

	if err := sys.Solve(); err != nil {
		return fmt.Errorf("DC solve failed: %v", err)
	}
	sol := sys.Solution()

	slackVa := d.net.Bus(slack).Va
	for i := 1; i <= size; i++ {
		d.volt.Va[i] = sol[i] + slackVa
	}
	d.volt.Va[slack] = slackVa

	// Residual check doubles as the reported metric.
	var met Metrics
	for i := 1; i <= size; i++ {
		if i == slack {
			continue
		}
		var acc float64
		err := d.b.ForEachInRow(i, func(j int, v float64) {
			acc += v * sol[j]
		})
		if err != nil {
			return err
		}
		rhs, err := d.injection(i)
		if err != nil {
			return err
		}
		met.MaxP = math.Max(met.MaxP, math.Abs(rhs-acc))
	}
	met.Iterations = 1
	d.metrics = met
	d.solved = true
	return nil
}

// injection is the constant-power right-hand side at bus i: supply
// minus demand, minus the shunt conductance draw, minus the phase
// shifter injection.
func (d *DCPowerFlow) injection(i int) (float64, error) {
	shift, err := d.b.ShiftInjection(i)
	if err != nil {
		return 0, err
	}
	bus := d.net.Bus(i)
	return bus.SupplyP - bus.DemandP - bus.ShuntG - shift, nil
}

// SlackPower returns the active power the slack bus absorbs, computed
// from the solved angles over the slack's admittance row.
func (d *DCPowerFlow) SlackPower() (float64, error) {
	if !d.solved {
		return 0, fmt.Errorf("no solution available; run Solve first")
	}
	slack := d.part.slack
	slackVa := d.net.Bus(slack).Va

	var acc float64
	err := d.b.ForEachInRow(slack, func(j int, v float64) {
		acc += v * (d.volt.Va[j] - slackVa)
	})
	if err != nil {
		return 0, err
	}
	shift, err := d.b.ShiftInjection(slack)
	if err != nil {
		return 0, err
	}
	bus := d.net.Bus(slack)
	return acc + shift + bus.ShuntG + bus.DemandP, nil
}
