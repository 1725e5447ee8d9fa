package powerflow

import (
	"math"
	"testing"

	"github.com/edp1096/toy-grid/pkg/casefile"
	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
)

// twoBus is the smallest solvable system: a slack source feeding a
// single load over a lossless line.
func twoBus(t *testing.T) *network.Network {
	t.Helper()
	net := network.New("two bus")
	if _, err := net.AddBus(1, network.BusParams{Type: network.Slack, Vm: 1.0}); err != nil {
		t.Fatalf("adding bus 1: %v", err)
	}
	if _, err := net.AddBus(2, network.BusParams{Type: network.PQ, DemandP: 0.1}); err != nil {
		t.Fatalf("adding bus 2: %v", err)
	}
	if _, err := net.AddBranch(1, network.BranchParams{From: 1, To: 2, X: 0.1}); err != nil {
		t.Fatalf("adding branch: %v", err)
	}
	if _, err := net.AddGenerator(1, network.GeneratorParams{Bus: 1, Vset: 1.0}); err != nil {
		t.Fatalf("adding generator: %v", err)
	}
	return net
}

const ieee14 = `* IEEE 14-bus test case
.base 100
bus 1 slack vm=1.06
bus 2 pv pd=0.217 qd=0.127
bus 3 pv pd=0.942 qd=0.19
bus 4 pq pd=0.478 qd=-0.039
bus 5 pq pd=0.076 qd=0.016
bus 6 pv pd=0.112 qd=0.075
bus 7 pq
bus 8 pv
bus 9 pq pd=0.295 qd=0.166 bs=0.19
bus 10 pq pd=0.09 qd=0.058
bus 11 pq pd=0.035 qd=0.018
bus 12 pq pd=0.061 qd=0.016
bus 13 pq pd=0.135 qd=0.058
bus 14 pq pd=0.149 qd=0.05
branch 1 1 2 r=0.01938 x=0.05917 b=0.0528
branch 2 1 5 r=0.05403 x=0.22304 b=0.0492
branch 3 2 3 r=0.04699 x=0.19797 b=0.0438
branch 4 2 4 r=0.05811 x=0.17632 b=0.034
branch 5 2 5 r=0.05695 x=0.17388 b=0.0346
branch 6 3 4 r=0.06701 x=0.17103 b=0.0128
branch 7 4 5 r=0.01335 x=0.04211
branch 8 4 7 x=0.20912 ratio=0.978
branch 9 4 9 x=0.55618 ratio=0.969
branch 10 5 6 x=0.25202 ratio=0.932
branch 11 6 11 r=0.09498 x=0.1989
branch 12 6 12 r=0.12291 x=0.25581
branch 13 6 13 r=0.06615 x=0.13027
branch 14 7 8 x=0.17615
branch 15 7 9 x=0.11001
branch 16 9 10 r=0.03181 x=0.0845
branch 17 9 14 r=0.12711 x=0.27038
branch 18 10 11 r=0.08205 x=0.19207
branch 19 12 13 r=0.22092 x=0.19988
branch 20 13 14 r=0.17093 x=0.34802
gen 1 1 p=2.324 vset=1.06 pmax=3.324 qmax=10 qmin=-10
gen 2 2 p=0.4 vset=1.045 pmax=1.4 qmax=0.5 qmin=-0.4
gen 3 3 vset=1.01 pmax=1.0 qmax=0.4
gen 4 6 vset=1.07 pmax=1.0 qmax=0.24 qmin=-0.06
gen 5 8 vset=1.09 pmax=1.0 qmax=0.24 qmin=-0.06
.end
`

func buildIEEE14(t *testing.T) (*network.Network, *nodal.ACModel) {
	t.Helper()
	cs, err := casefile.Parse(ieee14)
	if err != nil {
		t.Fatalf("parsing case: %v", err)
	}
	net, err := cs.Build()
	if err != nil {
		t.Fatalf("building network: %v", err)
	}
	y, err := nodal.BuildAC(net)
	if err != nil {
		t.Fatalf("building nodal model: %v", err)
	}
	return net, y
}

func TestPartition(t *testing.T) {
	net := network.New("partition")
	net.AddBus(1, network.BusParams{Type: network.PQ})
	net.AddBus(2, network.BusParams{Type: network.Slack})
	net.AddBus(3, network.BusParams{Type: network.PV})
	net.AddBus(4, network.BusParams{Type: network.PV})
	net.AddGenerator(1, network.GeneratorParams{Bus: 3, Vset: 1.02})

	part, err := buildPartition(net)
	if err != nil {
		t.Fatalf("buildPartition: %v", err)
	}
	if part.numAngle() != 3 {
		t.Errorf("numAngle = %d, want 3", part.numAngle())
	}
	// Bus 4 declares PV but has no in-service generation, so it joins
	// the magnitude space alongside bus 1.
	if part.numMagnitude() != 2 {
		t.Errorf("numMagnitude = %d, want 2", part.numMagnitude())
	}
	if !part.isPQ[4] {
		t.Error("generatorless PV bus not demoted")
	}
	if part.isPQ[3] {
		t.Error("generator-backed PV bus demoted")
	}
	if part.angIdx[2] != 0 {
		t.Error("slack bus assigned an angle row")
	}

	if _, err := buildPartition(network.New("empty")); err == nil {
		t.Error("empty network accepted")
	}
	noSlack := network.New("no slack")
	noSlack.AddBus(1, network.BusParams{Type: network.PQ})
	if _, err := buildPartition(noSlack); err == nil {
		t.Error("network without slack accepted")
	}
}

func TestPartitionFixedAtConstruction(t *testing.T) {
	net := network.New("frozen partition")
	net.AddBus(1, network.BusParams{Type: network.Slack})
	net.AddBus(2, network.BusParams{Type: network.PV})
	net.AddBranch(1, network.BranchParams{From: 1, To: 2, X: 0.1})
	net.AddGenerator(1, network.GeneratorParams{Bus: 2, Vset: 1.02})

	y, err := nodal.BuildAC(net)
	if err != nil {
		t.Fatalf("BuildAC: %v", err)
	}
	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}
	if nr.part.numMagnitude() != 0 {
		t.Fatalf("PV bus assigned a magnitude row")
	}

	// Losing the generator after construction does not reshape the
	// existing solver; a new solver sees the demotion.
	if err := net.SetGeneratorStatus(1, false); err != nil {
		t.Fatalf("disabling generator: %v", err)
	}
	if nr.part.numMagnitude() != 0 {
		t.Error("existing solver repartitioned")
	}
	if _, err := Run(nr, 1e-10, 10); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if nr.Voltage().Vm[2] != 1.02 {
		t.Errorf("Vm[2] = %g, setpoint not held", nr.Voltage().Vm[2])
	}

	nr2, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}
	if nr2.part.numMagnitude() != 1 {
		t.Errorf("demoted bus missing from the magnitude space")
	}
}

func TestDCTwoBus(t *testing.T) {
	net := twoBus(t)
	b, err := nodal.BuildDC(net)
	if err != nil {
		t.Fatalf("BuildDC: %v", err)
	}
	dc, err := NewDC(net, b)
	if err != nil {
		t.Fatalf("NewDC: %v", err)
	}

	if _, err := dc.SlackPower(); err == nil {
		t.Error("SlackPower succeeded before Solve")
	}

	if err := dc.Solve(); err != nil {
		t.Fatalf("Solve: %v", err)
	}

	// b = 1/0.1 = 10, so theta2 = -P/b = -0.01 rad exactly.
	va2 := dc.Voltage().Va[2]
	if math.Abs(va2+0.01) > 1e-12 {
		t.Errorf("Va[2] = %g, want -0.01", va2)
	}

	slackP, err := dc.SlackPower()
	if err != nil {
		t.Fatalf("SlackPower: %v", err)
	}
	if math.Abs(slackP-0.1) > 1e-12 {
		t.Errorf("slack power = %g, want 0.1", slackP)
	}

	flows, err := DCBranchFlows(net, b, dc.Voltage())
	if err != nil {
		t.Fatalf("DCBranchFlows: %v", err)
	}
	if math.Abs(flows[1]-0.1) > 1e-12 {
		t.Errorf("branch flow = %g, want 0.1", flows[1])
	}
}

func TestNewtonTwoBus(t *testing.T) {
	net := twoBus(t)
	y, err := nodal.BuildAC(net)
	if err != nil {
		t.Fatalf("BuildAC: %v", err)
	}
	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}

	met, err := Run(nr, 1e-10, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !met.Converged(1e-10) {
		t.Fatalf("metrics %+v not converged", met)
	}

	volt := nr.Voltage()
	if math.Abs(volt.Va[2]+0.01) > 1e-3 {
		t.Errorf("Va[2] = %g, want about -0.01", volt.Va[2])
	}
	if volt.Vm[2] >= 1.0 || volt.Vm[2] < 0.99 {
		t.Errorf("Vm[2] = %g, want just under 1.0", volt.Vm[2])
	}

	// The line is lossless, so the slack injects exactly the demand.
	inj, err := ACInjections(y, volt)
	if err != nil {
		t.Fatalf("ACInjections: %v", err)
	}
	if math.Abs(real(inj[1])-0.1) > 1e-9 {
		t.Errorf("slack injection = %g, want 0.1", real(inj[1]))
	}

	flows, err := ACBranchFlows(net, y, volt)
	if err != nil {
		t.Fatalf("ACBranchFlows: %v", err)
	}
	if math.Abs(flows[1].FromP-0.1) > 1e-9 {
		t.Errorf("FromP = %g, want 0.1", flows[1].FromP)
	}
	if math.Abs(flows[1].ToP+0.1) > 1e-9 {
		t.Errorf("ToP = %g, want -0.1", flows[1].ToP)
	}
}

func TestNewtonIEEE14(t *testing.T) {
	net, y := buildIEEE14(t)
	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}

	var worst []float64
	for iter := 0; iter < 10; iter++ {
		met, err := nr.Step()
		if err != nil {
			t.Fatalf("step %d: %v", iter, err)
		}
		worst = append(worst, math.Max(met.MaxP, met.MaxQ))
		if met.Converged(1e-8) {
			break
		}
	}
	if len(worst) >= 10 {
		t.Fatalf("no convergence in 10 iterations, mismatches %v", worst)
	}

	// Quadratic region: mismatch shrinks every iteration after the
	// second.
	for i := 2; i < len(worst); i++ {
		if worst[i] >= worst[i-1] {
			t.Errorf("mismatch grew at iteration %d: %g -> %g", i+1, worst[i-1], worst[i])
		}
	}

	// PV setpoints are held.
	volt := nr.Voltage()
	for _, want := range []struct {
		bus  int
		vset float64
	}{{1, 1.06}, {2, 1.045}, {3, 1.01}, {6, 1.07}, {8, 1.09}} {
		bus, _ := net.BusByLabel(want.bus)
		if math.Abs(volt.Vm[bus.Index]-want.vset) > 1e-12 {
			t.Errorf("Vm at bus %d = %g, want %g", want.bus, volt.Vm[bus.Index], want.vset)
		}
	}
}

func TestPowerBalance(t *testing.T) {
	net, y := buildIEEE14(t)
	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}
	if _, err := Run(nr, 1e-10, 20); err != nil {
		t.Fatalf("Run: %v", err)
	}
	volt := nr.Voltage()

	inj, err := ACInjections(y, volt)
	if err != nil {
		t.Fatalf("ACInjections: %v", err)
	}
	flows, err := ACBranchFlows(net, y, volt)
	if err != nil {
		t.Fatalf("ACBranchFlows: %v", err)
	}

	// Per bus: injection equals the branch power leaving plus the shunt
	// draw. The shunt terms live inside the admittance matrix, the
	// branch flows do not include them.
	for _, bus := range net.Buses() {
		var p, q float64
		for _, br := range net.Branches() {
			if br.From == bus.Index {
				p += flows[br.Index].FromP
				q += flows[br.Index].FromQ
			}
			if br.To == bus.Index {
				p += flows[br.Index].ToP
				q += flows[br.Index].ToQ
			}
		}
		vm2 := volt.Vm[bus.Index] * volt.Vm[bus.Index]
		p += bus.ShuntG * vm2
		q -= bus.ShuntB * vm2

		if math.Abs(real(inj[bus.Index])-p) > 1e-8 {
			t.Errorf("bus %d: P injection %g, branch sum %g", bus.Label, real(inj[bus.Index]), p)
		}
		if math.Abs(imag(inj[bus.Index])-q) > 1e-8 {
			t.Errorf("bus %d: Q injection %g, branch sum %g", bus.Label, imag(inj[bus.Index]), q)
		}
	}
}

func TestSolverAgreement(t *testing.T) {
	net, y := buildIEEE14(t)

	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("newton setup: %v", err)
	}
	if _, err := Run(nr, 1e-10, 20); err != nil {
		t.Fatalf("newton: %v", err)
	}
	ref := nr.Voltage()

	fdxb, err := NewFastDecoupled(net, y, XB)
	if err != nil {
		t.Fatalf("XB setup: %v", err)
	}
	if _, err := Run(fdxb, 1e-10, 60); err != nil {
		t.Fatalf("XB: %v", err)
	}

	fdbx, err := NewFastDecoupled(net, y, BX)
	if err != nil {
		t.Fatalf("BX setup: %v", err)
	}
	if _, err := Run(fdbx, 1e-10, 60); err != nil {
		t.Fatalf("BX: %v", err)
	}

	gs, err := NewGaussSeidel(net, y)
	if err != nil {
		t.Fatalf("gauss-seidel setup: %v", err)
	}
	if _, err := Run(gs, 1e-7, 20000); err != nil {
		t.Fatalf("gauss-seidel: %v", err)
	}

	checks := []struct {
		name string
		volt *Voltage
		tol  float64
	}{
		{"FD-XB", fdxb.Voltage(), 1e-6},
		{"FD-BX", fdbx.Voltage(), 1e-6},
		{"GS", gs.Voltage(), 1e-4},
	}
	for _, c := range checks {
		for i := 1; i <= net.NumBuses(); i++ {
			if math.Abs(c.volt.Vm[i]-ref.Vm[i]) > c.tol {
				t.Errorf("%s: Vm[%d] = %g, newton %g", c.name, i, c.volt.Vm[i], ref.Vm[i])
			}
			if math.Abs(c.volt.Va[i]-ref.Va[i]) > c.tol {
				t.Errorf("%s: Va[%d] = %g, newton %g", c.name, i, c.volt.Va[i], ref.Va[i])
			}
		}
	}
}

func TestOutageRoundTripSolve(t *testing.T) {
	net, y := buildIEEE14(t)

	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("newton setup: %v", err)
	}
	if _, err := Run(nr, 1e-10, 20); err != nil {
		t.Fatalf("base solve: %v", err)
	}
	base := nr.Voltage()

	// Take a line out, put it back, solve again on the incrementally
	// patched model. The second solution must match the first.
	if err := net.SetBranchStatus(5, false); err != nil {
		t.Fatalf("outage: %v", err)
	}
	if err := net.SetBranchStatus(5, true); err != nil {
		t.Fatalf("restore: %v", err)
	}

	nr2, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("newton setup after round trip: %v", err)
	}
	if _, err := Run(nr2, 1e-10, 20); err != nil {
		t.Fatalf("round-trip solve: %v", err)
	}
	after := nr2.Voltage()

	for i := 1; i <= net.NumBuses(); i++ {
		if math.Abs(after.Vm[i]-base.Vm[i]) > 1e-8 {
			t.Errorf("Vm[%d] = %g after round trip, want %g", i, after.Vm[i], base.Vm[i])
		}
		if math.Abs(after.Va[i]-base.Va[i]) > 1e-8 {
			t.Errorf("Va[%d] = %g after round trip, want %g", i, after.Va[i], base.Va[i])
		}
	}

	// An actual outage shifts the solution.
	if err := net.SetBranchStatus(5, false); err != nil {
		t.Fatalf("outage: %v", err)
	}
	nr3, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("newton setup after outage: %v", err)
	}
	if _, err := Run(nr3, 1e-10, 20); err != nil {
		t.Fatalf("outage solve: %v", err)
	}
	moved := false
	for i := 1; i <= net.NumBuses(); i++ {
		if math.Abs(nr3.Voltage().Va[i]-base.Va[i]) > 1e-6 {
			moved = true
		}
	}
	if !moved {
		t.Error("outage produced an identical solution")
	}
}

func TestIslandedBusFailsSolve(t *testing.T) {
	net := network.New("island")
	net.AddBus(1, network.BusParams{Type: network.Slack})
	net.AddBus(2, network.BusParams{Type: network.PQ, DemandP: 0.1})
	net.AddBus(3, network.BusParams{Type: network.PQ, DemandP: 0.1})
	net.AddBranch(1, network.BranchParams{From: 1, To: 2, X: 0.1})
	net.AddBranch(2, network.BranchParams{From: 2, To: 3, X: 0.1})
	net.AddGenerator(1, network.GeneratorParams{Bus: 1})

	y, err := nodal.BuildAC(net)
	if err != nil {
		t.Fatalf("BuildAC: %v", err)
	}
	// Isolate bus 3: its admittance row is structurally present but
	// numerically zero.
	if err := net.SetBranchStatus(2, false); err != nil {
		t.Fatalf("outage: %v", err)
	}

	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}
	if _, err := Run(nr, 1e-8, 10); err == nil {
		t.Error("newton solved an islanded system")
	}

	gs, err := NewGaussSeidel(net, y)
	if err != nil {
		t.Fatalf("NewGaussSeidel: %v", err)
	}
	if _, err := gs.Step(); err == nil {
		t.Error("gauss-seidel stepped across a zero diagonal")
	}
}

func TestInvalidatedModelRejected(t *testing.T) {
	net := twoBus(t)
	y, err := nodal.BuildAC(net)
	if err != nil {
		t.Fatalf("BuildAC: %v", err)
	}
	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}

	// Growing the network invalidates the model mid-flight.
	net.AddBus(3, network.BusParams{Type: network.PQ})
	if _, err := nr.Step(); err == nil {
		t.Error("step succeeded on an invalidated model")
	}
	if _, err := NewNewtonRaphson(net, y); err == nil {
		t.Error("constructor accepted an invalidated model")
	}
}

func TestResultsRequireVoltageState(t *testing.T) {
	net := twoBus(t)
	y, err := nodal.BuildAC(net)
	if err != nil {
		t.Fatalf("BuildAC: %v", err)
	}

	if _, err := ACBranchFlows(net, y, &Voltage{}); err == nil {
		t.Error("ACBranchFlows accepted an empty voltage state")
	}
	if _, err := ACInjections(y, &Voltage{}); err == nil {
		t.Error("ACInjections accepted an empty voltage state")
	}

	b, err := nodal.BuildDC(net)
	if err != nil {
		t.Fatalf("BuildDC: %v", err)
	}
	if _, err := DCBranchFlows(net, b, &Voltage{}); err == nil {
		t.Error("DCBranchFlows accepted an empty voltage state")
	}
}

func TestRunIterationCap(t *testing.T) {
	net, y := buildIEEE14(t)
	nr, err := NewNewtonRaphson(net, y)
	if err != nil {
		t.Fatalf("NewNewtonRaphson: %v", err)
	}
	if _, err := Run(nr, 1e-12, 1); err == nil {
		t.Error("single iteration reported convergence at 1e-12")
	}
}

func TestDCSlackBalance(t *testing.T) {
	net, _ := buildIEEE14(t)
	b, err := nodal.BuildDC(net)
	if err != nil {
		t.Fatalf("BuildDC: %v", err)
	}
	dc, err := NewDC(net, b)
	if err != nil {
		t.Fatalf("NewDC: %v", err)
	}
	if err := dc.Solve(); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if dc.Metrics().MaxP > 1e-10 {
		t.Errorf("DC residual %g", dc.Metrics().MaxP)
	}

	// Lossless linearization: slack generation closes the active
	// balance exactly.
	slackP, err := dc.SlackPower()
	if err != nil {
		t.Fatalf("SlackPower: %v", err)
	}
	var demand, supply float64
	for _, bus := range net.Buses() {
		demand += bus.DemandP + bus.ShuntG
		if bus.Index != net.SlackIndex() {
			supply += bus.SupplyP
		}
	}
	if math.Abs(slackP+supply-demand) > 1e-9 {
		t.Errorf("slack %g + supply %g != demand %g", slackP, supply, demand)
	}
}
