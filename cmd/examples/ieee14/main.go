package main

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/edp1096/toy-grid/pkg/casefile"
	"github.com/edp1096/toy-grid/pkg/nodal"
	"github.com/edp1096/toy-grid/pkg/powerflow"
	"github.com/edp1096/toy-grid/pkg/util"
)

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

// history steps a solver until convergence, recording the active
// mismatch metric per iteration.
func history(s powerflow.Solver, tol float64, maxIter int) (plotter.XYs, error) {
	var pts plotter.XYs
	for iter := 0; iter < maxIter; iter++ {
		met, err := s.Step()
		if err != nil {
			return pts, err
		}
		worst := math.Max(met.MaxP, met.MaxQ)
		pts = append(pts, plotter.XY{X: float64(met.Iterations), Y: math.Log10(math.Max(worst, 1e-16))})
		if met.Converged(tol) {
			return pts, nil
		}
	}
	return pts, fmt.Errorf("failed to converge in %d iterations", maxIter)
}

func main() {
	cs, err := casefile.Parse(ieee14)
	if err != nil {
		log.Fatalf("parsing case: %v", err)
	}
	net, err := cs.Build()
	if err != nil {
		log.Fatalf("building network: %v", err)
	}
	y, err := nodal.BuildAC(net)
	if err != nil {
		log.Fatalf("building nodal model: %v", err)
	}

	nr, err := powerflow.NewNewtonRaphson(net, y)
	if err != nil {
		log.Fatalf("newton setup: %v", err)
	}
	nrPts, err := history(nr, 1e-8, 20)
	if err != nil {
		log.Fatalf("newton: %v", err)
	}
	fmt.Printf("Newton-Raphson: %d iterations\n", nr.Metrics().Iterations)

	fd, err := powerflow.NewFastDecoupled(net, y, powerflow.XB)
	if err != nil {
		log.Fatalf("fast-decoupled setup: %v", err)
	}
	fdPts, err := history(fd, 1e-8, 50)
	if err != nil {
		log.Fatalf("fast-decoupled: %v", err)
	}
	fmt.Printf("Fast-Decoupled XB: %d iterations\n", fd.Metrics().Iterations)

	gs, err := powerflow.NewGaussSeidel(net, y)
	if err != nil {
		log.Fatalf("gauss-seidel setup: %v", err)
	}
	gsPts, err := history(gs, 1e-6, 2000)
	if err != nil {
		log.Fatalf("gauss-seidel: %v", err)
	}
	fmt.Printf("Gauss-Seidel: %d iterations\n", gs.Metrics().Iterations)

	for _, bus := range net.Buses() {
		volt := nr.Voltage()
		fmt.Println(util.FormatVoltagePolar(fmt.Sprintf("V(%d)", bus.Label), volt.Vm[bus.Index], volt.Va[bus.Index]))
	}

	p := plot.New()
	p.Title.Text = "IEEE 14-bus convergence"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "log10 max mismatch (pu)"

	err = plotutil.AddLinePoints(p, "NR", nrPts, "FD-XB", fdPts, "GS", gsPts)
	if err != nil {
		log.Fatalf("plotting: %v", err)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, "convergence.png"); err != nil {
		log.Fatalf("saving plot: %v", err)
	}
	fmt.Println("Wrote convergence.png")
}
