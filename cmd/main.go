package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/edp1096/toy-grid/internal/consts"
	"github.com/edp1096/toy-grid/pkg/casefile"
	"github.com/edp1096/toy-grid/pkg/network"
	"github.com/edp1096/toy-grid/pkg/nodal"
	"github.com/edp1096/toy-grid/pkg/powerflow"
	"github.com/edp1096/toy-grid/pkg/util"
)

func printVoltages(net *network.Network, volt *powerflow.Voltage) {
	fmt.Println("\nBus Voltages:")
	fmt.Println("Bus    Type     Vm (pu)   Va (deg)")
	fmt.Println("------------------------------------")
	for _, bus := range net.Buses() {
		fmt.Printf("%4d   %-6s  %s  %s\n",
			bus.Label, bus.Type, util.FormatPerUnit(volt.Vm[bus.Index]), util.FormatAngleDeg(volt.Va[bus.Index]))
	}
}

func printACFlows(net *network.Network, y *nodal.ACModel, volt *powerflow.Voltage) {
	flows, err := powerflow.ACBranchFlows(net, y, volt)
	if err != nil {
		log.Fatalf("computing branch flows: %v", err)
	}

	fmt.Println("\nBranch Flows:")
	fmt.Println("Branch  From  To      P from        Q from")
	fmt.Println("--------------------------------------------")
	for _, br := range net.Branches() {
		f := flows[br.Index]
		fmt.Printf("%5d  %4d %4d  %12s  %12s\n",
			br.Label, net.Bus(br.From).Label, net.Bus(br.To).Label,
			util.FormatPower(f.FromP, net.BaseMVA), util.FormatPower(f.FromQ, net.BaseMVA))
	}
}

func printDCFlows(net *network.Network, b *nodal.DCModel, volt *powerflow.Voltage) {
	flows, err := powerflow.DCBranchFlows(net, b, volt)
	if err != nil {
		log.Fatalf("computing branch flows: %v", err)
	}

	fmt.Println("\nBranch Flows (DC):")
	fmt.Println("Branch  From  To      P flow")
	fmt.Println("------------------------------")
	for _, br := range net.Branches() {
		fmt.Printf("%5d  %4d %4d  %12s\n",
			br.Label, net.Bus(br.From).Label, net.Bus(br.To).Label,
			util.FormatPower(flows[br.Index], net.BaseMVA))
	}
}

func main() {
	inputFile := flag.String("i", "", "case file")
	algorithm := flag.String("a", "nr", "algorithm: nr, fdxb, fdbx, gs, dc")
	tol := flag.Float64("tol", consts.ABSTOL, "mismatch convergence tolerance (pu)")
	maxIter := flag.Int("maxiter", consts.MAXITER, "iteration cap")
	flag.Parse()

	if *inputFile == "" {
		fmt.Println("Usage: toy-grid -i <case file> [-a nr|fdxb|fdbx|gs|dc] [-tol 1e-8] [-maxiter 20]")
		os.Exit(1)
	}

	data, err := os.ReadFile(*inputFile)
	if err != nil {
		log.Fatalf("reading case file: %v", err)
	}
	cs, err := casefile.Parse(string(data))
	if err != nil {
		log.Fatalf("parsing case file: %v", err)
	}
	net, err := cs.Build()
	if err != nil {
		log.Fatalf("building network: %v", err)
	}

	fmt.Printf("Case: %s (%d buses, %d branches, %d generators)\n",
		cs.Title, net.NumBuses(), net.NumBranches(), net.NumGenerators())

	alg := strings.ToLower(*algorithm)
	if alg == "dc" {
		b, err := nodal.BuildDC(net)
		if err != nil {
			log.Fatalf("building DC nodal model: %v", err)
		}
		dc, err := powerflow.NewDC(net, b)
		if err != nil {
			log.Fatalf("setting up DC power flow: %v", err)
		}
		if err := dc.Solve(); err != nil {
			log.Fatalf("DC power flow: %v", err)
		}
		slackP, err := dc.SlackPower()
		if err != nil {
			log.Fatalf("slack power: %v", err)
		}
		fmt.Printf("Solved. Slack generation: %s\n", util.FormatPower(slackP, net.BaseMVA))
		printVoltages(net, dc.Voltage())
		printDCFlows(net, b, dc.Voltage())
		return
	}

	y, err := nodal.BuildAC(net)
	if err != nil {
		log.Fatalf("building AC nodal model: %v", err)
	}

	var solver powerflow.Solver
	switch alg {
	case "nr":
		solver, err = powerflow.NewNewtonRaphson(net, y)
	case "fdxb":
		solver, err = powerflow.NewFastDecoupled(net, y, powerflow.XB)
	case "fdbx":
		solver, err = powerflow.NewFastDecoupled(net, y, powerflow.BX)
	case "gs":
		solver, err = powerflow.NewGaussSeidel(net, y)
	default:
		log.Fatalf("unknown algorithm %q", *algorithm)
	}
	if err != nil {
		log.Fatalf("setting up %s solver: %v", alg, err)
	}

	met, err := powerflow.Run(solver, *tol, *maxIter)
	if err != nil {
		log.Fatalf("power flow: %v", err)
	}
	fmt.Printf("Converged in %d iterations (max dP=%.3e, max dQ=%.3e)\n", met.Iterations, met.MaxP, met.MaxQ)

	printVoltages(net, solver.Voltage())
	printACFlows(net, y, solver.Voltage())
}
