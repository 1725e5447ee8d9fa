package casefile

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/edp1096/toy-grid/pkg/network"
)

// Case format, one record per line, SPICE-ish:
//
//	* title on the first line
//	.base 100
//	bus 1 slack vm=1.06 va=0
//	bus 2 pq pd=0.217 qd=0.127 bs=0.19
//	branch 1 1 2 r=0.01938 x=0.05917 b=0.0528
//	branch 2 2 3 x=0.19797 ratio=0.978
//	gen 1 1 p=2.324 vset=1.06 qmax=0.1 qmin=-0.4
//	.end
//
// Angles (va, shift) are given in degrees. A trailing "+" line
// continues the previous record.

type BusRecord struct {
	Label  int
	Type   network.BusType
	Params network.BusParams
}

type BranchRecord struct {
	Label  int
	Params network.BranchParams
}

type GenRecord struct {
	Label  int
	Params network.GeneratorParams
}

type Case struct {
	Title    string
	BaseMVA  float64
	Buses    []BusRecord
	Branches []BranchRecord
	Gens     []GenRecord
}

var unitMap = map[string]float64{
	"T":   1e12,
	"G":   1e9,
	"meg": 1e6,
	"K":   1e3,
	"k":   1e3,
	"m":   1e-3,
	"u":   1e-6,
	"n":   1e-9,
	"p":   1e-12,
	"f":   1e-15,
}

func Parse(input string) (*Case, error) {
	scanner := bufio.NewScanner(strings.NewReader(input))
	cs := &Case{BaseMVA: 100}

	if scanner.Scan() {
		cs.Title = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "*"))
	}

	var pending string
	flush := func() error {
		if pending == "" {
			return nil
		}
		err := parseLine(cs, pending)
		pending = ""
		return err
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "*") {
			continue
		}
		if strings.HasPrefix(line, "+") {
			if pending == "" {
				return nil, fmt.Errorf("continuation line without a record: %q", line)
			}
			pending += " " + strings.TrimSpace(strings.TrimPrefix(line, "+"))
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		pending = line
	}
	if err := flush(); err != nil {
		return nil, err
	}

	return cs, nil
}

func parseLine(cs *Case, line string) error {
	fields := strings.Fields(line)
	keyword := strings.ToLower(fields[0])

	switch keyword {
	case ".base":
		if len(fields) < 2 {
			return fmt.Errorf(".base: missing value")
		}
		base, err := parseValue(fields[1])
		if err != nil {
			return fmt.Errorf(".base: %v", err)
		}
		cs.BaseMVA = base
		return nil
	case ".end":
		return nil
	case "bus":
		return parseBus(cs, fields)
	case "branch":
		return parseBranch(cs, fields)
	case "gen":
		return parseGen(cs, fields)
	}
	return fmt.Errorf("unknown record %q", fields[0])
}

func parseBus(cs *Case, fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("bus: expected label and type")
	}
	label, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("bus: bad label %q", fields[1])
	}

	rec := BusRecord{Label: label}
	switch strings.ToLower(fields[2]) {
	case "pq":
		rec.Type = network.PQ
	case "pv":
		rec.Type = network.PV
	case "slack":
		rec.Type = network.Slack
	default:
		return fmt.Errorf("bus %d: unknown type %q", label, fields[2])
	}
	rec.Params.Type = rec.Type

	params, err := parseParams(fields[3:])
	if err != nil {
		return fmt.Errorf("bus %d: %v", label, err)
	}
	for key, value := range params {
		switch key {
		case "pd":
			rec.Params.DemandP = value
		case "qd":
			rec.Params.DemandQ = value
		case "gs":
			rec.Params.ShuntG = value
		case "bs":
			rec.Params.ShuntB = value
		case "vm":
			rec.Params.Vm = value
		case "va":
			rec.Params.Va = value * math.Pi / 180
		case "vmax":
			rec.Params.Vmax = value
		case "vmin":
			rec.Params.Vmin = value
		default:
			return fmt.Errorf("bus %d: unknown parameter %q", label, key)
		}
	}

	cs.Buses = append(cs.Buses, rec)
	return nil
}

func parseBranch(cs *Case, fields []string) error {
	if len(fields) < 4 {
		return fmt.Errorf("branch: expected label, from and to")
	}
	label, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("branch: bad label %q", fields[1])
	}
	from, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("branch %d: bad from bus %q", label, fields[2])
	}
	to, err := strconv.Atoi(fields[3])
	if err != nil {
		return fmt.Errorf("branch %d: bad to bus %q", label, fields[3])
	}

	rec := BranchRecord{Label: label}
	rec.Params.From = from
	rec.Params.To = to
	rec.Params.Ratio = 1.0

	params, err := parseParams(fields[4:])
	if err != nil {
		return fmt.Errorf("branch %d: %v", label, err)
	}
	for key, value := range params {
		switch key {
		case "r":
			rec.Params.R = value
		case "x":
			rec.Params.X = value
		case "g":
			rec.Params.G = value
		case "b":
			rec.Params.B = value
		case "ratio":
			rec.Params.Ratio = value
		case "shift":
			rec.Params.Shift = value * math.Pi / 180
		case "rate":
			rec.Params.RateA = value
		case "status":
			rec.Params.OutOfService = value == 0
		default:
			return fmt.Errorf("branch %d: unknown parameter %q", label, key)
		}
	}

	cs.Branches = append(cs.Branches, rec)
	return nil
}

func parseGen(cs *Case, fields []string) error {
	if len(fields) < 3 {
		return fmt.Errorf("gen: expected label and bus")
	}
	label, err := strconv.Atoi(fields[1])
	if err != nil {
		return fmt.Errorf("gen: bad label %q", fields[1])
	}
	bus, err := strconv.Atoi(fields[2])
	if err != nil {
		return fmt.Errorf("gen %d: bad bus %q", label, fields[2])
	}

	rec := GenRecord{Label: label}
	rec.Params.Bus = bus

	params, err := parseParams(fields[3:])
	if err != nil {
		return fmt.Errorf("gen %d: %v", label, err)
	}
	for key, value := range params {
		switch key {
		case "p":
			rec.Params.P = value
		case "q":
			rec.Params.Q = value
		case "vset":
			rec.Params.Vset = value
		case "pmax":
			rec.Params.Pmax = value
		case "pmin":
			rec.Params.Pmin = value
		case "qmax":
			rec.Params.Qmax = value
		case "qmin":
			rec.Params.Qmin = value
		case "status":
			rec.Params.OutOfService = value == 0
		default:
			return fmt.Errorf("gen %d: unknown parameter %q", label, key)
		}
	}

	cs.Gens = append(cs.Gens, rec)
	return nil
}

func parseParams(fields []string) (map[string]float64, error) {
	params := make(map[string]float64)
	for _, field := range fields {
		key, raw, found := strings.Cut(field, "=")
		if !found {
			return nil, fmt.Errorf("expected key=value, got %q", field)
		}
		value, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", key, err)
		}
		params[strings.ToLower(key)] = value
	}
	return params, nil
}

// parseValue accepts plain numbers and SPICE-style magnitude suffixes
// (10k, 1.5m, 2meg).
func parseValue(raw string) (float64, error) {
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v, nil
	}
	for suffix, factor := range unitMap {
		if strings.HasSuffix(raw, suffix) {
			base := strings.TrimSuffix(raw, suffix)
			v, err := strconv.ParseFloat(base, 64)
			if err != nil {
				break
			}
			return v * factor, nil
		}
	}
	return 0, fmt.Errorf("bad value %q", raw)
}

// Build populates a fresh Network from the parsed records.
func (cs *Case) Build() (*network.Network, error) {
	net := network.New(cs.Title)
	net.BaseMVA = cs.BaseMVA

	for _, rec := range cs.Buses {
		if _, err := net.AddBus(rec.Label, rec.Params); err != nil {
			return nil, err
		}
	}
	for _, rec := range cs.Branches {
		if _, err := net.AddBranch(rec.Label, rec.Params); err != nil {
			return nil, err
		}
	}
	for _, rec := range cs.Gens {
		if _, err := net.AddGenerator(rec.Label, rec.Params); err != nil {
			return nil, err
		}
	}
	return net, nil
}
