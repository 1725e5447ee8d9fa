package util

import (
	"fmt"
	"math"
)

func FormatPerUnit(value float64) string {
	if math.Abs(value) >= 1000 || (math.Abs(value) < 0.001 && value != 0) {
		return fmt.Sprintf("%9.3e", value)
	}
	return fmt.Sprintf("%8.4f", value)
}

func FormatAngleDeg(rad float64) string {
	return fmt.Sprintf("%7.2f", rad*180.0/math.Pi)
}

func FormatPower(pu, baseMVA float64) string {
	mw := pu * baseMVA
	switch {
	case math.Abs(mw) >= 1000:
		return fmt.Sprintf("%.2f GW", mw/1000)
	case math.Abs(mw) >= 1:
		return fmt.Sprintf("%.2f MW", mw)
	default:
		return fmt.Sprintf("%.2f kW", mw*1000)
	}
}

func FormatVoltagePolar(name string, mag, angRad float64) string {
	return fmt.Sprintf("%s=%s<%sdeg", name, FormatPerUnit(mag), FormatAngleDeg(angRad))
}
