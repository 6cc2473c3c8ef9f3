package telemetry

import (
	"fmt"
	"math"

	"github.com/vitaminmoo/pmlog/internal/protocol"
)

// NotAvailable is shown for fields missing from a record.
const NotAvailable = "N/A"

// Percent maps value onto [0,100] relative to max. A non-positive max
// or a NaN value gives 0.
func Percent(value, max float64) float64 {
	if max <= 0 || math.IsNaN(value) {
		return 0
	}
	return math.Min(math.Max(value/max*100, 0), 100)
}

// Degrees is the sweep of a circular gauge for Percent(value, max).
func Degrees(value, max float64) float64 {
	return Percent(value, max) * 3.6
}

// Gauges holds the gauge fractions (0..1) derived from one record.
type Gauges struct {
	SoC          float64
	PlatformLoad float64
	HasSoC       bool
	HasLoad      bool
}

// GaugesFor maps a record's SoC (full scale 100) and PlatformLoad (full
// scale loadMax) for rendering.
func GaugesFor(r protocol.Record, loadMax float64) Gauges {
	var g Gauges
	if v, ok := r.SoC(); ok {
		g.SoC = Percent(v, 100) / 100
		g.HasSoC = true
	}
	if v, ok := r.PlatformLoad(); ok {
		g.PlatformLoad = Percent(v, loadMax) / 100
		g.HasLoad = true
	}
	return g
}

// FormatSoC renders the state of charge as a whole percentage.
func FormatSoC(r protocol.Record) string {
	v, ok := r.SoC()
	if !ok {
		return NotAvailable
	}
	return fmt.Sprintf("%.0f%%", v)
}

// FormatVoltage renders V with two decimals.
func FormatVoltage(r protocol.Record) string {
	return formatFixed(r.Voltage())
}

// FormatCurrent renders I with two decimals.
func FormatCurrent(r protocol.Record) string {
	return formatFixed(r.Current())
}

func formatFixed(v float64, ok bool) string {
	if !ok {
		return NotAvailable
	}
	return fmt.Sprintf("%.2f", v)
}
