package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/telemetry"
	"github.com/vitaminmoo/pmlog/internal/util"
)

// Status prints one telemetry record. With watch set it keeps printing
// every polled record until ctx is cancelled or the logger disconnects.
func Status(ctx context.Context, c *api.Client, w io.Writer, watch, asJSON bool) error {
	if !watch {
		rec, err := c.ReadTelemetry()
		if err != nil {
			return fmt.Errorf("failed to read status: %w", err)
		}
		return PrintRecord(w, rec, asJSON)
	}

	var printErr error
	c.OnTelemetry(func(r protocol.Record) {
		if err := PrintRecord(w, r, asJSON); err != nil && printErr == nil {
			printErr = err
		}
	})
	if err := c.RunTelemetry(ctx); err != nil {
		return err
	}
	if printErr != nil {
		return printErr
	}
	if ctx.Err() == nil && !c.Connected() {
		return errors.New("logger disconnected")
	}
	return nil
}

// PrintRecord writes a record as a single line, or as JSON.
func PrintRecord(w io.Writer, r protocol.Record, asJSON bool) error {
	if asJSON {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	cycle, ok := r.CycleStatus()
	if !ok {
		cycle = telemetry.NotAvailable
	}
	load := telemetry.NotAvailable
	if v, ok := r.PlatformLoad(); ok {
		load = fmt.Sprintf("%g", v)
	}
	line := fmt.Sprintf("%s  SoC %s  V %s  I %s  Load %s  Cycle %s",
		r.Time.Format("15:04:05"),
		telemetry.FormatSoC(r),
		telemetry.FormatVoltage(r),
		telemetry.FormatCurrent(r),
		load,
		cycle)

	if extra := extraFields(r); len(extra) > 0 {
		line += "  " + strings.Join(extra, "  ")
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

var shownFields = map[string]bool{
	protocol.FieldSoC:          true,
	protocol.FieldVoltage:      true,
	protocol.FieldCurrent:      true,
	protocol.FieldPlatformLoad: true,
	protocol.FieldCycleStatus:  true,
}

// extraFields formats the fields PrintRecord has no column for.
func extraFields(r protocol.Record) []string {
	var out []string
	for _, key := range r.Keys() {
		if shownFields[key] {
			continue
		}
		if v, ok := r.Float(key); ok {
			out = append(out, fmt.Sprintf("%s %g", key, v))
		} else if s, ok := r.Text(key); ok {
			out = append(out, fmt.Sprintf("%s %s", key, s))
		}
	}
	sort.Strings(out)
	return out
}

// SendCommand writes a raw command name to the logger.
func SendCommand(ctx context.Context, c *api.Client, w io.Writer, name string) error {
	if err := c.Send(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(w, "Sent %q\n", name)
	return nil
}

// Explore lists all services and characteristics with their values.
func Explore(c *api.Client, w io.Writer) error {
	fmt.Fprintln(w, "Discovering services...")

	services, err := c.Explore()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nFound %d services:\n\n", len(services))
	for i, svc := range services {
		fmt.Fprintf(w, "Service #%d: %s\n", i+1, svc.UUID)
		if svc.Err != nil {
			fmt.Fprintf(w, "  Error: %v\n\n", svc.Err)
			continue
		}
		for j, char := range svc.Characteristics {
			fmt.Fprintf(w, "  [%d] %s\n", j+1, char.UUID)
			if len(char.Value) > 0 {
				fmt.Fprintf(w, "      Value: %s\n", util.FormatValue(char.Value))
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}
