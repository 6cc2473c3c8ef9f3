package protocol

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Status field names reported by the logger.
const (
	FieldSoC          = "SoC"
	FieldVoltage      = "V"
	FieldCurrent      = "I"
	FieldPlatformLoad = "PlatformLoad"
	FieldCycleStatus  = "CycleStatus"
	FieldAvgLoad      = "AvgLoad"
	FieldWorkLife     = "WorkLife"
)

// numericFields are parsed as floats; everything else is kept as text.
var numericFields = map[string]bool{
	FieldSoC:          true,
	FieldVoltage:      true,
	FieldCurrent:      true,
	FieldPlatformLoad: true,
	FieldAvgLoad:      true,
	FieldWorkLife:     true,
}

// Record is one decoded status read. It is immutable once returned by
// ParseStatus.
type Record struct {
	Time time.Time

	numbers map[string]float64
	text    map[string]string
}

// ParseStatus decodes the status characteristic text, e.g.
//
//	SoC: 98.5%, V: 25.40V, I: 0.10A
//
// Segments are separated by ',' and split on the first ':'. Numeric fields
// take the leading number of the value so unit suffixes are ignored; a
// numeric field without a leading number is left out. ParseStatus never
// fails, malformed segments are skipped.
func ParseStatus(s string, at time.Time) Record {
	r := Record{
		Time:    at,
		numbers: make(map[string]float64),
		text:    make(map[string]string),
	}
	for _, part := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if numericFields[key] {
			if f, ok := leadingFloat(value); ok {
				r.numbers[key] = f
			}
			continue
		}
		r.text[key] = value
	}
	return r
}

// leadingFloat parses the longest numeric prefix of s, the way a browser's
// parseFloat does for "98.5%" or "25.40V".
func leadingFloat(s string) (float64, bool) {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return 0, false
	}
	end := i
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		k := j
		for k < len(s) && isDigit(s[k]) {
			k++
		}
		if k > j {
			end = k
		}
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func isDigit(b byte) bool { return '0' <= b && b <= '9' }

// Float returns a numeric field.
func (r Record) Float(key string) (float64, bool) {
	f, ok := r.numbers[key]
	return f, ok
}

// Text returns a text field, including unrecognized keys.
func (r Record) Text(key string) (string, bool) {
	s, ok := r.text[key]
	return s, ok
}

// Len returns the number of fields present.
func (r Record) Len() int { return len(r.numbers) + len(r.text) }

// Keys returns the present field names in sorted order.
func (r Record) Keys() []string {
	keys := slices.Collect(maps.Keys(r.numbers))
	keys = slices.AppendSeq(keys, maps.Keys(r.text))
	slices.Sort(keys)
	return keys
}

func (r Record) SoC() (float64, bool)          { return r.Float(FieldSoC) }
func (r Record) Voltage() (float64, bool)      { return r.Float(FieldVoltage) }
func (r Record) Current() (float64, bool)      { return r.Float(FieldCurrent) }
func (r Record) PlatformLoad() (float64, bool) { return r.Float(FieldPlatformLoad) }
func (r Record) CycleStatus() (string, bool)   { return r.Text(FieldCycleStatus) }

// MarshalJSON flattens the record into a single object with a "time" key.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, r.Len()+1)
	for k, v := range r.text {
		m[k] = v
	}
	for k, v := range r.numbers {
		m[k] = v
	}
	m["time"] = r.Time.UTC().Format(time.RFC3339Nano)
	return json.Marshal(m)
}
