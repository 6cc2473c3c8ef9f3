package protocol

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestParseStatusExample(t *testing.T) {
	r := ParseStatus("SoC: 98.5%, V: 25.40V, I: 0.10A", time.Time{})

	for _, want := range []struct {
		key string
		val float64
	}{
		{FieldSoC, 98.5},
		{FieldVoltage, 25.40},
		{FieldCurrent, 0.10},
	} {
		got, ok := r.Float(want.key)
		if !ok {
			t.Errorf("%s missing", want.key)
			continue
		}
		if !approx(got, want.val) {
			t.Errorf("%s = %v, want %v", want.key, got, want.val)
		}
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestParseStatusEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		numbers map[string]float64
		text    map[string]string
	}{
		{
			name:    "empty",
			in:      "",
			numbers: map[string]float64{},
			text:    map[string]string{},
		},
		{
			name:    "no_colon_ignored",
			in:      "garbage, SoC: 50",
			numbers: map[string]float64{"SoC": 50},
			text:    map[string]string{},
		},
		{
			name:    "unparseable_number_absent",
			in:      "SoC: n/a, V: 12",
			numbers: map[string]float64{"V": 12},
			text:    map[string]string{},
		},
		{
			name:    "split_on_first_colon",
			in:      "CycleStatus: idle: resting",
			numbers: map[string]float64{},
			text:    map[string]string{"CycleStatus": "idle: resting"},
		},
		{
			name:    "empty_key_ignored",
			in:      ": 12, I: -1.5A",
			numbers: map[string]float64{"I": -1.5},
			text:    map[string]string{},
		},
		{
			name: "all_known_and_unknown",
			in:   "SoC:80%,V:24.1V,I:2A,PlatformLoad: 120W,CycleStatus: charging,AvgLoad: 90.5,WorkLife: 3.2h, Temp: 31C",
			numbers: map[string]float64{
				"SoC": 80, "V": 24.1, "I": 2, "PlatformLoad": 120, "AvgLoad": 90.5, "WorkLife": 3.2,
			},
			text: map[string]string{"CycleStatus": "charging", "Temp": "31C"},
		},
		{
			name:    "exponent_and_leading_dot",
			in:      "V: 1.2e1V, I: .5A",
			numbers: map[string]float64{"V": 12, "I": 0.5},
			text:    map[string]string{},
		},
		{
			name:    "dangling_exponent",
			in:      "WorkLife: 7eh",
			numbers: map[string]float64{"WorkLife": 7},
			text:    map[string]string{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := ParseStatus(test.in, time.Time{})
			if !reflect.DeepEqual(r.numbers, test.numbers) {
				t.Errorf("numbers = %v, want %v", r.numbers, test.numbers)
			}
			if !reflect.DeepEqual(r.text, test.text) {
				t.Errorf("text = %v, want %v", r.text, test.text)
			}
		})
	}
}

func TestLeadingFloat(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"98.5%", 98.5, true},
		{"25.40V", 25.40, true},
		{"-0.10A", -0.10, true},
		{"+3", 3, true},
		{"5.", 5, true},
		{"abc", 0, false},
		{"-", 0, false},
		{".", 0, false},
		{"", 0, false},
	}
	for _, test := range tests {
		got, ok := leadingFloat(test.in)
		if ok != test.ok || !approx(got, test.want) {
			t.Errorf("leadingFloat(%q) = %v, %v, want %v, %v", test.in, got, ok, test.want, test.ok)
		}
	}
}

func TestRecordKeysAndJSON(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r := ParseStatus("V: 12V, SoC: 40%, CycleStatus: idle", at)

	if got, want := r.Keys(), []string{"CycleStatus", "SoC", "V"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]any{
		"time":        "2025-01-02T03:04:05Z",
		"V":           12.0,
		"SoC":         40.0,
		"CycleStatus": "idle",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("json = %v, want %v", got, want)
	}
}
