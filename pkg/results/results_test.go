package results

import (
	"encoding/json"
	"testing"
)

func TestRows(t *testing.T) {
	rows := Rows(Results{C2SRate: 1000, S2CRate: 12345, MinRTT: "15"})
	expected := []Row{
		{Name: "Download", Measure: "12.35 Mb/s"},
		{Name: "Upload", Measure: "1.00 Mb/s"},
		{Name: "Latency", Measure: "15 ms"},
	}
	if len(rows) != len(expected) {
		t.Fatalf("Rows() returned %d rows, want %d", len(rows), len(expected))
	}
	for i := range expected {
		if rows[i] != expected[i] {
			t.Errorf("Rows()[%d] = %+v, want %+v", i, rows[i], expected[i])
		}
	}
}

func TestMinRTT_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    MinRTT
		wantErr bool
	}{
		{name: "string", input: `"15"`, want: "15"},
		{name: "number", input: `15.25`, want: "15.25"},
		{name: "null", input: `null`, want: ""},
		{name: "object", input: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m MinRTT
			err := json.Unmarshal([]byte(tt.input), &m)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if m != tt.want {
				t.Errorf("UnmarshalJSON() = %q, want %q", m, tt.want)
			}
		})
	}
}

func TestMinRTT_Float(t *testing.T) {
	tests := []struct {
		in     MinRTT
		want   float64
		wantOK bool
	}{
		{in: "15", want: 15, wantOK: true},
		{in: " 2.5 ", want: 2.5, wantOK: true},
		{in: "", want: 0, wantOK: true},
		{in: "fast", want: 0, wantOK: false},
		{in: "NaN", want: 0, wantOK: false},
		{in: "Infinity", want: 0, wantOK: false},
		{in: "-inf", want: 0, wantOK: false},
	}
	for _, tt := range tests {
		got, ok := tt.in.Float()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MinRTT(%q).Float() = %v, %v; want %v, %v",
				tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestResults_decode(t *testing.T) {
	var r Results
	err := json.Unmarshal([]byte(`{"c2sRate":1000,"s2cRate":2000,"MinRTT":"15"}`), &r)
	if err != nil {
		t.Fatalf("cannot decode results: %v", err)
	}
	want := Results{C2SRate: 1000, S2CRate: 2000, MinRTT: "15"}
	if r != want {
		t.Errorf("decoded %+v, want %+v", r, want)
	}
}
