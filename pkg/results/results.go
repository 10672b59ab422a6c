// Package results contains the speed-test result types produced by the
// widget and the rows derived from them for presentation.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MinRTT is the minimum round-trip time in milliseconds as reported by the
// widget. Widgets report it either as a JSON string or as a JSON number, so
// the raw textual form is kept.
type MinRTT string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (m *MinRTT) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*m = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*m = MinRTT(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("MinRTT must be a string or a number: %w", err)
	}
	*m = MinRTT(n.String())
	return nil
}

// Float coerces the value to a number. Surrounding whitespace is ignored and
// an empty value is zero. ok is false when the value is not a finite number,
// which includes NaN and the infinities.
func (m MinRTT) Float() (v float64, ok bool) {
	s := strings.TrimSpace(string(m))
	if s == "" {
		return 0, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Results are the measurements of one completed widget run.
type Results struct {
	// C2SRate is the client-to-server (upload) rate in kb/s.
	C2SRate float64 `json:"c2sRate"`
	// S2CRate is the server-to-client (download) rate in kb/s.
	S2CRate float64 `json:"s2cRate"`
	// MinRTT is the minimum round-trip time in milliseconds.
	MinRTT MinRTT `json:"MinRTT"`
}

// Location describes the server a run was measured against.
type Location struct {
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
	Machine string `json:"machine,omitempty"`
}

func (l *Location) String() string {
	if l == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s, %s (%s)", l.City, l.Country, l.Machine)
}

// Row is one line of the results table.
type Row struct {
	Name    string `json:"name" csv:"Name"`
	Measure string `json:"measure" csv:"Measure"`
}

// Rows returns the Download, Upload and Latency rows for r. Rates are
// converted from kb/s to Mb/s with two decimals.
func Rows(r Results) []Row {
	return []Row{
		{Name: "Download", Measure: fmt.Sprintf("%.2f Mb/s", r.S2CRate/1000)},
		{Name: "Upload", Measure: fmt.Sprintf("%.2f Mb/s", r.C2SRate/1000)},
		{Name: "Latency", Measure: fmt.Sprintf("%s ms", r.MinRTT)},
	}
}

// Archive is the record written to disk for every finished run.
type Archive struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string

	// ViewID identifies the thank-you view that received the run.
	ViewID string
	// RecordID is the backend submission id the run was written to, or empty
	// when there was no record.
	RecordID string

	// StartTime is when the view was created.
	StartTime time.Time
	// EndTime is when the completion signal was received.
	EndTime time.Time

	// Results are the measured values.
	Results Results
	// Location is the measured server. It is empty unless the client
	// consented to share it.
	Location Location
}
