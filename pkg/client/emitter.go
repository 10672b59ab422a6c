package client

import (
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt-server/ndt7/model"
	"github.com/m-lab/thankyou/pkg/results"
)

// Emitter is an interface for emitting progress and results.
type Emitter interface {
	// OnStart is called when a subtest starts.
	OnStart(server string, kind Subtest)
	// OnConnect is called when the WebSocket connection is established.
	OnConnect(server string)
	// OnMeasurement is called on received Measurement objects.
	OnMeasurement(kind Subtest, m model.Measurement)
	// OnProgress is called periodically with the current rate in kb/s.
	OnProgress(kind Subtest, kbps float64)
	// OnComplete is called when a subtest completes.
	OnComplete(kind Subtest, kbps float64)
	// OnError is called on errors.
	OnError(err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
	// OnSummary is called with the final results.
	OnSummary(r results.Results)
}

// HumanReadable prints human-readable output to stdout.
// It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
}

// OnStart prints the subtest and server hostname.
func (HumanReadable) OnStart(server string, kind Subtest) {
	fmt.Printf("Starting %s (server: %s)\n", kind, server)
}

// OnConnect is called when the connection to the server is established.
func (HumanReadable) OnConnect(server string) {
	fmt.Printf("Connected to %s\n", server)
}

// OnMeasurement is called on received Measurement objects.
func (HumanReadable) OnMeasurement(kind Subtest, m model.Measurement) {
	// NOTHING - don't print individual measurement objects in this Emitter.
}

// OnProgress prints the current rate.
func (HumanReadable) OnProgress(kind Subtest, kbps float64) {
	fmt.Printf("%s rate: %.2f Mb/s\n", kind, kbps/1000)
}

// OnComplete prints the final rate of a subtest.
func (HumanReadable) OnComplete(kind Subtest, kbps float64) {
	fmt.Printf("%s complete: %.2f Mb/s\n", kind, kbps/1000)
}

// OnError is called on errors.
func (HumanReadable) OnError(err error) {
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		fmt.Println(err)
	}
}

// OnDebug is called to print debug information.
func (e HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Printf("DEBUG: %s\n", msg)
	}
}

// OnSummary prints the results table.
func (HumanReadable) OnSummary(r results.Results) {
	fmt.Println()
	fmt.Printf("Test results:\n")
	for _, row := range results.Rows(r) {
		fmt.Printf("  %-10s %s\n", row.Name, row.Measure)
	}
}

// Checks that HumanReadable implements Emitter.
var _ Emitter = &HumanReadable{}
