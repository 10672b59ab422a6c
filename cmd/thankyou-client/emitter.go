package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/log"
	"github.com/m-lab/ndt-server/ndt7/model"
	"github.com/m-lab/thankyou/pkg/client"
	"github.com/m-lab/thankyou/pkg/results"
)

// spinnerEmitter shows one spinner per subtest with the current rate.
type spinnerEmitter struct {
	mu   sync.Mutex
	rate float64
	pb   *spinner.Spinner
}

func (e *spinnerEmitter) OnStart(server string, kind client.Subtest) {
	e.mu.Lock()
	e.rate = 0
	e.mu.Unlock()
	e.pb = spinner.New(spinner.CharSets[11], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	e.pb.Prefix = fmt.Sprintf("%s (%s)...  ", kind, server)
	e.pb.PostUpdate = func(s *spinner.Spinner) {
		e.mu.Lock()
		defer e.mu.Unlock()
		s.Suffix = fmt.Sprintf("  %.2f Mb/s", e.rate/1000)
	}
	e.pb.Start()
}

func (e *spinnerEmitter) OnConnect(server string) {
	log.Debug("Connected", "url", server)
}

func (e *spinnerEmitter) OnMeasurement(kind client.Subtest, m model.Measurement) {}

func (e *spinnerEmitter) OnProgress(kind client.Subtest, kbps float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rate = kbps
}

func (e *spinnerEmitter) OnComplete(kind client.Subtest, kbps float64) {
	if e.pb == nil {
		return
	}
	e.pb.FinalMSG = fmt.Sprintf("%s:\t%.2f Mb/s\n", kind, kbps/1000)
	e.pb.Stop()
	e.pb = nil
}

func (e *spinnerEmitter) OnError(err error) {
	if e.pb != nil {
		e.pb.Stop()
		e.pb = nil
	}
	log.Error("Test failed", "error", err)
}

func (e *spinnerEmitter) OnDebug(msg string) {
	log.Debug(msg)
}

func (e *spinnerEmitter) OnSummary(r results.Results) {}

var _ client.Emitter = &spinnerEmitter{}
