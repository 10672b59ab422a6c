// Package intake receives widget completion signals for one thank-you view
// and hands finished runs to the submission backend.
package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/thankyou/internal/diag"
	"github.com/m-lab/thankyou/internal/metrics"
	"github.com/m-lab/thankyou/internal/persistence"
	"github.com/m-lab/thankyou/pkg/results"
	"github.com/m-lab/thankyou/pkg/session"
	"github.com/m-lab/thankyou/pkg/submission"
	"github.com/m-lab/thankyou/pkg/version"
)

// Submitter writes finished results into a record.
type Submitter interface {
	Submit(ctx context.Context, record session.Record, r results.Results) error
}

// Config configures an Intake.
type Config struct {
	// ViewID identifies the view this Intake belongs to.
	ViewID string
	// Record is the submission to update. Finished runs are not submitted
	// when it is nil.
	Record session.Record
	// Submitter sends finished runs. Required when Record is not nil.
	Submitter Submitter
	// Hook receives the location of every completion signal. Optional.
	Hook diag.Hook
	// DataDir is where finished runs are archived. Archival is disabled if
	// empty.
	DataDir string
}

// Intake holds the completion state of a view. Its methods are safe for
// concurrent use.
type Intake struct {
	ctx     context.Context
	config  Config
	started time.Time

	mu       sync.Mutex
	complete bool
	results  results.Results
	lastErr  error

	pending sync.WaitGroup
}

// New returns an Intake bound to ctx. Cancelling ctx aborts in-flight
// submissions and drops their outcome.
func New(ctx context.Context, config Config) *Intake {
	return &Intake{
		ctx:     ctx,
		config:  config,
		started: time.Now(),
	}
}

// OnFinish is the widget completion callback.
func (in *Intake) OnFinish(finished bool, r results.Results, loc *results.Location) {
	if in.config.Hook != nil {
		in.config.Hook.Location(in.config.ViewID, finished, loc)
	}

	if !finished {
		metrics.FinishSignals.WithLabelValues("aborted").Inc()
		in.mu.Lock()
		in.complete = false
		in.mu.Unlock()
		return
	}

	metrics.FinishSignals.WithLabelValues("finished").Inc()
	in.mu.Lock()
	in.complete = true
	in.results = r
	in.mu.Unlock()

	in.archive(r, loc)

	if in.config.Record == nil {
		log.Debug("no record to update", "view", in.config.ViewID)
		return
	}
	if in.ctx.Err() != nil {
		log.Debug("view closed, not submitting", "view", in.config.ViewID)
		return
	}
	in.pending.Add(1)
	go in.submit(r)
}

func (in *Intake) submit(r results.Results) {
	defer in.pending.Done()
	start := time.Now()
	err := in.config.Submitter.Submit(in.ctx, in.config.Record, r)
	metrics.SubmissionDuration.Observe(time.Since(start).Seconds())

	if in.ctx.Err() != nil {
		// The view is gone: nobody is left to handle the outcome.
		metrics.Submissions.WithLabelValues("cancelled").Inc()
		log.Debug("submission dropped", "view", in.config.ViewID)
		return
	}
	metrics.Submissions.WithLabelValues(label(err)).Inc()
	if err != nil {
		log.Error("submission failed", "view", in.config.ViewID,
			"record", in.config.Record.ID(), "error", err)
	} else {
		log.Info("submission saved", "view", in.config.ViewID,
			"record", in.config.Record.ID())
	}
	in.mu.Lock()
	in.lastErr = err
	in.mu.Unlock()
}

func (in *Intake) archive(r results.Results, loc *results.Location) {
	if in.config.DataDir == "" {
		return
	}
	rec := ""
	if in.config.Record != nil {
		rec = in.config.Record.ID()
	}
	archive := results.Archive{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        version.Version,
		ViewID:         in.config.ViewID,
		RecordID:       rec,
		StartTime:      in.started,
		EndTime:        time.Now(),
		Results:        r,
	}
	if loc != nil {
		archive.Location = *loc
	}
	_, err := persistence.WriteDataFile(in.config.DataDir, "thankyou", "results",
		in.config.ViewID, archive)
	if err != nil {
		log.Error("failed to write archive", "view", in.config.ViewID, "error", err)
	}
}

// State returns the completion flag and the stored results.
func (in *Intake) State() (bool, results.Results) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.complete, in.results
}

// Wait blocks until in-flight submissions return and reports the outcome of
// the last one.
func (in *Intake) Wait() error {
	in.pending.Wait()
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastErr
}

func label(err error) string {
	var rerr *submission.RejectedError
	var terr *submission.TransportError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rerr):
		return "rejected"
	case errors.As(err, &terr):
		return "transport"
	default:
		return "error"
	}
}
