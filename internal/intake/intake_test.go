package intake

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/thankyou/pkg/results"
	"github.com/m-lab/thankyou/pkg/session"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	calls   []results.Results
	err     error
	block   bool
	started chan struct{}
}

func (f *fakeSubmitter) Submit(ctx context.Context, record session.Record, r results.Results) error {
	f.mu.Lock()
	f.calls = append(f.calls, r)
	f.mu.Unlock()
	if f.block {
		close(f.started)
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeHook struct {
	mu    sync.Mutex
	calls int
	last  *results.Location
}

func (h *fakeHook) Location(viewID string, finished bool, loc *results.Location) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.last = loc
}

var testResults = results.Results{C2SRate: 1000, S2CRate: 2000, MinRTT: "15"}

func TestIntake_OnFinish(t *testing.T) {
	t.Run("finished stores results and submits", func(t *testing.T) {
		sub := &fakeSubmitter{}
		in := New(context.Background(), Config{
			ViewID:    "v",
			Record:    session.Record{"id": json.Number("5")},
			Submitter: sub,
		})
		in.OnFinish(true, testResults, nil)
		if err := in.Wait(); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
		complete, r := in.State()
		if !complete || r != testResults {
			t.Errorf("State() = %v, %+v", complete, r)
		}
		if sub.count() != 1 {
			t.Errorf("Submit called %d times, want 1", sub.count())
		}
	})

	t.Run("not finished leaves results untouched", func(t *testing.T) {
		sub := &fakeSubmitter{}
		in := New(context.Background(), Config{
			Record:    session.Record{"id": json.Number("5")},
			Submitter: sub,
		})
		in.OnFinish(true, testResults, nil)
		in.Wait()
		in.OnFinish(false, results.Results{C2SRate: 1}, nil)
		in.Wait()
		complete, r := in.State()
		if complete {
			t.Errorf("complete = true after an aborted run")
		}
		if r != testResults {
			t.Errorf("results changed after an aborted run: %+v", r)
		}
		if sub.count() != 1 {
			t.Errorf("Submit called %d times, want 1", sub.count())
		}
	})

	t.Run("new run overwrites results", func(t *testing.T) {
		in := New(context.Background(), Config{})
		in.OnFinish(true, testResults, nil)
		second := results.Results{S2CRate: 5, MinRTT: "1"}
		in.OnFinish(true, second, nil)
		if _, r := in.State(); r != second {
			t.Errorf("State() results = %+v, want %+v", r, second)
		}
	})

	t.Run("no record means no submission", func(t *testing.T) {
		sub := &fakeSubmitter{}
		in := New(context.Background(), Config{Submitter: sub})
		in.OnFinish(true, testResults, nil)
		in.Wait()
		if sub.count() != 0 {
			t.Errorf("Submit called %d times, want 0", sub.count())
		}
		if complete, _ := in.State(); !complete {
			t.Errorf("complete = false after a finished run")
		}
	})

	t.Run("submission error is reported by Wait", func(t *testing.T) {
		sub := &fakeSubmitter{err: errors.New("rejected")}
		in := New(context.Background(), Config{
			Record:    session.Record{"id": "1"},
			Submitter: sub,
		})
		in.OnFinish(true, testResults, nil)
		if err := in.Wait(); err == nil {
			t.Errorf("Wait() did not return the submission error")
		}
		// A submission failure does not affect the stored state.
		if complete, _ := in.State(); !complete {
			t.Errorf("complete = false after a failed submission")
		}
	})

	t.Run("hook receives location on every signal", func(t *testing.T) {
		hook := &fakeHook{}
		in := New(context.Background(), Config{Hook: hook})
		loc := &results.Location{City: "Rome"}
		in.OnFinish(false, results.Results{}, loc)
		in.OnFinish(true, testResults, loc)
		if hook.calls != 2 || hook.last != loc {
			t.Errorf("hook calls = %d, last = %v", hook.calls, hook.last)
		}
	})
}

func TestIntake_cancel(t *testing.T) {
	sub := &fakeSubmitter{block: true, started: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	in := New(ctx, Config{
		Record:    session.Record{"id": "1"},
		Submitter: sub,
	})
	in.OnFinish(true, testResults, nil)
	<-sub.started
	cancel()

	done := make(chan error)
	go func() {
		done <- in.Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait() = %v, want nil for a dropped submission", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("in-flight submission was not cancelled")
	}

	// Signals after teardown are stored but not submitted.
	in.OnFinish(true, testResults, nil)
	in.Wait()
	if sub.count() != 1 {
		t.Errorf("Submit called %d times, want 1", sub.count())
	}
}

func TestIntake_archive(t *testing.T) {
	tempDir := t.TempDir()
	in := New(context.Background(), Config{ViewID: "view-uuid", DataDir: tempDir})
	in.OnFinish(true, testResults, &results.Location{City: "Rome"})

	matches, err := filepath.Glob(filepath.Join(tempDir, "thankyou", "*", "*", "*", "*.json"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("found %d archive files, want 1", len(matches))
	}
	b, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("cannot read archive: %v", err)
	}
	var a results.Archive
	if err := json.Unmarshal(b, &a); err != nil {
		t.Fatalf("cannot decode archive: %v", err)
	}
	if a.ViewID != "view-uuid" || a.Results != testResults || a.Location.City != "Rome" {
		t.Errorf("unexpected archive: %+v", a)
	}
}
