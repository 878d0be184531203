// Package pipeline executes an ordered sequence of remote triggers as one
// job body: each step is bounded by its own timeout, a fixed settle delay
// elapses after each success, and the first failure aborts the rest.
//
// Steps are causally dependent (step 2 consumes data step 1 produced), so
// partial success is meaningless; a run is all-or-nothing. Failures are not
// retried within a run — the next scheduled tick is the retry opportunity.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	logx "matchpulse/pkg/logx"
)

// Step is one remote trigger. Delay is settle time after a successful call,
// never retry backoff.
type Step struct {
	Name    string
	URL     string
	Timeout time.Duration
	Delay   time.Duration
}

// Spec is an ordered, non-reorderable sequence of steps.
type Spec struct {
	// Source tags the trigger payload so the remote end can attribute runs.
	Source string
	Steps  []Step
}

// FailureCause classifies why a step failed.
type FailureCause string

const (
	CauseTimeout   FailureCause = "timeout"
	CauseStatus    FailureCause = "error-status"
	CauseTransport FailureCause = "transport"
)

// StepFailure names the step that sank a run and why.
type StepFailure struct {
	Step   string
	Cause  FailureCause
	Status int // HTTP status for CauseStatus, 0 otherwise
	Err    error
}

func (f *StepFailure) Error() string {
	switch f.Cause {
	case CauseStatus:
		return fmt.Sprintf("step %q: unexpected status %d", f.Step, f.Status)
	case CauseTimeout:
		return fmt.Sprintf("step %q: timed out", f.Step)
	default:
		return fmt.Sprintf("step %q: %v", f.Step, f.Err)
	}
}

func (f *StepFailure) Unwrap() error { return f.Err }

// StepResult is the sealed record of one attempted step.
type StepResult struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Status   int
	Err      *StepFailure
}

// Result is the outcome of one pipeline run.
type Result struct {
	OK      bool
	Failed  *StepFailure // nil when OK
	Started time.Time
	Elapsed time.Duration
	Steps   []StepResult
}

// triggerBody is the JSON payload every step receives.
type triggerBody struct {
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
}

type Runner struct {
	client *http.Client
	log    logx.Logger
}

// NewRunner builds a runner. The shared client carries no global timeout;
// each step dispatch is bounded by its own context deadline.
func NewRunner(log logx.Logger) *Runner {
	return &Runner{client: &http.Client{}, log: log}
}

// Run executes the spec in order. On the first step failure the remaining
// steps are never dispatched; once a step is dispatched it is never cancelled
// remotely, the runner only stops waiting.
func (r *Runner) Run(ctx context.Context, spec Spec) Result {
	res := Result{Started: time.Now()}
	defer func() { res.Elapsed = time.Since(res.Started) }()

	for i, step := range spec.Steps {
		sr := r.runStep(ctx, spec.Source, step)
		res.Steps = append(res.Steps, sr)
		if sr.Err != nil {
			res.Failed = sr.Err
			r.log.Warn("pipeline aborted",
				logx.String("step", step.Name),
				logx.String("cause", string(sr.Err.Cause)),
				logx.Int("steps_done", i),
				logx.Int("steps_skipped", len(spec.Steps)-i-1),
				logx.Err(sr.Err))
			return res
		}
		r.log.Info("pipeline step ok",
			logx.String("step", step.Name),
			logx.Int("status", sr.Status),
			logx.Duration("dur", sr.Duration))

		// Settle delay: let the upstream system finish materializing its
		// output before anything reads it. Applies after the last step too,
		// so a run only reports success once its output had time to land.
		if step.Delay > 0 {
			if err := sleepCtx(ctx, step.Delay); err != nil {
				res.Failed = &StepFailure{Step: step.Name, Cause: CauseTransport, Err: err}
				return res
			}
		}
	}
	res.OK = true
	return res
}

func (r *Runner) runStep(ctx context.Context, source string, step Step) StepResult {
	sr := StepResult{Name: step.Name, Started: time.Now()}
	defer func() { sr.Duration = time.Since(sr.Started) }()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(triggerBody{
		Timestamp: sr.Started.UTC().Format(time.RFC3339),
		Source:    source,
	})
	if err != nil {
		sr.Err = &StepFailure{Step: step.Name, Cause: CauseTransport, Err: err}
		return sr
	}

	req, err := http.NewRequestWithContext(stepCtx, http.MethodPost, step.URL, bytes.NewReader(body))
	if err != nil {
		sr.Err = &StepFailure{Step: step.Name, Cause: CauseTransport, Err: err}
		return sr
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		cause := CauseTransport
		if errors.Is(err, context.DeadlineExceeded) || stepCtx.Err() == context.DeadlineExceeded {
			cause = CauseTimeout
		}
		sr.Err = &StepFailure{Step: step.Name, Cause: cause, Err: err}
		return sr
	}
	defer resp.Body.Close()

	sr.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sr.Err = &StepFailure{Step: step.Name, Cause: CauseStatus, Status: resp.StatusCode}
		return sr
	}
	return sr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
