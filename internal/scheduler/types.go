package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the scheduler service.
type Config struct {
	Enabled bool
	// Timezone is the fixed IANA zone for all cron expressions (e.g.
	// "Europe/Berlin"). Empty means UTC, never the host's local zone.
	Timezone string
	// HistorySize bounds the per-job in-memory run history (default 50).
	HistorySize int
}

// JobBody is one execution of a job. A nil return seals the run as success;
// wrap the error with Partial() to seal it as partial instead of failure.
type JobBody func(ctx context.Context) error

// JobDescriptor identifies a recurring job. Immutable after Register.
type JobDescriptor struct {
	Name     string
	Schedule string // cron expression, 5-field or descriptor ("@hourly")
	Enabled  bool
}

// Cause records what triggered a run.
type Cause string

const (
	CauseScheduled Cause = "scheduled"
	CauseManual    Cause = "manual"
	CauseStartup   Cause = "startup"
)

// Outcome is the sealed result of one run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// JobRun is one sealed execution record. Runs are append-only.
type JobRun struct {
	Started time.Time
	Ended   time.Time
	Outcome Outcome
	Error   string
	Cause   Cause
}

// State is the operational snapshot of one job.
type State struct {
	// Started reports whether the job's clock is armed.
	Started bool
	// InFlight reports whether an execution is running right now.
	InFlight bool
	// NextRun is the computed next fire time; zero when not started.
	NextRun time.Time
	LastRun *JobRun
}

// RunRecorder persists sealed runs. Persistence is best-effort observability;
// a recorder error never fails the run it describes.
type RunRecorder interface {
	RecordRun(ctx context.Context, job string, run JobRun) error
}

var (
	// ErrDuplicateJob: a name was registered twice. Programmer error, fatal
	// at startup.
	ErrDuplicateJob = errors.New("job name already registered")
	// ErrAlreadyRunning: RunNow was called while an execution is in flight.
	ErrAlreadyRunning = errors.New("job run already in flight")
	// ErrUnknownJob: the name was never registered.
	ErrUnknownJob = errors.New("unknown job")
)

// Partial marks a job error as a partial outcome: some of the run's work
// landed before the failure.
func Partial(err error) error {
	if err == nil {
		return nil
	}
	return partialError{err}
}

type partialError struct{ err error }

func (p partialError) Error() string { return fmt.Sprintf("partial: %v", p.err) }
func (p partialError) Unwrap() error { return p.err }

func isPartial(err error) bool {
	var p partialError
	return errors.As(err, &p)
}

type runState struct {
	mu      sync.Mutex
	running bool
}

// acquire claims the exclusive run flag; callers must release() on success.
func (r *runState) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *runState) release() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

func (r *runState) inFlight() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

type jobEntry struct {
	desc JobDescriptor
	body JobBody

	// active means the job's clock should be armed while the service runs.
	active  bool
	entryID cron.EntryID // 0 when the clock is not armed
	state   *runState

	hmu     sync.Mutex
	history []JobRun
}
