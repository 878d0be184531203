package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "matchpulse/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobEntry

	recorder RunRecorder

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New builds the scheduler. An invalid timezone is a configuration error and
// aborts initialization, so schedule semantics never silently drift to the
// host's local zone.
func New(cfg Config, log logx.Logger) (*Service, error) {
	tz := strings.TrimSpace(cfg.Timezone)
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid timezone %q: %w", tz, err)
		}
		loc = l
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:   map[string]*jobEntry{},
	}, nil
}

// SetRecorder installs best-effort run persistence. Call before Start.
func (s *Service) SetRecorder(r RunRecorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Register associates a descriptor with a job body. The schedule expression
// is parsed here, once; malformed expressions and duplicate names are fatal
// registration errors.
func (s *Service) Register(desc JobDescriptor, body JobBody) error {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return fmt.Errorf("scheduler: job name required")
	}
	if body == nil {
		return fmt.Errorf("scheduler: job %q: body required", name)
	}
	if _, err := s.parser.Parse(desc.Schedule); err != nil {
		return fmt.Errorf("scheduler: job %q: invalid schedule %q: %w", name, desc.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("scheduler: job %q: %w", name, ErrDuplicateJob)
	}
	desc.Name = name
	s.jobs[name] = &jobEntry{desc: desc, body: body, state: &runState{}}
	s.log.Debug("job registered", logx.String("job", name), logx.String("spec", desc.Schedule))
	return nil
}

// Start launches the cron engine and arms every job that was started (or
// registered Enabled) before the engine came up.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	for _, e := range s.jobs {
		if e.desc.Enabled {
			e.active = true
		}
		if e.active {
			s.armLocked(e, true)
		}
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop disarms every clock and waits (bounded by ctx) for in-flight runs.
// It never interrupts a run that already began.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	for _, e := range s.jobs {
		e.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("service stop timed out with runs in flight", logx.Duration("took", time.Since(start)))
	}
}

// StartJob arms the job's clock and fires one immediate out-of-band run so
// operational state is warm right after deployment instead of waiting a full
// period. Starting an already-started job is a safe no-op (warned, not an
// error).
func (s *Service) StartJob(name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: job %q: %w", name, ErrUnknownJob)
	}
	if e.active {
		s.mu.Unlock()
		s.log.Warn("job already started", logx.String("job", name))
		return nil
	}
	e.active = true
	armed := false
	if s.c != nil {
		armed = s.armLocked(e, true)
	}
	s.mu.Unlock()

	if !armed {
		// Engine not running yet; the clock arms on Start().
		s.log.Debug("job start deferred until service start", logx.String("job", name))
	}
	return nil
}

// StopJob disarms the job's clock. An in-flight run keeps going; only future
// ticks are prevented. Safe to call when the job was never started.
func (s *Service) StopJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("scheduler: job %q: %w", name, ErrUnknownJob)
	}
	e.active = false
	if s.c != nil && e.entryID != 0 {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
	s.log.Info("job stopped", logx.String("job", name))
	return nil
}

// RunNow executes the job body immediately, outside the schedule, and returns
// after the run sealed. It serializes against scheduled runs: if one is in
// flight the call fails with ErrAlreadyRunning and performs no work.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: job %q: %w", name, ErrUnknownJob)
	}
	if !e.state.acquire() {
		return fmt.Errorf("scheduler: job %q: %w", name, ErrAlreadyRunning)
	}
	run := s.execute(ctx, e, CauseManual)
	if run.Outcome == OutcomeFailure {
		return fmt.Errorf("scheduler: job %q failed: %s", name, run.Error)
	}
	return nil
}

// Status reports the job's operational state. The active/entryID pair is
// snapshotted under s.mu so a concurrent StartJob/StopJob never yields a torn
// running/next-fire view.
func (s *Service) Status(name string) (State, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return State{}, fmt.Errorf("scheduler: job %q: %w", name, ErrUnknownJob)
	}
	st := State{Started: e.active}
	if s.c != nil && e.entryID != 0 {
		st.NextRun = s.c.Entry(e.entryID).Next
	}
	s.mu.Unlock()

	st.InFlight = e.state.inFlight()
	e.hmu.Lock()
	if n := len(e.history); n > 0 {
		last := e.history[n-1]
		st.LastRun = &last
	}
	e.hmu.Unlock()
	return st, nil
}

// History returns a copy of the job's retained runs, oldest first.
func (s *Service) History(name string) ([]JobRun, error) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scheduler: job %q: %w", name, ErrUnknownJob)
	}
	e.hmu.Lock()
	defer e.hmu.Unlock()
	return append([]JobRun(nil), e.history...), nil
}

// Jobs lists registered job names, sorted.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// armLocked registers the job's cron entry and (optionally) fires the
// immediate startup run. Call with s.mu held and s.c non-nil.
func (s *Service) armLocked(e *jobEntry, startupRun bool) bool {
	if e.entryID != 0 {
		return true
	}
	eid, err := s.c.AddFunc(e.desc.Schedule, func() { s.tick(e) })
	if err != nil {
		// Schedule was validated at Register; reaching this is a bug.
		s.log.Error("job arm failed", logx.String("job", e.desc.Name), logx.Err(err))
		return false
	}
	e.entryID = eid
	s.log.Info("job started",
		logx.String("job", e.desc.Name),
		logx.String("spec", e.desc.Schedule),
		logx.Time("next", s.c.Entry(eid).Next))

	if startupRun {
		s.spawnRun(e, CauseStartup)
	}
	return true
}

// tick handles one clock fire. robfig/cron invokes it on a per-fire
// goroutine, so executing inline never blocks the timer.
func (s *Service) tick(e *jobEntry) {
	if !e.state.acquire() {
		s.log.Warn("tick dropped (previous run still in flight)", logx.String("job", e.desc.Name))
		return
	}
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		e.state.release()
		return
	}
	s.runWG.Add(1)
	defer s.runWG.Done()
	s.execute(ctx, e, CauseScheduled)
}

// spawnRun fires an out-of-band run on its own goroutine if the job is idle.
// Call with s.mu held.
func (s *Service) spawnRun(e *jobEntry, cause Cause) {
	if !e.state.acquire() {
		return
	}
	ctx := s.runCtx
	if ctx == nil {
		e.state.release()
		return
	}
	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.execute(ctx, e, cause)
	}()
}

// execute runs the body with the run flag held (callers acquire) and seals
// the outcome into a JobRun. Panics and errors stop here; nothing propagates
// to the cron engine.
func (s *Service) execute(ctx context.Context, e *jobEntry, cause Cause) JobRun {
	defer e.state.release()

	run := JobRun{Started: time.Now(), Cause: cause}

	err := s.runBody(ctx, e)
	run.Ended = time.Now()
	dur := run.Ended.Sub(run.Started)

	switch {
	case err == nil:
		run.Outcome = OutcomeSuccess
		s.log.Info("run ok", logx.String("job", e.desc.Name), logx.String("cause", string(cause)), logx.Duration("dur", dur))
	case isPartial(err):
		run.Outcome = OutcomePartial
		run.Error = err.Error()
		s.log.Warn("run partial", logx.String("job", e.desc.Name), logx.String("cause", string(cause)), logx.Duration("dur", dur), logx.Err(err))
	default:
		run.Outcome = OutcomeFailure
		run.Error = err.Error()
		s.log.Error("run failed", logx.String("job", e.desc.Name), logx.String("cause", string(cause)), logx.Duration("dur", dur), logx.Err(err))
	}

	s.appendHistory(e, run)
	s.record(e.desc.Name, run)
	return run
}

func (s *Service) runBody(ctx context.Context, e *jobEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job body: %v", r)
		}
	}()
	return e.body(ctx)
}

func (s *Service) appendHistory(e *jobEntry, run JobRun) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = 50
	}

	e.hmu.Lock()
	defer e.hmu.Unlock()
	e.history = append(e.history, run)
	if len(e.history) > size {
		e.history = e.history[len(e.history)-size:]
	}
}

// record persists the sealed run. Best-effort: storage trouble is logged and
// never fails the run.
func (s *Service) record(job string, run JobRun) {
	s.mu.Lock()
	rec := s.recorder
	s.mu.Unlock()
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.RecordRun(ctx, job, run); err != nil {
		s.log.Warn("run record not persisted", logx.String("job", job), logx.Err(err))
	}
}
