// Package scheduler drives matchpulse's recurring background jobs.
//
// # Overview
//
// Jobs are registered once at startup under a unique name together with a
// cron expression, then started and stopped individually. All expressions are
// evaluated in one fixed IANA timezone from config, so "fire at 06:00" means
// the same wall-clock moment on every deployment host.
//
// # Non-overlap
//
// Each job carries an exclusive run flag. A tick that fires while the
// previous run is still executing is dropped and logged, never queued or
// backfilled. RunNow serializes against scheduled runs through the same flag
// and reports ErrAlreadyRunning instead of double-executing.
//
// # Failure isolation
//
// Job bodies may fail or panic; either is captured into a failed JobRun at
// the execution boundary. The cron engine and the other jobs are never
// affected.
package scheduler
