package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livinlefevreloca/conductor/internal/jobs"
)

// ErrExecutionFailure marks an outcome whose command did not succeed
var ErrExecutionFailure = errors.New("execution failed")

// Config holds dispatcher settings
type Config struct {
	// Shell runs inline scripts as: Shell -c <script> <job id> <arguments...>
	Shell string
}

// Request asks for one execution of a job
type Request struct {
	Job         *jobs.Job
	ScheduledAt time.Time
	CatchUp     bool
	LastMissed  time.Time // most recent missed occurrence, catch-up only
}

// Outcome is the result of one dispatched execution
type Outcome struct {
	RunID       string
	JobID       string
	ScheduledAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	ExitCode    int
	CatchUp     bool
	LastMissed  time.Time
	Err         error // wraps ErrExecutionFailure when set
}

// Success reports whether the command exited zero
func (o Outcome) Success() bool {
	return o.Err == nil
}

// Dispatcher launches job executions without blocking the caller
type Dispatcher struct {
	config   Config
	executor Executor
	environ  func() []string
	now      func() time.Time
	logger   *slog.Logger

	wg sync.WaitGroup
}

// New creates a dispatcher that runs commands through executor
func New(config Config, executor Executor, logger *slog.Logger) *Dispatcher {
	if config.Shell == "" {
		config.Shell = "/bin/sh"
	}
	return &Dispatcher{
		config:   config,
		executor: executor,
		environ:  os.Environ,
		now:      time.Now,
		logger:   logger,
	}
}

// Dispatch starts the job in its own goroutine and returns its run ID.
// report is called exactly once, from that goroutine, when the command ends.
func (d *Dispatcher) Dispatch(req Request, report func(Outcome)) string {
	runID := uuid.NewString()
	cmd := d.command(req.Job)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		report(d.execute(runID, req, cmd))
	}()

	return runID
}

// Wait blocks until every dispatched execution has reported
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// command builds the process description for a job
func (d *Dispatcher) command(job *jobs.Job) Command {
	cmd := Command{
		Dir: job.WorkingDirectory,
		Env: MergeEnv(d.environ(), job.Environment),
	}

	if job.Script != "" {
		cmd.Path = d.config.Shell
		cmd.Args = append([]string{"-c", job.Script, job.ID}, job.Arguments...)
	} else {
		cmd.Path = job.Command
		cmd.Args = job.Arguments
	}
	return cmd
}

func (d *Dispatcher) execute(runID string, req Request, cmd Command) (outcome Outcome) {
	outcome = Outcome{
		RunID:       runID,
		JobID:       req.Job.ID,
		ScheduledAt: req.ScheduledAt,
		StartedAt:   d.now(),
		CatchUp:     req.CatchUp,
		LastMissed:  req.LastMissed,
	}

	defer func() {
		if p := recover(); p != nil {
			outcome.ExitCode = -1
			outcome.Err = fmt.Errorf("%w: executor panic: %v", ErrExecutionFailure, p)
		}
		outcome.EndedAt = d.now()
	}()

	d.logger.Debug("starting job", "job_id", req.Job.ID, "run_id", runID, "command", cmd.Path)

	code, err := d.executor.Execute(cmd)
	outcome.ExitCode = code
	if err != nil {
		outcome.Err = fmt.Errorf("%w: %w", ErrExecutionFailure, err)
	}
	return outcome
}
