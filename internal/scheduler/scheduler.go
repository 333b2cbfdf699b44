package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/livinlefevreloca/conductor/internal/dispatch"
	"github.com/livinlefevreloca/conductor/internal/inbox"
	"github.com/livinlefevreloca/conductor/internal/jobs"
	"github.com/livinlefevreloca/conductor/internal/ledger"
	"github.com/livinlefevreloca/conductor/internal/metrics"
	"github.com/livinlefevreloca/conductor/internal/scheduler/index"
)

// ErrLedgerWrite is returned by Run when ledger writes keep failing past the retry budget
var ErrLedgerWrite = errors.New("scheduler: ledger write failed")

// ErrInboxFull is returned when a request cannot be queued for the coordinator
var ErrInboxFull = errors.New("scheduler: inbox full")

// Scheduler owns the timeline and the run ledger. All state is touched only
// by the goroutine executing Run; other goroutines talk to it through the inbox.
type Scheduler struct {
	// Configuration
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// State
	jobs     map[string]*jobs.Job // jobID → definition
	timeline *index.Timeline
	running  map[string]int // jobID → in-flight executions
	inFlight int

	// Persistence
	ledger     ledger.Ledger
	unsynced   map[string]pendingWrite // jobID → write to retry
	retry      *backoff.ExponentialBackOff
	retrySince time.Time
	retryAt    time.Time

	// Communication
	dispatcher Dispatcher
	inbox      *inbox.Inbox[InboxMessage]

	// Completions that could not be queued, settled by the coordinator
	droppedMu sync.Mutex
	dropped   []string // jobIDs
	droppedC  chan struct{}
}

// New creates a scheduler for the given registry. The ledger is not read
// until Run is called.
func New(config Config, registry []*jobs.Job, l ledger.Ledger, d Dispatcher, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	byID := make(map[string]*jobs.Job, len(registry))
	for _, job := range registry {
		if _, dup := byID[job.ID]; dup {
			return nil, fmt.Errorf("duplicate job id %q", job.ID)
		}
		byID[job.ID] = job
	}

	return &Scheduler{
		config:     config,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		jobs:       byID,
		timeline:   index.NewTimeline(nil),
		running:    make(map[string]int),
		ledger:     l,
		unsynced:   make(map[string]pendingWrite),
		dispatcher: d,
		inbox:      inbox.New[InboxMessage](config.InboxBufferSize, config.InboxSendTimeout, logger),
		droppedC:   make(chan struct{}, 1),
	}, nil
}

// Reload replaces the job registry. It returns false if the request could
// not be queued.
func (s *Scheduler) Reload(registry []*jobs.Job) bool {
	return s.inbox.Send(InboxMessage{
		Type: MsgReload,
		Data: ReloadMsg{Jobs: registry},
	})
}

// Snapshot asks the coordinator for its current state
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	resp := make(chan interface{}, 1)
	if !s.inbox.Send(InboxMessage{Type: MsgGetSnapshot, ResponseChan: resp}) {
		return Snapshot{}, ErrInboxFull
	}

	select {
	case r := <-resp:
		return r.(Snapshot), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Run restores the timeline from the ledger, dispatches catch-up runs and
// then drives the wait/dispatch loop until ctx is cancelled. On return every
// dispatched execution has finished. A cancelled ctx is a clean stop and
// returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		return err
	}

	// Ledger writes must complete even while shutting down
	persistCtx := context.WithoutCancel(ctx)

	s.logger.Info("scheduler started",
		"jobs", len(s.jobs),
		"timeline_entries", s.timeline.Len(),
		"ledger", s.ledger.Path())

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	var cause error
	for cause == nil {
		s.settleDropped()
		s.dispatchDue(persistCtx)

		if s.retry != nil && !s.now().Before(s.retryAt) {
			if err := s.flushUnsynced(persistCtx); err != nil {
				cause = err
				break
			}
		}

		s.metrics.SetTimelineEntries(s.timeline.Len())
		s.metrics.SetRunningExecutions(s.inFlight)

		var wake <-chan time.Time
		if at, ok := s.nextWake(); ok {
			timer.Reset(max(at.Sub(s.now()), 0))
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			cause = ctx.Err()
		case msg := <-s.inbox.C():
			s.inbox.Received()
			s.handleMessage(persistCtx, msg)
		case <-s.droppedC:
		case <-wake:
		}
	}

	return s.shutdown(persistCtx, cause)
}

// restore seeds the timeline from the ledger and the registry
func (s *Scheduler) restore(ctx context.Context) error {
	records, err := s.ledger.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load run ledger: %w", err)
	}

	keep := make(map[string]struct{}, len(s.jobs))
	for id := range s.jobs {
		keep[id] = struct{}{}
	}
	removed, err := s.ledger.Prune(ctx, keep)
	if err != nil {
		return fmt.Errorf("%w: prune: %w", ErrLedgerWrite, err)
	}
	if removed > 0 {
		s.logger.Info("pruned stale ledger records", "count", removed)
	}

	now := s.now()
	catchUp := 0
	for _, id := range slices.Sorted(maps.Keys(s.jobs)) {
		job := s.jobs[id]

		recorded, ok := records[id]
		if ok && job.HasStart() && recorded.Before(job.Start) {
			s.logger.Debug("ignoring ledger record before job start",
				"job_id", id,
				"recorded_at", recorded,
				"start", job.Start)
			ok = false
		}

		if !ok {
			s.scheduleFirst(ctx, job, now)
			continue
		}

		if job.Retired(recorded) {
			s.retire(ctx, id, "stop instant reached")
			continue
		}

		entry := index.Entry{JobID: id, At: recorded, CatchUp: recorded.Before(now)}
		if entry.CatchUp {
			catchUp++
		}
		s.timeline.Push(entry)
	}

	s.logger.Info("timeline restored",
		"entries", s.timeline.Len(),
		"ledger_records", len(records),
		"catch_up", catchUp)
	return nil
}

// scheduleFirst puts a job on the timeline at its first occurrence at or after max(now, start)
func (s *Scheduler) scheduleFirst(ctx context.Context, job *jobs.Job, now time.Time) {
	at, err := job.FirstOccurrence(now)
	if err != nil {
		s.logger.Error("failed to compute first occurrence", "job_id", job.ID, "error", err)
		s.retire(ctx, job.ID, "no further occurrence")
		return
	}
	if job.Retired(at) {
		s.retire(ctx, job.ID, "stop instant reached")
		return
	}

	s.persist(ctx, job.ID, pendingWrite{at: at})
	s.timeline.Push(index.Entry{JobID: job.ID, At: at})
}

// dispatchDue pops every entry at or before now, reschedules it and hands it to the dispatcher
func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.now()
	for _, entry := range s.timeline.PopDue(now) {
		job, ok := s.jobs[entry.JobID]
		if !ok {
			continue
		}

		s.reschedule(ctx, job, entry, now)
		s.launch(job, entry, now)
	}
}

// reschedule computes the occurrence after a due entry and puts it on the
// timeline. A catch-up entry continues strictly after now; any other entry
// continues strictly after its own instant.
func (s *Scheduler) reschedule(ctx context.Context, job *jobs.Job, entry index.Entry, now time.Time) {
	after := entry.At
	if entry.CatchUp {
		after = now
	}

	next, err := job.Schedule.Next(after)
	if err == nil && job.HasStart() && next.Before(job.Start) {
		next, err = job.Schedule.NextFrom(job.Start)
	}
	if err != nil {
		s.logger.Error("failed to compute next occurrence", "job_id", job.ID, "error", err)
		s.retire(ctx, job.ID, "no further occurrence")
		return
	}

	if job.Retired(next) {
		s.retire(ctx, job.ID, "stop instant reached")
		return
	}

	s.persist(ctx, job.ID, pendingWrite{at: next})
	s.timeline.Push(index.Entry{JobID: job.ID, At: next})

	s.logger.Debug("rescheduled job", "job_id", job.ID, "next_run_at", next)
}

func (s *Scheduler) launch(job *jobs.Job, entry index.Entry, now time.Time) {
	req := dispatch.Request{
		Job:         job,
		ScheduledAt: entry.At,
		CatchUp:     entry.CatchUp,
	}

	if entry.CatchUp {
		req.LastMissed = s.lastMissed(job, now)
		s.metrics.CatchUpDispatched()
		s.logger.Info("catching up missed run",
			"job_id", job.ID,
			"recorded_at", entry.At,
			"last_missed", req.LastMissed)
	}

	s.running[job.ID]++
	s.inFlight++
	runID := s.dispatcher.Dispatch(req, s.report)

	s.logger.Debug("dispatched job",
		"job_id", job.ID,
		"run_id", runID,
		"scheduled_at", entry.At)
}

// lastMissed returns the most recent occurrence before now that the job was eligible for
func (s *Scheduler) lastMissed(job *jobs.Job, now time.Time) time.Time {
	before := now
	if job.HasStop() && job.Stop.Before(before) {
		before = job.Stop
	}
	prev, err := job.Schedule.Previous(before)
	if err != nil {
		return time.Time{}
	}
	return prev
}

// retire drops a job from the timeline and the ledger
func (s *Scheduler) retire(ctx context.Context, jobID, reason string) {
	s.timeline.Remove(jobID)
	s.persist(ctx, jobID, pendingWrite{remove: true})
	s.metrics.JobRetired()
	s.logger.Info("job retired", "job_id", jobID, "reason", reason)
}

// report is called by the dispatcher from the execution's goroutine
func (s *Scheduler) report(outcome dispatch.Outcome) {
	if s.inbox.Send(InboxMessage{Type: MsgDispatchComplete, Data: outcome}) {
		return
	}

	// The coordinator is saturated: log here and leave only the
	// bookkeeping to it.
	s.metrics.DispatchFinished(outcome.Success())
	s.logOutcome(outcome)

	s.droppedMu.Lock()
	s.dropped = append(s.dropped, outcome.JobID)
	s.droppedMu.Unlock()

	select {
	case s.droppedC <- struct{}{}:
	default:
	}
}

// settleDropped accounts for completions whose message was dropped
func (s *Scheduler) settleDropped() {
	s.droppedMu.Lock()
	dropped := s.dropped
	s.dropped = nil
	s.droppedMu.Unlock()

	for _, jobID := range dropped {
		s.finished(jobID)
	}
	if len(dropped) > 0 {
		s.metrics.SetRunningExecutions(s.inFlight)
	}
}

// finished removes one execution of jobID from the in-flight counts
func (s *Scheduler) finished(jobID string) {
	if s.running[jobID] > 1 {
		s.running[jobID]--
	} else {
		delete(s.running, jobID)
	}
	s.inFlight--
}

// persist writes one ledger change, queueing it for retry on failure.
// The in-memory timeline advances either way.
func (s *Scheduler) persist(ctx context.Context, jobID string, w pendingWrite) {
	delete(s.unsynced, jobID)

	if err := s.write(ctx, jobID, w); err != nil {
		s.metrics.LedgerWriteFailed()
		s.logger.Warn("ledger write failed, will retry",
			"job_id", jobID,
			"error", err)
		s.unsynced[jobID] = w
		s.startRetry()
	}
}

func (s *Scheduler) write(ctx context.Context, jobID string, w pendingWrite) error {
	if w.remove {
		return s.ledger.Delete(ctx, jobID)
	}
	return s.ledger.Upsert(ctx, jobID, w.at)
}

// startRetry arms the retry timer unless it is already running
func (s *Scheduler) startRetry() {
	if s.retry != nil {
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.WriteRetryInitial
	b.MaxInterval = s.config.WriteRetryMaxElapsed
	b.Reset()

	now := s.now()
	s.retry = b
	s.retrySince = now
	s.retryAt = now.Add(b.NextBackOff())
}

// flushUnsynced retries queued ledger writes in job order. It returns
// ErrLedgerWrite once writes have been failing for longer than the budget.
func (s *Scheduler) flushUnsynced(ctx context.Context) error {
	for _, id := range slices.Sorted(maps.Keys(s.unsynced)) {
		if err := s.write(ctx, id, s.unsynced[id]); err != nil {
			s.metrics.LedgerWriteFailed()

			now := s.now()
			if now.Sub(s.retrySince) >= s.config.WriteRetryMaxElapsed {
				return fmt.Errorf("%w: job %s: %w", ErrLedgerWrite, id, err)
			}

			s.retryAt = now.Add(s.retry.NextBackOff())
			s.logger.Warn("ledger write retry failed",
				"job_id", id,
				"unsynced", len(s.unsynced),
				"failing_for", now.Sub(s.retrySince),
				"error", err)
			return nil
		}
		delete(s.unsynced, id)
	}

	s.logger.Info("ledger writes recovered", "failing_for", s.now().Sub(s.retrySince))
	s.retry = nil
	return nil
}

// nextWake returns the earliest instant the loop has work to do
func (s *Scheduler) nextWake() (time.Time, bool) {
	head, ok := s.timeline.Peek()
	at := head.At
	if s.retry != nil && (!ok || s.retryAt.Before(at)) {
		at = s.retryAt
		ok = true
	}
	return at, ok
}

// handleMessage dispatches messages to appropriate handlers
func (s *Scheduler) handleMessage(ctx context.Context, msg InboxMessage) {
	s.logger.Debug("handling message", "type", msg.Type.String())

	switch msg.Type {
	case MsgDispatchComplete:
		s.handleDispatchComplete(msg)
	case MsgReload:
		s.handleReload(ctx, msg)
	case MsgGetSnapshot:
		s.handleGetSnapshot(msg)
	default:
		s.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// handleDispatchComplete records a finished execution
func (s *Scheduler) handleDispatchComplete(msg InboxMessage) {
	outcome := msg.Data.(dispatch.Outcome)

	s.finished(outcome.JobID)

	s.metrics.DispatchFinished(outcome.Success())
	s.metrics.SetRunningExecutions(s.inFlight)
	s.logOutcome(outcome)
}

// logOutcome writes the single log line for a dispatch
func (s *Scheduler) logOutcome(o dispatch.Outcome) {
	attrs := []any{
		"job_id", o.JobID,
		"run_id", o.RunID,
		"scheduled_at", o.ScheduledAt,
		"started_at", o.StartedAt,
		"ended_at", o.EndedAt,
		"exit_code", o.ExitCode,
	}
	if o.CatchUp {
		attrs = append(attrs, "catch_up", true)
	}

	if o.Success() {
		s.logger.Info("dispatch finished", append(attrs, "outcome", metrics.OutcomeSuccess)...)
		return
	}
	s.logger.Warn("dispatch finished", append(attrs, "outcome", metrics.OutcomeFailure, "error", o.Err)...)
}

// handleReload replaces the registry. Unchanged jobs keep their entry,
// changed and new jobs are scheduled from now, removed jobs are retired.
func (s *Scheduler) handleReload(ctx context.Context, msg InboxMessage) {
	data := msg.Data.(ReloadMsg)
	now := s.now()

	next := make(map[string]*jobs.Job, len(data.Jobs))
	for _, job := range data.Jobs {
		next[job.ID] = job
	}

	var added, changed, removed int
	for _, id := range slices.Sorted(maps.Keys(s.jobs)) {
		if _, ok := next[id]; ok {
			continue
		}
		s.timeline.Remove(id)
		s.persist(ctx, id, pendingWrite{remove: true})
		removed++
		s.logger.Info("job removed", "job_id", id)
	}

	for _, id := range slices.Sorted(maps.Keys(next)) {
		job := next[id]
		old, existed := s.jobs[id]
		if existed && old.Equal(job) {
			continue
		}

		s.timeline.Remove(id)
		s.scheduleFirst(ctx, job, now)

		entry, scheduled := s.timeline.Get(id)
		if existed {
			changed++
			s.logger.Info("job changed", "job_id", id, "scheduled", scheduled, "next_run_at", entry.At)
		} else {
			added++
			s.logger.Info("job added", "job_id", id, "scheduled", scheduled, "next_run_at", entry.At)
		}
	}

	s.jobs = next
	s.logger.Info("job registry reloaded",
		"jobs", len(next),
		"added", added,
		"changed", changed,
		"removed", removed)
}

// handleGetSnapshot returns the coordinator's current state
func (s *Scheduler) handleGetSnapshot(msg InboxMessage) {
	s.settleDropped()

	response := Snapshot{
		Entries:        s.timeline.Snapshot(),
		Running:        maps.Clone(s.running),
		Jobs:           len(s.jobs),
		UnsyncedWrites: len(s.unsynced),
		InboxStats:     s.inbox.Stats(),
	}

	if msg.ResponseChan != nil {
		msg.ResponseChan <- response
	}
}

// shutdown stops admitting dispatches, waits for in-flight executions and
// makes a last attempt at any unsynced ledger writes
func (s *Scheduler) shutdown(ctx context.Context, cause error) error {
	s.logger.Info("shutting down scheduler", "in_flight", s.inFlight, "cause", cause)

	done := make(chan struct{})
	go func() {
		s.dispatcher.Wait()
		close(done)
	}()

	for waiting := true; waiting; {
		select {
		case msg := <-s.inbox.C():
			s.inbox.Received()
			s.handleStopping(ctx, msg)
		case <-done:
			waiting = false
		}
	}

	for {
		msg, ok := s.inbox.TryReceive()
		if !ok {
			break
		}
		s.handleStopping(ctx, msg)
	}
	s.settleDropped()

	if errors.Is(cause, ErrLedgerWrite) {
		s.logger.Error("scheduler stopped", "error", cause)
		return cause
	}

	if len(s.unsynced) > 0 {
		if err := s.flushUnsynced(ctx); err != nil || len(s.unsynced) > 0 {
			err = fmt.Errorf("%w: %d records unsynced at shutdown", ErrLedgerWrite, len(s.unsynced))
			s.logger.Error("scheduler stopped", "error", err)
			return err
		}
	}

	s.logger.Info("scheduler shutdown complete")
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return nil
	}
	return cause
}

// handleStopping handles messages after the loop has stopped admitting work
func (s *Scheduler) handleStopping(ctx context.Context, msg InboxMessage) {
	if msg.Type == MsgReload {
		s.logger.Debug("ignoring reload during shutdown")
		return
	}
	s.handleMessage(ctx, msg)
}
