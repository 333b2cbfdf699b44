package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/livinlefevreloca/conductor/internal/dispatch"
	"github.com/livinlefevreloca/conductor/internal/inbox"
	"github.com/livinlefevreloca/conductor/internal/jobs"
	"github.com/livinlefevreloca/conductor/internal/ledger"
	"github.com/livinlefevreloca/conductor/internal/scheduler/index"
	"github.com/livinlefevreloca/conductor/internal/testutil"
)

// base is half a minute past a minute boundary so every-minute jobs are not due on load
var base = time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)

type harness struct {
	s          *Scheduler
	ledger     *testutil.MockLedger
	dispatcher *testutil.MockDispatcher
	clock      *testutil.MockClock
	logs       *testutil.TestLogger
}

func testConfig() Config {
	config := DefaultConfig()
	config.Timezone = "UTC"
	config.WriteRetryInitial = 5 * time.Millisecond
	config.WriteRetryMaxElapsed = 50 * time.Millisecond
	return config
}

// newHarness builds a scheduler on a mock clock set to base
func newHarness(t *testing.T, registry []*jobs.Job, l *testutil.MockLedger) *harness {
	t.Helper()

	if l == nil {
		l = testutil.NewMockLedger()
	}
	h := &harness{
		ledger:     l,
		dispatcher: testutil.NewMockDispatcher(),
		clock:      testutil.NewMockClock(base),
		logs:       testutil.NewTestLogger(),
	}

	s, err := New(testConfig(), registry, h.ledger, h.dispatcher, nil, h.logs.Logger())
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	s.now = h.clock.Now
	h.s = s
	return h
}

// restore runs the startup reconciliation
func (h *harness) restore(t *testing.T) {
	t.Helper()
	if err := h.s.restore(context.Background()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
}

// entry returns the pending timeline entry for a job
func (h *harness) entry(t *testing.T, jobID string) index.Entry {
	t.Helper()
	e, ok := h.s.timeline.Get(jobID)
	if !ok {
		t.Fatalf("expected %s on the timeline", jobID)
	}
	return e
}

// drainReports handles every completion the mock dispatcher has reported
func (h *harness) drainReports(t *testing.T) {
	t.Helper()
	h.dispatcher.Wait()
	for {
		msg, ok := h.s.inbox.TryReceive()
		if !ok {
			return
		}
		h.s.handleMessage(context.Background(), msg)
	}
}

func minute(n int) time.Time {
	return time.Date(2024, 3, 1, 12, n, 0, 0, time.UTC)
}

// runScheduler starts Run in a goroutine and returns a stop function that
// cancels it and returns its error
func runScheduler(t *testing.T, s *Scheduler) (context.CancelFunc, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
	return nil
}

func waitDispatch(t *testing.T, d *testutil.MockDispatcher) dispatch.Request {
	t.Helper()
	select {
	case req := <-d.Requested():
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a dispatch")
	}
	return dispatch.Request{}
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_RejectsDuplicateJobIDs(t *testing.T) {
	registry := []*jobs.Job{
		testutil.NewJob("a", "* * * * *"),
		testutil.NewJob("a", "0 * * * *"),
	}

	_, err := New(testConfig(), registry, testutil.NewMockLedger(), testutil.NewMockDispatcher(), nil, testutil.NewTestLogger().Logger())
	if err == nil {
		t.Fatal("expected error for duplicate job id")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	config := testConfig()
	config.InboxBufferSize = 0

	_, err := New(config, nil, testutil.NewMockLedger(), testutil.NewMockDispatcher(), nil, testutil.NewTestLogger().Logger())
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
}

// =============================================================================
// Restore Tests
// =============================================================================

// TestRestore_FirstLoadDoesNotBackfill verifies that a job eligible since two
// hours ago starts at the next minute boundary rather than replaying the gap.
func TestRestore_FirstLoadDoesNotBackfill(t *testing.T) {
	job := testutil.NewJob("a", "* * * * *")
	job.Start = base.Add(-2 * time.Hour)

	h := newHarness(t, []*jobs.Job{job}, nil)
	h.restore(t)

	e := h.entry(t, "a")
	if !e.At.Equal(minute(1)) {
		t.Errorf("expected first instant %v, got %v", minute(1), e.At)
	}
	if e.CatchUp {
		t.Error("expected a fresh job not to be a catch-up entry")
	}

	rec, ok := h.ledger.Record("a")
	if !ok || !rec.Equal(minute(1)) {
		t.Errorf("expected ledger record %v, got %v (present=%v)", minute(1), rec, ok)
	}
	if h.logs.HasWarning() || h.logs.HasError() {
		t.Errorf("expected a clean restore, got %+v", h.logs.GetEntriesByLevel("WARN"))
	}
}

func TestRestore_StartInFuture(t *testing.T) {
	job := testutil.NewJob("a", "* * * * *")
	job.Start = minute(10)

	h := newHarness(t, []*jobs.Job{job}, nil)
	h.restore(t)

	if e := h.entry(t, "a"); !e.At.Equal(minute(10)) {
		t.Errorf("expected first instant at start %v, got %v", minute(10), e.At)
	}
}

func TestRestore_UsesLedgerRecord(t *testing.T) {
	l := testutil.NewMockLedger()
	l.Seed("a", minute(45))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, l)
	h.restore(t)

	e := h.entry(t, "a")
	if !e.At.Equal(minute(45)) {
		t.Errorf("expected ledger instant %v, got %v", minute(45), e.At)
	}
	if e.CatchUp {
		t.Error("expected a future record not to be a catch-up entry")
	}
	if n := len(l.Upserts()); n != 0 {
		t.Errorf("expected no ledger writes for a restored record, got %d", n)
	}
}

func TestRestore_PastRecordIsCatchUp(t *testing.T) {
	l := testutil.NewMockLedger()
	l.Seed("b", base.Add(-10*time.Minute))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("b", "* * * * *")}, l)
	h.restore(t)

	e := h.entry(t, "b")
	if !e.CatchUp {
		t.Error("expected a past record to be a catch-up entry")
	}
	if !e.At.Equal(base.Add(-10 * time.Minute)) {
		t.Errorf("expected entry at recorded instant, got %v", e.At)
	}
}

func TestRestore_PrunesStaleRecords(t *testing.T) {
	l := testutil.NewMockLedger()
	l.Seed("a", minute(5))
	l.Seed("gone", minute(5))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, l)
	h.restore(t)

	records := l.Records()
	if _, ok := records["gone"]; ok {
		t.Error("expected record for removed job to be pruned")
	}
	if len(records) != 1 || !records["a"].Equal(minute(5)) {
		t.Errorf("expected only the registered job's record, got %v", records)
	}
}

func TestRestore_RecordBeforeStartIgnored(t *testing.T) {
	job := testutil.NewJob("a", "* * * * *")
	job.Start = minute(20)

	l := testutil.NewMockLedger()
	l.Seed("a", base.Add(-time.Hour))

	h := newHarness(t, []*jobs.Job{job}, l)
	h.restore(t)

	e := h.entry(t, "a")
	if e.CatchUp || !e.At.Equal(minute(20)) {
		t.Errorf("expected entry at start %v without catch-up, got %+v", minute(20), e)
	}
}

func TestRestore_RetiresAtStop(t *testing.T) {
	tests := []struct {
		name   string
		record time.Time // zero means no record
		stop   time.Time
	}{
		{"record at stop", minute(5), minute(5)},
		{"record after stop", minute(10), minute(5)},
		{"first occurrence at stop", time.Time{}, minute(1)},
		{"stop already passed", time.Time{}, base.Add(-time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := testutil.NewJob("a", "* * * * *")
			job.Stop = tt.stop

			l := testutil.NewMockLedger()
			if !tt.record.IsZero() {
				l.Seed("a", tt.record)
			}

			h := newHarness(t, []*jobs.Job{job}, l)
			h.restore(t)

			if h.s.timeline.Len() != 0 {
				t.Errorf("expected retired job off the timeline, got %+v", h.s.timeline.Snapshot())
			}
			if _, ok := l.Record("a"); ok {
				t.Error("expected retired job's record to be deleted")
			}
		})
	}
}

func TestRestore_LoadErrorIsFatal(t *testing.T) {
	l := testutil.NewMockLedger()
	l.SetLoadError(fmt.Errorf("%w: bad header", ledger.ErrCorruptLedger))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, l)

	err := h.s.Run(context.Background())
	if !errors.Is(err, ledger.ErrCorruptLedger) {
		t.Errorf("expected ErrCorruptLedger, got %v", err)
	}
	if n := len(h.dispatcher.Requests()); n != 0 {
		t.Errorf("expected no dispatches, got %d", n)
	}
}

// =============================================================================
// Dispatch Tests
// =============================================================================

// TestDispatchDue_CatchUpFiresOnce verifies a job that missed occurrences
// while the daemon was down fires once and continues strictly after now.
func TestDispatchDue_CatchUpFiresOnce(t *testing.T) {
	l := testutil.NewMockLedger()
	l.Seed("b", base.Add(-10*time.Minute))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("b", "* * * * *")}, l)
	h.restore(t)

	ctx := context.Background()
	h.s.dispatchDue(ctx)
	h.s.dispatchDue(ctx)

	reqs := h.dispatcher.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(reqs))
	}
	if !reqs[0].CatchUp {
		t.Error("expected catch-up request")
	}
	if !reqs[0].LastMissed.Equal(minute(0)) {
		t.Errorf("expected last missed occurrence %v, got %v", minute(0), reqs[0].LastMissed)
	}

	e := h.entry(t, "b")
	if !e.At.Equal(minute(1)) {
		t.Errorf("expected next instant %v (after now), got %v", minute(1), e.At)
	}
	if e.CatchUp {
		t.Error("expected rescheduled entry not to be catch-up")
	}

	rec, _ := l.Record("b")
	if !rec.Equal(minute(1)) {
		t.Errorf("expected ledger record %v, got %v", minute(1), rec)
	}
}

// TestDispatchDue_NextAfterDueInstant verifies steady-state rescheduling
// continues from the due instant rather than from now.
func TestDispatchDue_NextAfterDueInstant(t *testing.T) {
	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, nil)
	h.restore(t)

	h.clock.Set(minute(5))
	h.s.dispatchDue(context.Background())

	if e := h.entry(t, "a"); !e.At.Equal(minute(2)) {
		t.Errorf("expected next instant %v, got %v", minute(2), e.At)
	}
	reqs := h.dispatcher.Requests()
	if len(reqs) != 1 || !reqs[0].ScheduledAt.Equal(minute(1)) {
		t.Errorf("expected one dispatch scheduled at %v, got %+v", minute(1), reqs)
	}
}

func TestDispatchDue_NothingDue(t *testing.T) {
	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, nil)
	h.restore(t)

	h.s.dispatchDue(context.Background())
	if n := len(h.dispatcher.Requests()); n != 0 {
		t.Errorf("expected no dispatch before the first instant, got %d", n)
	}
}

// TestDispatchDue_TieBreakByJobID verifies jobs due at the same instant are
// dispatched in lexical order of their identifiers on every run.
func TestDispatchDue_TieBreakByJobID(t *testing.T) {
	ids := []string{"zeta", "alpha", "mid", "beta-2", "beta-10"}
	want := slices.Sorted(slices.Values(ids))

	for run := 0; run < 10; run++ {
		var registry []*jobs.Job
		for _, id := range ids {
			registry = append(registry, testutil.NewJob(id, "* * * * *"))
		}

		h := newHarness(t, registry, nil)
		h.restore(t)
		h.clock.Set(minute(1))
		h.s.dispatchDue(context.Background())

		if got := h.dispatcher.JobIDs(); !slices.Equal(got, want) {
			t.Fatalf("run %d: expected dispatch order %v, got %v", run, want, got)
		}
	}
}

// TestDispatchDue_StopInstant verifies a job whose next occurrence reaches
// its stop instant is dispatched for the last time and then retired.
func TestDispatchDue_StopInstant(t *testing.T) {
	job := testutil.NewJob("a", "* * * * *")
	job.Stop = minute(2)

	h := newHarness(t, []*jobs.Job{job}, nil)
	h.restore(t)

	h.clock.Set(minute(1))
	h.s.dispatchDue(context.Background())

	if n := h.dispatcher.CountFor("a"); n != 1 {
		t.Fatalf("expected final dispatch before stop, got %d", n)
	}
	if h.s.timeline.Len() != 0 {
		t.Errorf("expected job off the timeline, got %+v", h.s.timeline.Snapshot())
	}
	if _, ok := h.ledger.Record("a"); ok {
		t.Error("expected ledger record to be deleted on retirement")
	}

	h.clock.Set(minute(10))
	h.s.dispatchDue(context.Background())
	if n := h.dispatcher.CountFor("a"); n != 1 {
		t.Errorf("expected no dispatch after stop, got %d", n)
	}
}

// TestDispatchDue_MonthEndJob verifies a day-31 job is never scheduled on a
// day its crontab excludes.
func TestDispatchDue_MonthEndJob(t *testing.T) {
	h := newHarness(t, []*jobs.Job{testutil.NewJob("month-end", "0 0 31 * *")}, nil)
	h.clock.Set(time.Date(2025, 4, 1, 0, 0, 30, 0, time.UTC))
	h.restore(t)

	mayEnd := time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC)
	if e := h.entry(t, "month-end"); !e.At.Equal(mayEnd) {
		t.Fatalf("expected first run at %v, got %v", mayEnd, e.At)
	}

	h.clock.Set(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC))
	h.s.dispatchDue(context.Background())
	if n := h.dispatcher.CountFor("month-end"); n != 0 {
		t.Fatalf("expected no dispatch on May 2, got %d", n)
	}

	h.clock.Set(mayEnd)
	h.s.dispatchDue(context.Background())
	if n := h.dispatcher.CountFor("month-end"); n != 1 {
		t.Fatalf("expected dispatch on May 31, got %d", n)
	}

	julyEnd := time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC)
	if e := h.entry(t, "month-end"); !e.At.Equal(julyEnd) {
		t.Errorf("expected next run at %v, got %v", julyEnd, e.At)
	}
	if at, ok := h.ledger.Record("month-end"); !ok || !at.Equal(julyEnd) {
		t.Errorf("expected ledger record %v, got %v (present=%v)", julyEnd, at, ok)
	}
}

func TestDispatchDue_DoesNotWaitForRunningExecution(t *testing.T) {
	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, nil)
	h.restore(t)
	h.dispatcher.Hold()

	h.clock.Set(minute(1))
	h.s.dispatchDue(context.Background())
	h.clock.Set(minute(2))
	h.s.dispatchDue(context.Background())

	if n := h.dispatcher.HeldCount(); n != 2 {
		t.Errorf("expected two overlapping executions, got %d", n)
	}
	if h.s.running["a"] != 2 {
		t.Errorf("expected running count 2, got %d", h.s.running["a"])
	}

	h.dispatcher.Release()
	h.drainReports(t)
	if len(h.s.running) != 0 || h.s.inFlight != 0 {
		t.Errorf("expected no executions in flight, got running=%v inFlight=%d", h.s.running, h.s.inFlight)
	}
}

// =============================================================================
// Outcome Tests
// =============================================================================

func TestHandleDispatchComplete_LogsOneLinePerDispatch(t *testing.T) {
	h := newHarness(t, []*jobs.Job{
		testutil.NewJob("fails", "* * * * *"),
		testutil.NewJob("works", "* * * * *"),
	}, nil)
	h.dispatcher.FailJob("fails")
	h.restore(t)

	h.clock.Set(minute(1))
	h.s.dispatchDue(context.Background())
	h.drainReports(t)

	lines := h.logs.GetEntriesByMessage("dispatch finished")
	if len(lines) != 2 {
		t.Fatalf("expected 2 dispatch lines, got %d", len(lines))
	}

	byJob := make(map[string]testutil.LogEntry)
	for _, l := range lines {
		byJob[l.Fields["job_id"].(string)] = l
	}

	if got := byJob["works"].Fields["outcome"]; got != "success" {
		t.Errorf("expected success outcome, got %v", got)
	}
	failed := byJob["fails"]
	if failed.Fields["outcome"] != "failure" {
		t.Errorf("expected failure outcome, got %v", failed.Fields["outcome"])
	}
	if failed.Level != "WARN" {
		t.Errorf("expected failed dispatch at WARN, got %s", failed.Level)
	}
	for _, key := range []string{"run_id", "scheduled_at", "started_at", "ended_at", "exit_code"} {
		if _, ok := failed.Fields[key]; !ok {
			t.Errorf("expected %s in dispatch line", key)
		}
	}

	// Failure does not affect the next occurrence
	if e := h.entry(t, "fails"); !e.At.Equal(minute(2)) {
		t.Errorf("expected failed job rescheduled to %v, got %v", minute(2), e.At)
	}
}

// =============================================================================
// Ledger Write Failure Tests
// =============================================================================

func TestPersist_FailureQueuesRetryAndRecovers(t *testing.T) {
	l := testutil.NewMockLedger()
	l.FailWrites(1, errors.New("disk full"))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, l)
	h.restore(t)

	// Timeline advances even though the write failed
	if e := h.entry(t, "a"); !e.At.Equal(minute(1)) {
		t.Errorf("expected entry at %v, got %v", minute(1), e.At)
	}
	if len(h.s.unsynced) != 1 || h.s.retry == nil {
		t.Fatalf("expected one queued write and an armed retry, got %d", len(h.s.unsynced))
	}
	if !h.logs.HasWarning() {
		t.Error("expected the failed write to be logged as a warning")
	}
	if at, ok := h.s.nextWake(); !ok || !at.Equal(h.s.retryAt) {
		t.Errorf("expected loop to wake for the retry at %v, got %v", h.s.retryAt, at)
	}

	if err := h.s.flushUnsynced(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.s.unsynced) != 0 || h.s.retry != nil {
		t.Error("expected retry state cleared after recovery")
	}
	if rec, ok := l.Record("a"); !ok || !rec.Equal(minute(1)) {
		t.Errorf("expected record %v after retry, got %v", minute(1), rec)
	}
}

func TestFlushUnsynced_EscalatesAfterBudget(t *testing.T) {
	l := testutil.NewMockLedger()
	l.FailWrites(-1, errors.New("read-only file system"))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, l)
	h.restore(t)

	if err := h.s.flushUnsynced(context.Background()); err != nil {
		t.Fatalf("expected retry within budget, got %v", err)
	}

	h.clock.Advance(time.Second)
	err := h.s.flushUnsynced(context.Background())
	if !errors.Is(err, ErrLedgerWrite) {
		t.Errorf("expected ErrLedgerWrite, got %v", err)
	}
}

func TestPersist_NewerWriteSupersedesQueued(t *testing.T) {
	l := testutil.NewMockLedger()
	l.FailWrites(1, errors.New("busy"))

	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, l)
	h.restore(t)

	h.clock.Set(minute(1))
	h.s.dispatchDue(context.Background())

	if len(h.s.unsynced) != 0 {
		t.Errorf("expected successful write to replace queued one, got %d queued", len(h.s.unsynced))
	}
	if rec, _ := l.Record("a"); !rec.Equal(minute(2)) {
		t.Errorf("expected record %v, got %v", minute(2), rec)
	}
}

// =============================================================================
// Reload Tests
// =============================================================================

func TestHandleReload_FullReplace(t *testing.T) {
	l := testutil.NewMockLedger()
	h := newHarness(t, []*jobs.Job{
		testutil.NewJob("keep", "* * * * *"),
		testutil.NewJob("change", "* * * * *"),
		testutil.NewJob("remove", "* * * * *"),
	}, l)
	h.restore(t)

	keepBefore := h.entry(t, "keep")

	h.clock.Set(base.Add(10 * time.Minute))
	h.s.handleReload(context.Background(), InboxMessage{
		Type: MsgReload,
		Data: ReloadMsg{Jobs: []*jobs.Job{
			testutil.NewJob("keep", "* * * * *"),
			testutil.NewJob("change", "0 * * * *"),
			testutil.NewJob("new", "*/5 * * * *"),
		}},
	})

	if e := h.entry(t, "keep"); !e.At.Equal(keepBefore.At) {
		t.Errorf("expected unchanged job to keep %v, got %v", keepBefore.At, e.At)
	}
	if e := h.entry(t, "change"); !e.At.Equal(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("expected changed job rescheduled to 13:00, got %v", e.At)
	}
	if e := h.entry(t, "new"); !e.At.Equal(minute(15)) {
		t.Errorf("expected new job at %v, got %v", minute(15), e.At)
	}
	if _, ok := h.s.timeline.Get("remove"); ok {
		t.Error("expected removed job off the timeline")
	}
	if _, ok := l.Record("remove"); ok {
		t.Error("expected removed job's record deleted")
	}
	if deletes := l.Deletes(); !slices.Equal(deletes, []string{"remove"}) {
		t.Errorf("expected only the removed job deleted, got %v", deletes)
	}
	if _, ok := h.s.jobs["remove"]; ok {
		t.Error("expected removed job out of the registry")
	}
	if len(h.s.jobs) != 3 {
		t.Errorf("expected 3 jobs after reload, got %d", len(h.s.jobs))
	}
}

// TestReport_DroppedCompletionIsSettled fills a one-slot inbox so one of two
// completions times out, and expects both to leave the in-flight counts.
func TestReport_DroppedCompletionIsSettled(t *testing.T) {
	h := newHarness(t, []*jobs.Job{
		testutil.NewJob("a", "* * * * *"),
		testutil.NewJob("b", "* * * * *"),
	}, nil)
	h.s.inbox = inbox.New[InboxMessage](1, time.Millisecond, h.logs.Logger())
	h.restore(t)
	h.dispatcher.Hold()

	h.clock.Set(minute(1))
	h.s.dispatchDue(context.Background())
	if h.s.inFlight != 2 {
		t.Fatalf("expected two executions in flight, got %d", h.s.inFlight)
	}

	h.dispatcher.Release()
	h.dispatcher.Wait()
	if stats := h.s.inbox.Stats(); stats.TimeoutCount != 1 {
		t.Fatalf("expected one timed out completion, got %+v", stats)
	}
	h.drainReports(t)

	snapshot := make(chan interface{}, 1)
	h.s.handleGetSnapshot(InboxMessage{Type: MsgGetSnapshot, ResponseChan: snapshot})
	got := (<-snapshot).(Snapshot)

	if len(got.Running) != 0 || h.s.inFlight != 0 {
		t.Errorf("expected no executions in flight, got running=%v inFlight=%d", got.Running, h.s.inFlight)
	}
	if n := len(h.logs.GetEntriesByMessage("dispatch finished")); n != 2 {
		t.Errorf("expected one line per dispatch, got %d", n)
	}
}

func TestHandleReload_RunningJobRemoved(t *testing.T) {
	h := newHarness(t, []*jobs.Job{testutil.NewJob("a", "* * * * *")}, nil)
	h.restore(t)
	h.dispatcher.Hold()

	h.clock.Set(minute(1))
	h.s.dispatchDue(context.Background())
	h.s.handleReload(context.Background(), InboxMessage{Type: MsgReload, Data: ReloadMsg{}})

	h.dispatcher.Release()
	h.drainReports(t)

	if h.s.inFlight != 0 {
		t.Errorf("expected completion of removed job to be accounted, got inFlight=%d", h.s.inFlight)
	}
	if len(h.logs.GetEntriesByMessage("dispatch finished")) != 1 {
		t.Error("expected the removed job's run to still be logged")
	}
}

// =============================================================================
// Run Tests
// =============================================================================

// TestRun_RestartIdempotence verifies a missed occurrence is dispatched
// exactly once, and a restart right after does not dispatch it again.
func TestRun_RestartIdempotence(t *testing.T) {
	l := testutil.NewMockLedger()
	l.Seed("b", time.Now().Add(-10*time.Minute))
	registry := []*jobs.Job{testutil.NewJob("b", "0 0 1 1 *")}
	logs := testutil.NewTestLogger()

	first := testutil.NewMockDispatcher()
	s, err := New(testConfig(), registry, l, first, nil, logs.Logger())
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	start := time.Now()
	cancel, errCh := runScheduler(t, s)

	req := waitDispatch(t, first)
	if !req.CatchUp {
		t.Error("expected catch-up dispatch")
	}
	testutil.WaitFor(t, func() bool {
		return len(logs.GetEntriesByMessage("dispatch finished")) == 1
	}, 2*time.Second, "dispatch outcome logged")

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if n := first.CountFor("b"); n != 1 {
		t.Errorf("expected exactly one dispatch, got %d", n)
	}
	rec, _ := l.Record("b")
	if !rec.After(start) {
		t.Errorf("expected ledger record after now, got %v", rec)
	}

	second := testutil.NewMockDispatcher()
	s, err = New(testConfig(), registry, l, second, nil, logs.Logger())
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	cancel, errCh = runScheduler(t, s)

	snap, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Entries) != 1 || !snap.Entries[0].At.Equal(rec) {
		t.Errorf("expected restored entry at %v, got %+v", rec, snap.Entries)
	}

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if n := second.CountFor("b"); n != 0 {
		t.Errorf("expected no dispatch after restart, got %d", n)
	}
}

// TestRun_ShutdownWaitsForInFlight verifies Run does not return until
// running executions have reported.
func TestRun_ShutdownWaitsForInFlight(t *testing.T) {
	l := testutil.NewMockLedger()
	l.Seed("a", time.Now().Add(-time.Minute))
	logs := testutil.NewTestLogger()
	d := testutil.NewMockDispatcher()
	d.Hold()

	s, err := New(testConfig(), []*jobs.Job{testutil.NewJob("a", "0 0 1 1 *")}, l, d, nil, logs.Logger())
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	cancel, errCh := runScheduler(t, s)

	waitDispatch(t, d)
	cancel()

	select {
	case err := <-errCh:
		t.Fatalf("Run returned before in-flight execution finished: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	d.Release()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if n := len(logs.GetEntriesByMessage("dispatch finished")); n != 1 {
		t.Errorf("expected in-flight outcome logged before exit, got %d lines", n)
	}
}

// TestRun_ReloadInterruptsWait verifies a reload wakes a coordinator that is
// waiting on a far-off instant.
func TestRun_ReloadInterruptsWait(t *testing.T) {
	clock := testutil.NewMockClock(base)
	d := testutil.NewMockDispatcher()

	s, err := New(testConfig(), []*jobs.Job{testutil.NewJob("yearly", "0 0 1 1 *")}, testutil.NewMockLedger(), d, nil, testutil.NewTestLogger().Logger())
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	s.now = clock.Now
	cancel, errCh := runScheduler(t, s)

	if _, err := s.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	clock.Set(minute(1))
	if !s.Reload([]*jobs.Job{
		testutil.NewJob("yearly", "0 0 1 1 *"),
		testutil.NewJob("minutely", "* * * * *"),
	}) {
		t.Fatal("reload was not queued")
	}

	req := waitDispatch(t, d)
	if req.Job.ID != "minutely" || !req.ScheduledAt.Equal(minute(1)) {
		t.Errorf("expected minutely at %v, got %s at %v", minute(1), req.Job.ID, req.ScheduledAt)
	}

	cancel()
	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestRun_LedgerWriteFailureIsFatal(t *testing.T) {
	l := testutil.NewMockLedger()
	l.Seed("a", time.Now().Add(-time.Minute))
	l.FailWrites(-1, errors.New("i/o error"))
	d := testutil.NewMockDispatcher()

	logs := testutil.NewTestLogger()

	s, err := New(testConfig(), []*jobs.Job{testutil.NewJob("a", "0 0 1 1 *")}, l, d, nil, logs.Logger())
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}
	_, errCh := runScheduler(t, s)

	err = waitRun(t, errCh)
	if !errors.Is(err, ErrLedgerWrite) {
		t.Errorf("expected ErrLedgerWrite, got %v", err)
	}
	if !logs.HasError() {
		t.Error("expected the fatal ledger failure to be logged at error level")
	}
	if n := d.CountFor("a"); n != 1 {
		t.Errorf("expected the catch-up dispatch to run before failing, got %d", n)
	}
}

func TestSnapshot_ContextCancelled(t *testing.T) {
	h := newHarness(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Nobody is running the loop, so only the context can end the wait
	if _, err := h.s.Snapshot(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
