package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/livinlefevreloca/conductor/internal/cron"
	"github.com/livinlefevreloca/conductor/internal/dispatch"
	"github.com/livinlefevreloca/conductor/internal/jobs"
)

// MockLedger provides an in-memory run ledger for testing
type MockLedger struct {
	mu         sync.Mutex
	records    map[string]time.Time
	loadError  error
	writeError error
	failWrites int // remaining writes to fail, -1 fails forever
	upserts    []LedgerWrite
	deletes    []string
}

// LedgerWrite records one successful upsert
type LedgerWrite struct {
	JobID string
	At    time.Time
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		records: make(map[string]time.Time),
	}
}

// Seed sets a record without counting it as a write
func (m *MockLedger) Seed(jobID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[jobID] = at
}

func (m *MockLedger) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// FailWrites makes the next n upserts or deletes fail with err. n < 0 fails every one.
func (m *MockLedger) FailWrites(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
	m.writeError = err
}

func (m *MockLedger) writeFailure() error {
	if m.failWrites == 0 {
		return nil
	}
	if m.failWrites > 0 {
		m.failWrites--
	}
	return m.writeError
}

func (m *MockLedger) Load(_ context.Context) (map[string]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadError != nil {
		return nil, m.loadError
	}
	return maps.Clone(m.records), nil
}

func (m *MockLedger) Upsert(_ context.Context, jobID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeFailure(); err != nil {
		return err
	}
	m.records[jobID] = next
	m.upserts = append(m.upserts, LedgerWrite{JobID: jobID, At: next})
	return nil
}

func (m *MockLedger) Delete(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writeFailure(); err != nil {
		return err
	}
	delete(m.records, jobID)
	m.deletes = append(m.deletes, jobID)
	return nil
}

// Prune is not affected by FailWrites
func (m *MockLedger) Prune(_ context.Context, keep map[string]struct{}) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id := range m.records {
		if _, ok := keep[id]; !ok {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MockLedger) Path() string {
	return "memory"
}

func (m *MockLedger) Close() error {
	return nil
}

// Record returns the stored instant for a job
func (m *MockLedger) Record(jobID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.records[jobID]
	return t, ok
}

// Records returns a copy of every stored record
func (m *MockLedger) Records() map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.records)
}

func (m *MockLedger) Upserts() []LedgerWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]LedgerWrite, len(m.upserts))
	copy(result, m.upserts)
	return result
}

// Deletes returns the job ids passed to Delete, in call order
func (m *MockLedger) Deletes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.deletes))
	copy(result, m.deletes)
	return result
}

// MockDispatcher records dispatch requests and reports outcomes without running anything
type MockDispatcher struct {
	mu        sync.Mutex
	requests  []dispatch.Request
	held      []heldRun
	hold      bool
	failJobs  map[string]bool
	runCount  int
	wg        sync.WaitGroup
	requested chan dispatch.Request
}

type heldRun struct {
	outcome dispatch.Outcome
	report  func(dispatch.Outcome)
}

func NewMockDispatcher() *MockDispatcher {
	return &MockDispatcher{
		failJobs:  make(map[string]bool),
		requested: make(chan dispatch.Request, 1024),
	}
}

// Hold keeps every later dispatch in flight until Release is called
func (m *MockDispatcher) Hold() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = true
}

// Release reports every held dispatch and stops holding new ones
func (m *MockDispatcher) Release() {
	m.mu.Lock()
	held := m.held
	m.held = nil
	m.hold = false
	m.mu.Unlock()

	for _, h := range held {
		go func(h heldRun) {
			defer m.wg.Done()
			h.report(h.outcome)
		}(h)
	}
}

// FailJob makes every dispatch of jobID report an execution failure
func (m *MockDispatcher) FailJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failJobs[jobID] = true
}

func (m *MockDispatcher) Dispatch(req dispatch.Request, report func(dispatch.Outcome)) string {
	m.mu.Lock()
	m.runCount++
	runID := fmt.Sprintf("run-%d", m.runCount)
	m.requests = append(m.requests, req)

	outcome := dispatch.Outcome{
		RunID:       runID,
		JobID:       req.Job.ID,
		ScheduledAt: req.ScheduledAt,
		StartedAt:   time.Now(),
		EndedAt:     time.Now(),
		CatchUp:     req.CatchUp,
		LastMissed:  req.LastMissed,
	}
	if m.failJobs[req.Job.ID] {
		outcome.ExitCode = 1
		outcome.Err = fmt.Errorf("%w: exit status 1", dispatch.ErrExecutionFailure)
	}

	m.wg.Add(1)
	if m.hold {
		m.held = append(m.held, heldRun{outcome: outcome, report: report})
		m.mu.Unlock()
	} else {
		m.mu.Unlock()
		go func() {
			defer m.wg.Done()
			report(outcome)
		}()
	}

	select {
	case m.requested <- req:
	default:
	}
	return runID
}

func (m *MockDispatcher) Wait() {
	m.wg.Wait()
}

// Requested delivers each request as it is dispatched
func (m *MockDispatcher) Requested() <-chan dispatch.Request {
	return m.requested
}

func (m *MockDispatcher) Requests() []dispatch.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]dispatch.Request, len(m.requests))
	copy(result, m.requests)
	return result
}

// JobIDs returns the job of every request in dispatch order
func (m *MockDispatcher) JobIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.requests))
	for i, r := range m.requests {
		ids[i] = r.Job.ID
	}
	return ids
}

// CountFor returns how many times jobID was dispatched
func (m *MockDispatcher) CountFor(jobID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Job.ID == jobID {
			n++
		}
	}
	return n
}

// HeldCount returns how many dispatches are waiting for Release
func (m *MockDispatcher) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// NewJob builds a validated job for tests. It panics on an invalid expression.
func NewJob(id, crontab string) *jobs.Job {
	schedule, err := cron.Parse(crontab, time.UTC)
	if err != nil {
		panic(fmt.Sprintf("testutil: invalid crontab %q: %v", crontab, err))
	}
	return &jobs.Job{
		ID:       id,
		Name:     id,
		Path:     id + jobs.FileExtension,
		Command:  "/bin/true",
		Crontab:  crontab,
		Schedule: schedule,
	}
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestLogger provides a logger that captures logs for testing
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) log(level, msg string, fields ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]interface{}),
	}

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			key := fmt.Sprintf("%v", fields[i])
			entry.Fields[key] = fields[i+1]
		}
	}

	l.entries = append(l.entries, entry)
}

// GetEntriesByMessage returns every entry logged with msg
func (l *TestLogger) GetEntriesByMessage(msg string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Message == msg {
			result = append(result, entry)
		}
	}
	return result
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

func (l *TestLogger) HasError() bool {
	return len(l.GetEntriesByLevel("ERROR")) > 0
}

func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel("WARN")) > 0
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
	groups []string
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String()
	msg := r.Message

	// Collect all attributes
	fields := make([]interface{}, 0, r.NumAttrs()*2)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	// Add handler-level attributes
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}

	h.logger.log(level, msg, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	copy(newAttrs[len(h.attrs):], attrs)
	return &testLogHandler{
		logger: h.logger,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *testLogHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups[len(h.groups)] = name
	return &testLogHandler{
		logger: h.logger,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}

		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
