package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conductor"

// Outcome label values for the dispatch counter
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the daemon's collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	dispatches          *prometheus.CounterVec
	catchUpDispatches   prometheus.Counter
	ledgerWriteFailures prometheus.Counter
	timelineEntries     prometheus.Gauge
	runningExecutions   prometheus.Gauge
	jobLoadErrors       prometheus.Gauge
	retiredJobs         prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Finished job executions by outcome.",
		}, []string{"outcome"}),
		catchUpDispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catchup_dispatches_total",
			Help:      "Executions dispatched for an occurrence missed while the daemon was down.",
		}),
		ledgerWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_failures_total",
			Help:      "Failed run ledger writes, including retries.",
		}),
		timelineEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timeline_entries",
			Help:      "Jobs with a pending scheduled instant.",
		}),
		runningExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_executions",
			Help:      "Executions currently in flight.",
		}),
		jobLoadErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_load_errors",
			Help:      "Job definition files rejected by the most recent registry load.",
		}),
		retiredJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retired_jobs_total",
			Help:      "Jobs dropped from the timeline because their stop instant was reached.",
		}),
	}

	// Pre-create both outcome series so they export as zero
	m.dispatches.WithLabelValues(OutcomeSuccess)
	m.dispatches.WithLabelValues(OutcomeFailure)

	reg.MustRegister(
		m.dispatches,
		m.catchUpDispatches,
		m.ledgerWriteFailures,
		m.timelineEntries,
		m.runningExecutions,
		m.jobLoadErrors,
		m.retiredJobs,
	)
	return m
}

// DispatchFinished counts one finished execution
func (m *Metrics) DispatchFinished(success bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeFailure
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CatchUpDispatched() {
	if m == nil {
		return
	}
	m.catchUpDispatches.Inc()
}

func (m *Metrics) LedgerWriteFailed() {
	if m == nil {
		return
	}
	m.ledgerWriteFailures.Inc()
}

func (m *Metrics) SetTimelineEntries(n int) {
	if m == nil {
		return
	}
	m.timelineEntries.Set(float64(n))
}

func (m *Metrics) SetRunningExecutions(n int) {
	if m == nil {
		return
	}
	m.runningExecutions.Set(float64(n))
}

func (m *Metrics) SetJobLoadErrors(n int) {
	if m == nil {
		return
	}
	m.jobLoadErrors.Set(float64(n))
}

func (m *Metrics) JobRetired() {
	if m == nil {
		return
	}
	m.retiredJobs.Inc()
}
