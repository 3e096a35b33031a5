package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/progresstree/internal/progress"
)

// PrometheusSink exports job progress metrics. It owns collectors for jobs
// started/completed/running and per-kind progress reports.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	progressUpdates *prometheus.CounterVec
	reportedPercent *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_jobs_started_total",
			Help: "Total jobs that have started, by kind.",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_jobs_completed_total",
			Help: "Total jobs completed partitioned by kind and result.",
		}, []string{"kind", "result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{0.1, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"kind", "result"}),
		progressUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_updates_total",
			Help: "Root-visible percentage changes relayed, by kind.",
		}, []string{"kind"}),
		reportedPercent: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "progress_reported_percentage",
			Help:    "Distribution of relayed percentages, by kind.",
			Buckets: prometheus.LinearBuckets(10, 10, 10),
		}, []string{"kind"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.progressUpdates,
		s.reportedPercent,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		kind := evt.Kind
		if kind == "" {
			kind = "unknown"
		}
		switch evt.Stage {
		case progress.StageJobStart:
			s.jobsStarted.WithLabelValues(kind).Inc()
			if s.tracker.start(evt.JobID) {
				s.jobsRunning.Inc()
			}
		case progress.StageJobProgress:
			s.progressUpdates.WithLabelValues(kind).Inc()
			s.reportedPercent.WithLabelValues(kind).Observe(float64(evt.Percentage))
		case progress.StageJobDone:
			s.finish(evt, kind, "success")
		case progress.StageJobError:
			s.finish(evt, kind, "error")
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, kind, result string) {
	s.jobsCompleted.WithLabelValues(kind, result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(kind, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[[16]byte]struct{})}
}

func (t *jobTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
