// Tracks engine-wide counters for the stats endpoint and Prometheus.

package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a point-in-time view of engine counters for external reporting.
// Counters never decrease; gauges reflect the last completed tick.
type Stats struct {
	NumAbortedRequests   int64  `json:"num_aborted_requests"`
	NumCompletedRequests int64  `json:"num_completed_requests"`
	NumRejectedRequests  int64  `json:"num_rejected_requests"`
	NumRunningRequests   int64  `json:"num_running_requests"`
	NumWaitingRequests   int64  `json:"num_waiting_requests"`
	NumSteps             int64  `json:"num_steps"`
	TotalOutputTokens    int64  `json:"total_output_tokens"`
	UsedBlocks           int64  `json:"used_blocks"`
	Backend              string `json:"backend"`
	Halted               bool   `json:"halted"`
}

func (s Stats) String() string {
	return fmt.Sprintf("completed=%d aborted=%d rejected=%d running=%d waiting=%d steps=%d output_tokens=%d",
		s.NumCompletedRequests, s.NumAbortedRequests, s.NumRejectedRequests,
		s.NumRunningRequests, s.NumWaitingRequests, s.NumSteps, s.TotalOutputTokens)
}

// Metrics aggregates engine statistics. The atomic counters back Stats; the
// Prometheus collectors mirror them for scraping once Register is called.
//
// Thread-safety: safe for concurrent use.
type Metrics struct {
	completed    atomic.Int64
	rejected     atomic.Int64
	running      atomic.Int64
	steps        atomic.Int64
	outputTokens atomic.Int64
	usedBlocks   atomic.Int64

	admittedTotal     prometheus.Counter
	completedTotal    prometheus.Counter
	rejectedTotal     prometheus.Counter
	abortedTotal      *prometheus.CounterVec
	outputTokensTotal prometheus.Counter
	runningGauge      prometheus.Gauge
	waitingGauge      prometheus.Gauge
	usedBlocksGauge   prometheus.Gauge
	stepDuration      prometheus.Histogram
	batchSize         prometheus.Histogram
	e2eLatency        prometheus.Histogram
	ttft              prometheus.Histogram
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		admittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_serve_requests_admitted_total",
			Help: "Requests accepted into the admission queue.",
		}),
		completedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_serve_requests_completed_total",
			Help: "Requests that finished generation.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_serve_requests_rejected_total",
			Help: "Requests rejected at admission because the queue was full.",
		}),
		abortedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_serve_requests_aborted_total",
			Help: "Requests that ended in the aborted state, by cause.",
		}, []string{"reason"}),
		outputTokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_serve_output_tokens_total",
			Help: "Tokens generated across all requests.",
		}),
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inference_serve_requests_running",
			Help: "Requests in the running batch.",
		}),
		waitingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inference_serve_requests_waiting",
			Help: "Requests in the admission queue.",
		}),
		usedBlocksGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inference_serve_cache_blocks_used",
			Help: "Context buffer blocks reserved by running requests.",
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_serve_step_duration_seconds",
			Help:    "Executor step duration.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_serve_batch_size",
			Help:    "Requests per executor step.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		e2eLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_serve_request_e2e_seconds",
			Help:    "Admission to completion latency of completed requests.",
			Buckets: prometheus.DefBuckets,
		}),
		ttft: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_serve_time_to_first_token_seconds",
			Help:    "Admission to first output token latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.admittedTotal, m.completedTotal, m.rejectedTotal, m.abortedTotal, m.outputTokensTotal,
		m.runningGauge, m.waitingGauge, m.usedBlocksGauge,
		m.stepDuration, m.batchSize, m.e2eLatency, m.ttft,
	}
}

// Register adds all collectors to reg. Collectors already registered with reg are skipped.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return fmt.Errorf("register engine metrics: %w", err)
		}
	}
	return nil
}

func (m *Metrics) recordAdmitted() {
	m.admittedTotal.Inc()
}

func (m *Metrics) recordRejected() {
	m.rejected.Add(1)
	m.rejectedTotal.Inc()
}

func (m *Metrics) recordCompleted(req *Request) {
	m.completed.Add(1)
	m.completedTotal.Inc()
	m.e2eLatency.Observe(req.FinishedTime.Sub(req.ArrivalTime).Seconds())
}

func (m *Metrics) recordAborted(reason string) {
	m.abortedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) recordFirstToken(req *Request) {
	m.ttft.Observe(req.FirstTokenTime.Sub(req.ArrivalTime).Seconds())
}

func (m *Metrics) recordStep(batchSize, newTokens int, d time.Duration) {
	m.steps.Add(1)
	m.outputTokens.Add(int64(newTokens))
	m.outputTokensTotal.Add(float64(newTokens))
	m.batchSize.Observe(float64(batchSize))
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) setGauges(running, waiting, usedBlocks int) {
	m.running.Store(int64(running))
	m.usedBlocks.Store(int64(usedBlocks))
	m.runningGauge.Set(float64(running))
	m.waitingGauge.Set(float64(waiting))
	m.usedBlocksGauge.Set(float64(usedBlocks))
}
