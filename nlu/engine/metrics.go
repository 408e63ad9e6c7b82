package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline stages timed by the stage histogram.
const (
	stageTokenize = "tokenize"
	stageInfer    = "infer"
	stageResolve  = "resolve"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

// metrics holds per-engine collectors. They are registered only when the
// caller supplies a Registerer, so several engines can coexist.
type metrics struct {
	predictions *prometheus.CounterVec
	stages      *prometheus.HistogramVec
	stats       Stats
	mu          sync.RWMutex
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		predictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cabin",
				Subsystem: "nlu",
				Name:      "predictions_total",
				Help:      "The total number of intent predictions by outcome and label.",
			},
			[]string{"outcome", "label"},
		),
		stages: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cabin",
				Subsystem: "nlu",
				Name:      "stage_duration_seconds",
				Help:      "Time spent per prediction stage.",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
			},
			[]string{"stage"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.predictions, m.stages} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *metrics) observeStage(stage string, start time.Time) {
	m.stages.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// record counts one finished prediction. label is empty on failure.
func (m *metrics) record(start time.Time, label string, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome, label = outcomeError, ""
	}
	m.predictions.WithLabelValues(outcome, label).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.stats
	s.TotalPredictions++
	if err != nil {
		s.Failed++
	} else {
		s.Successful++
	}
	// rolling average
	d := time.Since(start)
	if s.TotalPredictions == 1 {
		s.AverageLatency = d
	} else {
		s.AverageLatency = (s.AverageLatency*time.Duration(s.TotalPredictions-1) + d) / time.Duration(s.TotalPredictions)
	}
	s.LastPrediction = time.Now()
}

func (m *metrics) snapshot() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Stats summarizes the predictions an engine has served.
type Stats struct {
	TotalPredictions int64
	Successful       int64
	Failed           int64
	AverageLatency   time.Duration
	LastPrediction   time.Time
}
