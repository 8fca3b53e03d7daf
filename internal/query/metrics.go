package query

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	statusSuccess   = "success"
	statusMalformed = "error:malformed_request"
	statusFailed    = "error:failed"
)

type metrics struct {
	registerer prometheus.Registerer

	requestDuration *prometheus.HistogramVec
	requestAddrs    prometheus.Histogram
	moduleOutcomes  *prometheus.CounterVec
	undecodable     prometheus.Counter
	decodedBytes    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registerer: reg,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symq_request_duration_seconds",
			Help:    "Time spent answering queries by kind and status",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"kind", "status"}),
		requestAddrs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "symq_symbolicate_addresses",
			Help:    "Number of addresses per symbolicate request",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		moduleOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symq_module_outcomes_total",
			Help: "Total number of per-module symbolication outcomes by result",
		}, []string{"result"}),
		undecodable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symq_disassembly_undecodable_bytes_total",
			Help: "Total number of bytes emitted as undecodable markers",
		}),
		decodedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "symq_disassembly_bytes_total",
			Help: "Total number of bytes disassembled",
		}),
	}

	if reg != nil {
		m.register()
	}
	return m
}

func (m *metrics) register() {
	collectors := []prometheus.Collector{
		m.requestDuration,
		m.requestAddrs,
		m.moduleOutcomes,
		m.undecodable,
		m.decodedBytes,
	}
	for i, c := range collectors {
		collectors[i] = registerOrGet(m.registerer, c)
	}
	m.requestDuration = collectors[0].(*prometheus.HistogramVec)
	m.requestAddrs = collectors[1].(prometheus.Histogram)
	m.moduleOutcomes = collectors[2].(*prometheus.CounterVec)
	m.undecodable = collectors[3].(prometheus.Counter)
	m.decodedBytes = collectors[4].(prometheus.Counter)
}

// registerOrGet registers c, or returns the collector already registered
// under the same descriptor so that several dispatchers can share a registry.
func registerOrGet(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
