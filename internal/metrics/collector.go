// Package metrics exposes prometheus instrumentation for channels, script
// streams and the continuation bridge. A nil *Collector is valid and records
// nothing, so components take one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the stream engine's metric vectors.
type Collector struct {
	writesTotal       *prometheus.CounterVec
	bytesWritten      *prometheus.CounterVec
	readsTotal        *prometheus.CounterVec
	backpressureWaits *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec

	streamsActive *prometheus.GaugeVec

	continuationsRun   prometheus.Counter
	continuationsQueue prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers the engine metrics under namespace with reg. A nil
// reg uses prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.writesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_writes_total",
			Help:      "Chunk writes by outcome (ok, full, closed, errored)",
		},
		[]string{"channel", "outcome"},
	)
	c.bytesWritten = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_bytes_written_total",
			Help:      "Bytes accepted by native channels",
		},
		[]string{"channel"},
	)
	c.readsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reads_total",
			Help:      "Chunk reads by outcome (ok, empty, closed, errored, released)",
		},
		[]string{"channel", "outcome"},
	)
	c.backpressureWaits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_backpressure_waits_total",
			Help:      "Asynchronous writes that suspended on a full channel",
		},
		[]string{"channel"},
	)
	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_queue_size",
			Help:      "Queued size of a channel in strategy units",
		},
		[]string{"channel"},
	)
	c.streamsActive = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "script_streams_active",
			Help:      "Script streams that have not reached a terminal state",
		},
		[]string{"kind"},
	)
	c.continuationsRun = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_continuations_total",
		Help:      "Continuations run on the script goroutine",
	})
	c.continuationsQueue = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "bridge_continuations_queued",
		Help:      "Continuations waiting for the script goroutine",
	})

	c.logger.Debug("metrics registered", zap.String("namespace", namespace))
	return c
}

// Write records a write attempt outcome and, on success, its byte count.
func (c *Collector) Write(channel, outcome string, n int) {
	if c == nil {
		return
	}
	c.writesTotal.WithLabelValues(channel, outcome).Inc()
	if outcome == "ok" && n > 0 {
		c.bytesWritten.WithLabelValues(channel).Add(float64(n))
	}
}

// Read records a read outcome.
func (c *Collector) Read(channel, outcome string) {
	if c == nil {
		return
	}
	c.readsTotal.WithLabelValues(channel, outcome).Inc()
}

// BackpressureWait records an asynchronous write that had to suspend.
func (c *Collector) BackpressureWait(channel string) {
	if c == nil {
		return
	}
	c.backpressureWaits.WithLabelValues(channel).Inc()
}

// QueueSize records the current queued size of a channel.
func (c *Collector) QueueSize(channel string, size int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(channel).Set(float64(size))
}

// StreamOpened increments the active stream gauge for kind.
func (c *Collector) StreamOpened(kind string) {
	if c == nil {
		return
	}
	c.streamsActive.WithLabelValues(kind).Inc()
}

// StreamFinished decrements the active stream gauge for kind.
func (c *Collector) StreamFinished(kind string) {
	if c == nil {
		return
	}
	c.streamsActive.WithLabelValues(kind).Dec()
}

// ContinuationsRun records n continuations drained by the bridge.
func (c *Collector) ContinuationsRun(n int) {
	if c == nil || n == 0 {
		return
	}
	c.continuationsRun.Add(float64(n))
}

// ContinuationsQueued records the bridge queue length.
func (c *Collector) ContinuationsQueued(n int) {
	if c == nil {
		return
	}
	c.continuationsQueue.Set(float64(n))
}
