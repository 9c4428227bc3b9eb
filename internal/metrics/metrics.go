// Package metrics exposes pipeline counters to prometheus. Every Collector
// owns its registry so tests and embedded instances never share state.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"device-command-service/internal/model"
	"device-command-service/internal/queue"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Collector records processor notifications. It satisfies the processor
// observer interface.
type Collector struct {
	registry *prometheus.Registry

	commandsQueued *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	results        *prometheus.CounterVec
	retries        prometheus.Counter
	latency        *prometheus.HistogramVec
	stops          *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	queueCancelled prometheus.Gauge
	queueExpired   prometheus.Gauge
}

// New creates a collector whose metric names start with namespace
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commandsQueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_queued_total",
				Help:      "Total commands accepted into the queue by priority",
			},
			[]string{"priority"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total command status transitions by target status",
			},
			[]string{"status"},
		),
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_results_total",
				Help:      "Total finished commands by final status and type",
			},
			[]string{"status", "type"},
		),
		retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "command_retries_total",
				Help:      "Total transmission retries",
			},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transmit_latency_seconds",
				Help:      "Time from first transmission to acknowledgement",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"device"},
		),
		stops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stops_total",
				Help:      "Total emergency and global stops by result",
			},
			[]string{"type", "result"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Commands waiting in the queue by priority",
			},
			[]string{"priority"},
		),
		queueCancelled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_cancelled",
				Help:      "Commands cancelled while queued since start",
			},
		),
		queueExpired: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_expired",
				Help:      "Commands expired while queued since start",
			},
		),
	}

	c.registry.MustRegister(
		c.commandsQueued,
		c.transitions,
		c.results,
		c.retries,
		c.latency,
		c.stops,
		c.queueDepth,
		c.queueCancelled,
		c.queueExpired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) OnStatusChanged(cmd *model.DeviceCommand, from, to model.CommandStatus) {
	c.transitions.WithLabelValues(string(to)).Inc()
	switch to {
	case model.StatusQueued:
		c.commandsQueued.WithLabelValues(cmd.Priority.String()).Inc()
	case model.StatusRetrying:
		c.retries.Inc()
	}
}

func (c *Collector) OnCompleted(result *model.CommandResult) {
	if result == nil || result.Command == nil {
		return
	}
	cmd := result.Command

	c.results.WithLabelValues(string(cmd.Status), string(cmd.Type)).Inc()
	if d, ok := cmd.TransmitLatency(); ok {
		c.latency.WithLabelValues(cmd.DeviceID).Observe(d.Seconds())
	}
	if cmd.Type.IsStop() {
		outcome := resultFailure
		if result.Success {
			outcome = resultSuccess
		}
		c.stops.WithLabelValues(string(cmd.Type), outcome).Inc()
	}
}

// ObserveQueue copies a queue snapshot into the depth gauges
func (c *Collector) ObserveQueue(stats queue.Statistics) {
	for _, p := range model.Priorities {
		c.queueDepth.WithLabelValues(p.String()).Set(float64(stats.ByPriority[p.String()]))
	}
	c.queueCancelled.Set(float64(stats.Cancelled))
	c.queueExpired.Set(float64(stats.Expired))
}

// WatchQueue refreshes the queue gauges every interval until ctx is done
func (c *Collector) WatchQueue(ctx context.Context, q *queue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ObserveQueue(q.Stats())
		}
	}
}
