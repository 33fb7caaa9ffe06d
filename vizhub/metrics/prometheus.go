// Package metrics exposes launcher and compute-backend activity as
// Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomyedwab/vizhub/vizhub/processes"
)

const defaultNamespace = "vizhub"

// Collector implements processes.MetricsCollector using Prometheus metrics.
type Collector struct {
	launches         *prometheus.CounterVec
	launchDuration   *prometheus.HistogramVec
	instancesRunning prometheus.Gauge
	exits            *prometheus.CounterVec
	paraviewLaunches *prometheus.CounterVec

	namespace string
	registry  *prometheus.Registry
}

// NewCollector creates a collector. An empty namespace means "vizhub".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}

	c := &Collector{
		namespace: namespace,
		registry:  prometheus.NewRegistry(),
	}

	c.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of trame app launch attempts",
		},
		[]string{"app", "result"},
	)

	c.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time from launch request to routed process",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"app"},
	)

	c.instancesRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Number of trame app instances currently running",
		},
	)

	c.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_exits_total",
			Help:      "Total number of instance exits by final state",
		},
		[]string{"app", "state"},
	)

	c.paraviewLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paraview_launches_total",
			Help:      "Total number of ParaView server launch requests",
		},
		[]string{"backend", "result"},
	)

	c.registry.MustRegister(
		c.launches,
		c.launchDuration,
		c.instancesRunning,
		c.exits,
		c.paraviewLaunches,
	)

	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// LaunchCompleted records the outcome of a launch.
func (c *Collector) LaunchCompleted(app string, duration time.Duration, err error) {
	c.launches.WithLabelValues(app, result(err)).Inc()
	c.launchDuration.WithLabelValues(app).Observe(duration.Seconds())
	if err == nil {
		c.instancesRunning.Inc()
	}
}

// InstanceExited records an instance leaving the running set.
func (c *Collector) InstanceExited(app string, state string) {
	c.instancesRunning.Dec()
	c.exits.WithLabelValues(app, state).Inc()
}

// ParaViewLaunch records a compute-backend launch; code 0 is success.
func (c *Collector) ParaViewLaunch(backend string, code int) {
	res := "success"
	if code != 0 {
		res = "error"
	}
	c.paraviewLaunches.WithLabelValues(backend, res).Inc()
}

// WatchRoutes exports the size of the route table as routes_registered.
func (c *Collector) WatchRoutes(count func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: c.namespace,
			Name:      "routes_registered",
			Help:      "Number of instance routes in the route table",
		},
		func() float64 { return float64(count()) },
	))
}

// Registry returns the Prometheus registry for HTTP handler setup
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

var _ processes.MetricsCollector = (*Collector)(nil)
