// Package metrics exposes the coordinator's Prometheus instruments.
//
// Every Collector owns its own registry so several coordinators (or tests)
// can live in one process without duplicate-registration panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flround"

// Collector groups the round-loop metrics.
type Collector struct {
	registry *prometheus.Registry

	roundsTotal        *prometheus.CounterVec
	roundDuration      prometheus.Histogram
	selectedTotal      *prometheus.CounterVec
	stragglersTotal    prometheus.Counter
	clientReports      *prometheus.CounterVec
	emptyPoolRetries   prometheus.Counter
	checkpointFailures prometheus.Counter
	checkpointWrites   prometheus.Counter
	currentRound       prometheus.Gauge
	explorationRate    prometheus.Gauge
	blacklisted        prometheus.Gauge
	registeredClients  prometheus.Gauge
	httpRequests       *prometheus.CounterVec
}

// NewCollector creates a Collector with a fresh registry. Go runtime and
// process collectors are included when withRuntime is true.
func NewCollector(withRuntime bool) *Collector {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		roundsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Round attempts by outcome",
		}, []string{"outcome"}),
		roundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Round duration from open to close, in (possibly simulated) seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 180, 300, 600, 1800},
		}),
		selectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_selected_total",
			Help:      "Clients selected, by selector",
		}, []string{"selector"}),
		stragglersTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stragglers_total",
			Help:      "Selected clients that did not complete in time",
		}),
		clientReports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_reports_total",
			Help:      "Client reports by classification",
		}, []string{"result"}),
		emptyPoolRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_pool_retries_total",
			Help:      "Rounds retried because no client was eligible",
		}),
		checkpointFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Failed checkpoint writes",
		}),
		checkpointWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Successful checkpoint writes",
		}),
		currentRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_round",
			Help:      "Number of the round in progress",
		}),
		explorationRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "oort_exploration_rate",
			Help:      "Current Oort exploration factor",
		}),
		blacklisted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blacklisted_clients",
			Help:      "Clients currently excluded from selection",
		}),
		registeredClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_clients",
			Help:      "Clients known to the registry",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status",
		}, []string{"method", "route", "status"}),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRound counts one finished round attempt.
func (c *Collector) RecordRound(outcome string, elapsed time.Duration, stragglers int) {
	c.roundsTotal.WithLabelValues(outcome).Inc()
	c.roundDuration.Observe(elapsed.Seconds())
	c.stragglersTotal.Add(float64(stragglers))
}

// RecordSelection counts clients handed out by a selector.
func (c *Collector) RecordSelection(selector string, n int) {
	c.selectedTotal.WithLabelValues(selector).Add(float64(n))
}

// RecordReports counts report classifications of one round.
func (c *Collector) RecordReports(completed, failed, late int) {
	c.clientReports.WithLabelValues("completed").Add(float64(completed))
	c.clientReports.WithLabelValues("failed").Add(float64(failed))
	c.clientReports.WithLabelValues("late").Add(float64(late))
}

// EmptyPool counts one empty-pool backoff.
func (c *Collector) EmptyPool() { c.emptyPoolRetries.Inc() }

// Checkpoint counts one checkpoint write attempt.
func (c *Collector) Checkpoint(err error) {
	if err != nil {
		c.checkpointFailures.Inc()
		return
	}
	c.checkpointWrites.Inc()
}

// SetRound publishes the round in progress.
func (c *Collector) SetRound(n int) { c.currentRound.Set(float64(n)) }

// SetExploration publishes the Oort exploration factor.
func (c *Collector) SetExploration(v float64) { c.explorationRate.Set(v) }

// SetFleet publishes registry sizes.
func (c *Collector) SetFleet(registered, blacklisted int) {
	c.registeredClients.Set(float64(registered))
	c.blacklisted.Set(float64(blacklisted))
}

// RecordHTTPRequest counts one API request.
func (c *Collector) RecordHTTPRequest(method, route, status string) {
	c.httpRequests.WithLabelValues(method, route, status).Inc()
}
