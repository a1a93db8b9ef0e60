package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the orchestrator's Prometheus metrics: adaptation job
// flow, oracle latency, commit outcomes, and world gauges.
type Collector struct {
	gatherer prometheus.Gatherer

	JobsEnqueued  *prometheus.CounterVec
	JobsResolved  *prometheus.CounterVec
	Commits       *prometheus.CounterVec
	OracleLatency prometheus.Histogram

	WorldAgents      prometheus.Gauge
	WorldClosedEdges prometheus.Gauge
	WorldEvents      prometheus.Gauge
	WorldStranded    prometheus.Gauge

	TickDuration prometheus.Histogram
}

// NewCollector registers the metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adaptation_jobs_enqueued_total",
		Help: "Adaptation jobs queued for the oracle, labeled by trigger kind.",
	}, []string{"trigger"})
	enqueued, err := registerCounterVec(reg, enqueued, "adaptation_jobs_enqueued_total")
	if err != nil {
		return nil, err
	}

	resolved := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adaptation_jobs_resolved_total",
		Help: "Adaptation jobs reaching a terminal state, labeled by that state.",
	}, []string{"state"})
	resolved, err = registerCounterVec(reg, resolved, "adaptation_jobs_resolved_total")
	if err != nil {
		return nil, err
	}

	commits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_commits_total",
		Help: "Oracle results processed by the commit pipeline, labeled by outcome.",
	}, []string{"outcome"})
	commits, err = registerCounterVec(reg, commits, "chain_commits_total")
	if err != nil {
		return nil, err
	}

	latency, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "oracle_round_trip_seconds",
		Help:    "Oracle round trip latency in seconds, including retries.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}), "oracle_round_trip_seconds")
	if err != nil {
		return nil, err
	}

	agents, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "world_agents",
		Help: "Current number of tracked agents.",
	}), "world_agents")
	if err != nil {
		return nil, err
	}
	closedEdges, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "world_closed_edges",
		Help: "Current number of closed road edges.",
	}), "world_closed_edges")
	if err != nil {
		return nil, err
	}
	events, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "world_active_events",
		Help: "Current number of active scheduled events.",
	}), "world_active_events")
	if err != nil {
		return nil, err
	}
	stranded, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "world_stranded_agents",
		Help: "Current number of agents with no open route to any remaining stop.",
	}), "world_stranded_agents")
	if err != nil {
		return nil, err
	}

	tickDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_tick_duration_seconds",
		Help:    "Wall time spent processing one orchestrator tick.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
	}), "orchestrator_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		JobsEnqueued:     enqueued,
		JobsResolved:     resolved,
		Commits:          commits,
		OracleLatency:    latency,
		WorldAgents:      agents,
		WorldClosedEdges: closedEdges,
		WorldEvents:      events,
		WorldStranded:    stranded,
		TickDuration:     tickDuration,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// JobEnqueued satisfies the dispatcher metrics interface.
func (c *Collector) JobEnqueued(trigger string) {
	if c == nil || c.JobsEnqueued == nil {
		return
	}
	c.JobsEnqueued.WithLabelValues(trigger).Inc()
}

// JobResolved satisfies the dispatcher metrics interface.
func (c *Collector) JobResolved(state string) {
	if c == nil || c.JobsResolved == nil {
		return
	}
	c.JobsResolved.WithLabelValues(state).Inc()
}

// OracleLatencySeconds is implemented as OracleLatency observation.
func (c *Collector) OracleLatencySeconds(seconds float64) {
	if c == nil || c.OracleLatency == nil {
		return
	}
	c.OracleLatency.Observe(seconds)
}

// CommitOutcome satisfies the commit metrics interface.
func (c *Collector) CommitOutcome(outcome string) {
	if c == nil || c.Commits == nil {
		return
	}
	c.Commits.WithLabelValues(outcome).Inc()
}

// SetWorldCounts satisfies the tracker's MetricsRecorder interface so state
// mutators can drive gauge values directly.
func (c *Collector) SetWorldCounts(agents, closedEdges, events, stranded int) {
	if c == nil {
		return
	}
	if c.WorldAgents != nil {
		c.WorldAgents.Set(float64(agents))
	}
	if c.WorldClosedEdges != nil {
		c.WorldClosedEdges.Set(float64(closedEdges))
	}
	if c.WorldEvents != nil {
		c.WorldEvents.Set(float64(events))
	}
	if c.WorldStranded != nil {
		c.WorldStranded.Set(float64(stranded))
	}
}

// ObserveTickDuration records one tick's wall time.
func (c *Collector) ObserveTickDuration(seconds float64) {
	if c == nil || c.TickDuration == nil {
		return
	}
	c.TickDuration.Observe(seconds)
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
