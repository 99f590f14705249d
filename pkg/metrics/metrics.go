// Package metrics exposes the Supervisor's Prometheus counters and gauges
// (spec.md §4.K): one counter per error Kind/subsystem pair, plus gossip,
// membership and election health gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the Supervisor records.
type Registry struct {
	reg *prometheus.Registry

	errorsTotal *prometheus.CounterVec

	rumorMergesTotal   *prometheus.CounterVec
	gossipDropsTotal   prometheus.Counter
	gossipRoundSeconds prometheus.Histogram

	membersByHealth *prometheus.GaugeVec

	electionTermsStarted  *prometheus.CounterVec
	electionTermsFinished *prometheus.CounterVec

	fileWriteRetries *prometheus.GaugeVec
}

// NewRegistry builds every metric against its own private Prometheus
// registry, rather than promauto's package-global default registerer, so
// that constructing more than one Registry in the same process (every
// Supervisor subsystem's tests do this) never collides on a duplicate
// metric name.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sup_errors_total",
			Help: "Total errors observed, by kind and subsystem.",
		}, []string{"kind", "subsystem"}),

		rumorMergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sup_rumor_merges_total",
			Help: "Total rumor merges that changed the stored rumor, by kind.",
		}, []string{"kind"}),

		gossipDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "sup_gossip_inbound_drops_total",
			Help: "Inbound gossip datagrams dropped because the bounded queue was full.",
		}),

		gossipRoundSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sup_gossip_round_duration_seconds",
			Help:    "Wall-clock duration of one anti-entropy gossip round.",
			Buckets: prometheus.DefBuckets,
		}),

		membersByHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sup_members",
			Help: "Current member count by health state.",
		}, []string{"health"}),

		electionTermsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sup_election_terms_started_total",
			Help: "Election terms started, by service group.",
		}, []string{"service_group"}),

		electionTermsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sup_election_terms_finished_total",
			Help: "Election terms that reached Finished, by service group.",
		}, []string{"service_group"}),

		fileWriteRetries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sup_gossip_file_write_retries",
			Help: "Current outstanding Gossip File write retry count, by service group/filename.",
		}, []string{"service_group", "filename"}),
	}
}

// RecordError increments the error counter for one (kind, subsystem) pair.
func (r *Registry) RecordError(kind, subsystem string) {
	r.errorsTotal.WithLabelValues(kind, subsystem).Inc()
}

// RecordRumorMerge increments the merge counter for one rumor kind.
func (r *Registry) RecordRumorMerge(kind string) {
	r.rumorMergesTotal.WithLabelValues(kind).Inc()
}

// RecordGossipDrop increments the bounded-inbound-queue overflow counter.
func (r *Registry) RecordGossipDrop() {
	r.gossipDropsTotal.Inc()
}

// ObserveGossipRound records the wall-clock duration of one gossip round.
func (r *Registry) ObserveGossipRound(d time.Duration) {
	r.gossipRoundSeconds.Observe(d.Seconds())
}

// SetMemberCounts publishes the current Alive/Suspect/Confirmed counts.
func (r *Registry) SetMemberCounts(alive, suspect, confirmed int) {
	r.membersByHealth.WithLabelValues("alive").Set(float64(alive))
	r.membersByHealth.WithLabelValues("suspect").Set(float64(suspect))
	r.membersByHealth.WithLabelValues("confirmed").Set(float64(confirmed))
}

// RecordElectionTermStarted increments the term-started counter for a group.
func (r *Registry) RecordElectionTermStarted(serviceGroup string) {
	r.electionTermsStarted.WithLabelValues(serviceGroup).Inc()
}

// RecordElectionTermFinished increments the term-finished counter for a group.
func (r *Registry) RecordElectionTermFinished(serviceGroup string) {
	r.electionTermsFinished.WithLabelValues(serviceGroup).Inc()
}

// SetFileWriteRetries publishes the current retry count for one Gossip File.
func (r *Registry) SetFileWriteRetries(serviceGroup, filename string, n int) {
	r.fileWriteRetries.WithLabelValues(serviceGroup, filename).Set(float64(n))
}

// Gatherer exposes this Registry's private Prometheus registry for a
// promhttp mount.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
