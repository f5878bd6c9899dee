// Package metrics wires up Prometheus counters for the replica, the way
// goshawkdb's stats.NewPrometheusListener exposes an HTTP mux of
// collectors (stats/stats.go, network/protocols.go). This is ambient
// observability, not a protocol Non-goal (spec.md's Non-goals name
// liveness/leases/reconfiguration, never metrics), so it is carried
// regardless of scope trimming elsewhere.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.legislator.dev/server/message"
)

// Recorder holds the counters a Replica updates as it runs.
type Recorder struct {
	ballotsInitiated prometheus.Counter
	messagesHandled  *prometheus.CounterVec
	decreesLearned   prometheus.Counter
	higherBallots    prometheus.Counter
}

// NewRecorder constructs and registers a Recorder's metrics against
// registry. Passing prometheus.NewRegistry() keeps each replica's
// metrics independent, which matters for tests that run several
// replicas in one process.
func NewRecorder(registry *prometheus.Registry, replicaName string) *Recorder {
	r := &Recorder{
		ballotsInitiated: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "legislator_ballots_initiated_total",
			Help:        "Number of ballots this replica has initiated as proposer.",
			ConstLabels: prometheus.Labels{"replica": replicaName},
		}),
		messagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "legislator_messages_handled_total",
			Help:        "Number of protocol messages handled, by method.",
			ConstLabels: prometheus.Labels{"replica": replicaName},
		}, []string{"method"}),
		decreesLearned: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "legislator_decrees_learned_total",
			Help:        "Number of times this replica has learned (or re-learned) a decree.",
			ConstLabels: prometheus.Labels{"replica": replicaName},
		}),
		higherBallots: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "legislator_higher_ballot_rejections_total",
			Help:        "Number of HigherBallot rejections this replica has received as proposer.",
			ConstLabels: prometheus.Labels{"replica": replicaName},
		}),
	}
	registry.MustRegister(r.ballotsInitiated, r.messagesHandled, r.decreesLearned, r.higherBallots)
	return r
}

func (r *Recorder) BallotInitiated() { r.ballotsInitiated.Inc() }
func (r *Recorder) DecreeLearned()   { r.decreesLearned.Inc() }
func (r *Recorder) HigherBallot()    { r.higherBallots.Inc() }

func (r *Recorder) MessageHandled(method message.Method) {
	r.messagesHandled.WithLabelValues(method.String()).Inc()
}

// Handler exposes registry in the standard Prometheus text exposition
// format, the way stats.NewPrometheusListener mounts it on an HTTP mux.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
