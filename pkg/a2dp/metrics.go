package a2dp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type profileMetrics struct {
	streamsEstablished *prometheus.CounterVec
	settleFired        prometheus.Counter
	discoveries        prometheus.Counter
	deferred           prometheus.Counter
}

func newProfileMetrics(reg prometheus.Registerer, namespace string) *profileMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	const subsystem = "a2dp"

	return &profileMetrics{
		streamsEstablished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "streams_established_total",
			Help:      "Stream establishment attempts, by resulting status",
		}, []string{"status"}),
		settleFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "settle_timer_fired_total",
			Help:      "Settle timer expirations",
		}),
		discoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discoveries_started_total",
			Help:      "Endpoint discoveries started",
		}),
		deferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discoveries_deferred_total",
			Help:      "Endpoint discoveries deferred while another negotiation was active",
		}),
	}
}
