package avdtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics метрики сигнального движка
type engineMetrics struct {
	pdusSent      *prometheus.CounterVec
	pdusReceived  *prometheus.CounterVec
	malformedPDUs prometheus.Counter
	fragments     *prometheus.CounterVec
	connections   prometheus.Gauge
	mediaSent     prometheus.Counter
	mediaReceived prometheus.Counter
	transitions   *prometheus.CounterVec
}

// newEngineMetrics регистрирует метрики в reg. Без reg метрики пишутся в
// приватный реестр и никуда не экспортируются.
func newEngineMetrics(reg prometheus.Registerer, namespace string) *engineMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	const subsystem = "avdtp"

	return &engineMetrics{
		pdusSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pdus_sent_total",
			Help:      "Signaling messages sent, by signal and message type",
		}, []string{"signal", "message"}),
		pdusReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pdus_received_total",
			Help:      "Signaling messages received, by signal and message type",
		}, []string{"signal", "message"}),
		malformedPDUs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_pdus_total",
			Help:      "Signaling packets dropped as malformed",
		}),
		fragments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_total",
			Help:      "Start/Continue/End packets of fragmented messages",
		}, []string{"direction"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signaling_connections",
			Help:      "Open signaling connections",
		}),
		mediaSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "media_packets_sent_total",
			Help:      "Media packets sent on media channels",
		}),
		mediaReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "media_packets_received_total",
			Help:      "Media packets received on media channels",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "endpoint_transitions_total",
			Help:      "Stream endpoint state transitions, by destination state",
		}, []string{"state"}),
	}
}
