package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// flowMetrics метрики контроллеров потока. Каждый контроллер регистрирует
// свой набор с меткой component.
type flowMetrics struct {
	bufferedBytes  prometheus.Gauge
	resampleFactor prometheus.Gauge
	packetsSent    prometheus.Counter
	framesDropped  prometheus.Counter
	underruns      prometheus.Counter
}

func newFlowMetrics(reg prometheus.Registerer, namespace, component string) *flowMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg))
	const subsystem = "flow"

	return &flowMetrics{
		bufferedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "relay_buffered_bytes",
			Help:      "Bytes of SBC frames waiting in the relay buffer",
		}),
		resampleFactor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resample_factor",
			Help:      "Current playback resampling factor, 1.0 is nominal",
		}),
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Media packets handed to the transport",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "SBC frames dropped because the buffer was full",
		}),
		underruns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "playback_underruns_total",
			Help:      "Playback buffer underruns",
		}),
	}
}
