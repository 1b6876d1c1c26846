package master

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	peers        *prometheus.GaugeVec
	pendingCalls prometheus.Gauge
	buffered     prometheus.GaugeFunc
	frames       *prometheus.CounterVec
	authFailures *prometheus.CounterVec
}

func newMetrics(bufferLen func() int) *metrics {
	return &metrics{
		peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cloud_admin",
			Subsystem: "master",
			Name:      "peers",
			Help:      "Registered peers by kind (monitor, slave, client).",
		}, []string{"kind"}),
		pendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloud_admin",
			Subsystem: "master",
			Name:      "pending_calls",
			Help:      "Requests sent to monitors and not answered yet.",
		}),
		buffered: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "cloud_admin",
			Subsystem: "master",
			Name:      "buffered_requests",
			Help:      "Requests held for replay on peer reconnect.",
		}, func() float64 { return float64(bufferLen()) }),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloud_admin",
			Subsystem: "master",
			Name:      "frames_total",
			Help:      "Inbound frames by topic.",
		}, []string{"topic"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloud_admin",
			Subsystem: "master",
			Name:      "auth_failures_total",
			Help:      "Rejected register attempts by peer type.",
		}, []string{"type"}),
	}
}

// register adds the collectors to reg. A nil reg leaves them unregistered;
// collectors already registered are tolerated.
func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{m.peers, m.pendingCalls, m.buffered, m.frames, m.authFailures} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *metrics) setPeers(primaries, slaves, clients int) {
	m.peers.WithLabelValues("monitor").Set(float64(primaries))
	m.peers.WithLabelValues("slave").Set(float64(slaves))
	m.peers.WithLabelValues("client").Set(float64(clients))
}
