package replayer

import (
	"errors"

	"mirrord"

	"github.com/prometheus/client_golang/prometheus"
)

const peerLabel = "peer"

// metrics is nil when no registerer was configured; every method tolerates a
// nil receiver.
type metrics struct {
	workers       prometheus.Gauge
	startFailures prometheus.Counter
	cycles        prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, peer mirrord.Peer) (*metrics, error) {
	workers, err := registerVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mirrord",
		Name:      "workers",
		Help:      "Number of image replayers currently running.",
	}, []string{peerLabel}))
	if err != nil {
		return nil, err
	}
	failures, err := registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrord",
		Name:      "worker_start_failures_total",
		Help:      "Number of image replayers that failed to start.",
	}, []string{peerLabel}))
	if err != nil {
		return nil, err
	}
	cycles, err := registerVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirrord",
		Name:      "reconcile_cycles_total",
		Help:      "Number of completed reconcile cycles.",
	}, []string{peerLabel}))
	if err != nil {
		return nil, err
	}

	return &metrics{
		workers:       workers.WithLabelValues(peer.ClusterName),
		startFailures: failures.WithLabelValues(peer.ClusterName),
		cycles:        cycles.WithLabelValues(peer.ClusterName),
	}, nil
}

// registerVec registers c, reusing an identical collector registered by
// another replayer sharing reg.
func registerVec[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

func (m *metrics) observeCycle(running, failed int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(running))
	m.startFailures.Add(float64(failed))
	m.cycles.Inc()
}

func (m *metrics) setWorkers(n int) {
	if m == nil {
		return
	}
	m.workers.Set(float64(n))
}
