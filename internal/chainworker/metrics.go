package chainworker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the Prometheus surface for one Worker, labeled by chain name so
// multiple workers can share a single Registerer.
type metrics struct {
	opportunitiesSeen prometheus.Counter
	executions        prometheus.Counter
	successes         prometheus.Counter
	skippedCircuitOpen prometheus.Counter
	profitEthTotal    prometheus.Counter
}

func newMetrics(chainName string, reg prometheus.Registerer) (*metrics, error) {
	labels := prometheus.Labels{"chain": chainName}

	m := &metrics{
		opportunitiesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mevengine",
			Name:        "opportunities_seen_total",
			Help:        "Opportunities handed from the mempool scanner to the dispatch loop.",
			ConstLabels: labels,
		}),
		executions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mevengine",
			Name:        "strategy_executions_total",
			Help:        "Strategy arms executed by the bandit selector.",
			ConstLabels: labels,
		}),
		successes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mevengine",
			Name:        "strategy_successes_total",
			Help:        "Strategy executions that reported success.",
			ConstLabels: labels,
		}),
		skippedCircuitOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mevengine",
			Name:        "opportunities_skipped_circuit_open_total",
			Help:        "Opportunities dropped because the safety circuit breaker was open.",
			ConstLabels: labels,
		}),
		profitEthTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mevengine",
			Name:        "profit_eth_total",
			Help:        "Cumulative realized profit in ether across successful executions.",
			ConstLabels: labels,
		}),
	}

	if reg == nil {
		return m, nil
	}
	collectors := []prometheus.Collector{
		m.opportunitiesSeen, m.executions, m.successes, m.skippedCircuitOpen, m.profitEthTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, already := err.(prometheus.AlreadyRegisteredError); !already {
				return nil, err
			}
		}
	}
	return m, nil
}
