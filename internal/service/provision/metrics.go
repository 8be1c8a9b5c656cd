package provision

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "provisiond",
		Subsystem: "provisioner",
		Name:      "runs_total",
		Help:      "Provisioning runs by outcome.",
	}, []string{"outcome"})
)

func observeRun(outcome string) {
	metricsOnce.Do(func() {
		prometheus.MustRegister(runsTotal)
	})
	runsTotal.WithLabelValues(outcome).Inc()
}
