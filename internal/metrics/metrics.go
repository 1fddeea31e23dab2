package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClaimResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "claim_results_total",
		Help:      "Outcomes of verify-and-claim operations by result kind.",
	}, []string{"result"})

	RecoveryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "recovery_results_total",
		Help:      "Outcomes of key recovery operations by result kind.",
	}, []string{"result"})

	RecoveryOrphans = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "keygate",
		Name:      "recovery_orphans",
		Help:      "Revoked keys with no replacement found by the last audit run.",
	})
)
