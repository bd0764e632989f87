// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpsTotal counts memory operations by name and outcome.
	OpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fragment_ops_total",
		Help: "Memory operations by operation name and outcome.",
	}, []string{"op", "status"})

	// ConsolidationStageTotal counts consolidation stage executions.
	ConsolidationStageTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fragment_consolidation_stage_total",
		Help: "Consolidation stage executions by stage name and outcome.",
	}, []string{"stage", "status"})

	// SearchTierTotal counts which retrieval tiers contributed results.
	SearchTierTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fragment_search_tier_total",
		Help: "Search tier hits by tier name.",
	}, []string{"tier"})
)

// ObserveOp records one operation outcome.
func ObserveOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	OpsTotal.WithLabelValues(op, status).Inc()
}
