package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersAdmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "klear_orders_admitted_total",
		Help: "Orders admitted, by instrument class and pipeline status.",
	}, []string{"class", "pipeline"})

	AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "klear_admission_rejections_total",
		Help: "Order submissions rejected during admission, by error code.",
	}, []string{"code"})

	Fills = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "klear_fills_total",
		Help: "Executions settled, by kind.",
	}, []string{"kind"})

	FilledQuantity = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "klear_filled_quantity_total",
		Help: "Total shares executed by the matching engine.",
	})

	SettlementConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "klear_settlement_conflicts_total",
		Help: "Optimistic concurrency conflicts hit while settling fills.",
	})

	SymbolFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "klear_matching_symbol_failures_total",
		Help: "Symbol batches that failed during a matching pass.",
	})

	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "klear_matching_pass_duration_seconds",
		Help:    "Wall time of a full matching pass.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	Interventions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "klear_interventions_total",
		Help: "Administrative operations applied, by operation.",
	}, []string{"operation"})
)

var registerOnce sync.Once

// Register adds every collector to the default Prometheus registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OrdersAdmitted,
			AdmissionRejections,
			Fills,
			FilledQuantity,
			SettlementConflicts,
			SymbolFailures,
			PassDuration,
			Interventions,
		)
	})
}
