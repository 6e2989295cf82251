package dsbroker

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposed at /metrics. Labels stay low-cardinality: front end
// name, operation kind, and numeric response status.
var (
	statTransactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsbroker",
		Name:      "transactions_total",
		Help:      "Transactions processed, by front end.",
	}, []string{"frontend"})

	statOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsbroker",
		Name:      "operations_total",
		Help:      "Operations executed, by kind and response status.",
	}, []string{"kind", "status"})

	statTopLevelErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dsbroker",
		Name:      "top_level_errors_total",
		Help:      "Transactions that failed before producing per-operation responses.",
	}, []string{"frontend"})

	statResubmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dsbroker",
		Name:      "resubmits_total",
		Help:      "Empty transactions answered with the retry trampoline.",
	})
)

func init() {
	prometheus.MustRegister(statTransactions, statOperations, statTopLevelErrors, statResubmits)
}
