// Package metrics defines the prometheus collectors the storage core
// updates as it runs. The core only increments these; serving them over
// HTTP is a transport concern left to the daemon, out of this package's
// scope.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CASRetries counts compare-and-swap retries per component
	// (flatfile alloc_write, hashindex set, spendindex set).
	CASRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chainstore",
		Name:      "cas_retries_total",
		Help:      "Compare-and-swap retries observed during lock-free writes.",
	}, []string{"component"})

	// GuardEntries gauges the number of unresolved guard entries
	// currently deposited in a HashIndex, by kind (transaction, block).
	GuardEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chainstore",
		Name:      "guard_entries",
		Help:      "Unresolved guard entries waiting on an awaited hash to arrive.",
	}, []string{"kind"})

	// SpendIndexBitsSet gauges the SpendIndex's current fill ratio.
	SpendIndexBitsSet = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chainstore",
		Name:      "spendindex_bits_set",
		Help:      "Fraction of SpendIndex bits currently set.",
	})

	// BlocksConnected counts blocks that have successfully connected to
	// the chain.
	BlocksConnected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chainstore",
		Name:      "blocks_connected_total",
		Help:      "Blocks successfully connected to the spend tree.",
	})
)

// MustRegister registers every collector in this package against reg.
// Called once by the daemon at startup; the storage core never registers
// itself, so tests can construct stores without a global metrics registry.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(CASRetries, GuardEntries, SpendIndexBitsSet, BlocksConnected)
}
