package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every analyzer collector; the CLI serves it on --metrics-addr.
var Registry = prometheus.NewRegistry()

var (
	PcieWordsDecodedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pcie_words_decoded_total",
			Help: "Number of 2-symbol words that left the descrambler",
		},
	)

	PcieOrderedSetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pcie_ordered_sets_total",
			Help: "Number of ordered sets detected, by type",
		},
		[]string{"type"},
	)

	PcieDescramblerResyncsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pcie_descrambler_resyncs_total",
			Help: "Number of words carrying a COM that reset the descrambler LFSR",
		},
	)

	PcieFillerBytesRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pcie_filler_bytes_removed_total",
			Help: "Number of filler symbols dropped by the filler remover",
		},
	)

	PcieOverrunQuadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pcie_overrun_quads_total",
			Help: "Number of 4-symbol words lost because the filler remover was full",
		},
	)

	PcieRecordedWordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pcie_recorded_words_total",
			Help: "Number of 32-bit words written to capture memory",
		},
	)

	PcieBistErrors = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pcie_bist_errors",
			Help: "Current BIST receive error count, by link",
		},
		[]string{"link"},
	)
)

func init() {
	Registry.MustRegister(PcieWordsDecodedTotal)
	Registry.MustRegister(PcieOrderedSetsTotal)
	Registry.MustRegister(PcieDescramblerResyncsTotal)
	Registry.MustRegister(PcieFillerBytesRemovedTotal)
	Registry.MustRegister(PcieOverrunQuadsTotal)
	Registry.MustRegister(PcieRecordedWordsTotal)
	Registry.MustRegister(PcieBistErrors)
}
