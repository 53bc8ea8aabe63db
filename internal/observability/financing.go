package observability

import "github.com/prometheus/client_golang/prometheus"

// FinancingMetrics counts lifecycle outcomes of the financing service.
type FinancingMetrics struct {
	offers            *prometheus.CounterVec
	allocations       prometheus.Counter
	allocatedAmount   prometheus.Counter
	allocationRetries prometheus.Counter
}

// NewFinancingMetrics registers the financing collectors on reg.
func NewFinancingMetrics(reg prometheus.Registerer) *FinancingMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &FinancingMetrics{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradefin_offer_transitions_total",
			Help: "Offers entering a status.",
		}, []string{"status"}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefin_repayment_allocations_total",
			Help: "Allocation rows written against expected repayments.",
		}),
		allocatedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefin_repayment_allocated_amount_total",
			Help: "Sum of allocated repayment amounts.",
		}),
		allocationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefin_allocation_conflicts_total",
			Help: "Allocation attempts aborted by a concurrency conflict.",
		}),
	}
	reg.MustRegister(m.offers, m.allocations, m.allocatedAmount, m.allocationRetries)
	return m
}

// ObserveOfferTransition adds n offers moving to status.
func (m *FinancingMetrics) ObserveOfferTransition(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.offers.WithLabelValues(status).Add(float64(n))
}

// ObserveAllocation records one committed allocation run.
func (m *FinancingMetrics) ObserveAllocation(count int, amount float64) {
	if m == nil || count <= 0 {
		return
	}
	m.allocations.Add(float64(count))
	if amount > 0 {
		m.allocatedAmount.Add(amount)
	}
}

func (m *FinancingMetrics) ObserveAllocationConflict() {
	if m == nil {
		return
	}
	m.allocationRetries.Inc()
}
