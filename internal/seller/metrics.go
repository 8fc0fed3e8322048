package seller

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lettershop/internal/escrow"
)

// Metrics is the shop's private prometheus registry.
type Metrics struct {
	registry        *prometheus.Registry
	offersTotal     prometheus.Counter
	transfersTotal  *prometheus.CounterVec
	rejectCalls     *prometheus.CounterVec
	retrievalsTotal *prometheus.CounterVec
	sweptTotal      *prometheus.CounterVec
	escrows         *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	offers := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lettershop_offers_total",
		Help: "Total number of escrows issued",
	})

	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lettershop_incoming_transfers_total",
		Help: "Incoming conditional transfers by outcome",
	}, []string{"result"})

	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lettershop_reject_calls_total",
		Help: "Rejection envelopes sent to the ledger",
	}, []string{"result"})

	retrievals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lettershop_retrievals_total",
		Help: "Resource retrievals by outcome",
	}, []string{"result"})

	swept := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lettershop_swept_escrows_total",
		Help: "Escrows removed from the live tables by the sweeper",
	}, []string{"state"})

	escrows := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lettershop_escrows",
		Help: "Escrows currently held, by state",
	}, []string{"state"})

	r := prometheus.NewRegistry()
	r.MustRegister(offers, transfers, rejects, retrievals, swept, escrows)

	return &Metrics{
		registry:        r,
		offersTotal:     offers,
		transfersTotal:  transfers,
		rejectCalls:     rejects,
		retrievalsTotal: retrievals,
		sweptTotal:      swept,
		escrows:         escrows,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry so tests and callers can gather samples.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) incOffer() {
	if m == nil {
		return
	}
	m.offersTotal.Inc()
}

func (m *Metrics) incTransfer(result string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) incRejectCall(result string) {
	if m == nil {
		return
	}
	m.rejectCalls.WithLabelValues(result).Inc()
}

func (m *Metrics) incRetrieval(result string) {
	if m == nil {
		return
	}
	m.retrievalsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) addSwept(state string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweptTotal.WithLabelValues(state).Add(float64(n))
}

func (m *Metrics) setEscrows(st escrow.Stats) {
	if m == nil {
		return
	}
	m.escrows.WithLabelValues("pending").Set(float64(st.Pending))
	m.escrows.WithLabelValues("fulfilled").Set(float64(st.Fulfilled))
	m.escrows.WithLabelValues("rejected").Set(float64(st.Rejected))
	m.escrows.WithLabelValues("cached").Set(float64(st.Cached))
}
