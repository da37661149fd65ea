package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "blast_api_request_duration_seconds", Help: "API request latency"},
		[]string{"endpoint"},
	)
	ContactOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_contact_outcomes_total", Help: "Per-contact send outcomes"},
		[]string{"outcome"},
	)
	GatewaySendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "blast_gateway_send_latency_seconds", Help: "Gateway send latency"},
	)
	CampaignTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_campaign_transitions_total", Help: "Campaign run transitions"},
		[]string{"status"},
	)
	StoreWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "blast_store_write_failures_total", Help: "Failed campaign state writes"},
	)
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_events_published_total", Help: "Campaign event publish results"},
		[]string{"result"},
	)
	EventsProjected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "blast_events_projected_total", Help: "Campaign events folded into the activity feed"},
		[]string{"result"},
	)
	Sending = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "blast_sending", Help: "1 while a campaign send loop is active"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests,
		APILatency,
		ContactOutcomes,
		GatewaySendLatency,
		CampaignTransitions,
		StoreWriteFailures,
		EventsPublished,
		EventsProjected,
		Sending,
	)
}
