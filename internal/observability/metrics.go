package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "capsule_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "capsule_submissions_total", Help: "Submission outcomes"},
		[]string{"result"},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "capsule_rate_limited_total", Help: "Submissions rejected by the per-IP limiter"},
		[]string{"window"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "capsule_dispatch_total", Help: "Resend send outcomes"},
		[]string{"result", "http_status"},
	)
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "resend_send_latency_seconds", Help: "Resend send latency"},
	)
	SweepBatch = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "capsule_sweep_batch_size", Help: "Capsules claimed by the last sweep"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "resend_webhook_events_total", Help: "Webhook events"},
		[]string{"type", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Submissions, RateLimited, Dispatches, DispatchLatency, SweepBatch, WebhookEvents)
}
