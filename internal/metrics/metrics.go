package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeepoint_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coffeepoint_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeepoint_redemptions_total",
			Help: "Total number of token redemption attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)

	PointsCreditedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coffeepoint_points_credited_total",
			Help: "Total number of points credited to accounts",
		},
	)

	VouchersMintedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "coffeepoint_vouchers_minted_total",
			Help: "Total number of vouchers minted",
		},
	)

	TokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeepoint_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"kind"},
	)

	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeepoint_compensations_total",
			Help: "Total number of compensating credits by status",
		},
		[]string{"status"},
	)

	CompensationQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coffeepoint_compensation_queue_length",
			Help: "Current length of the compensation queue",
		},
	)

	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coffeepoint_store_retries_total",
			Help: "Total number of retried store operations",
		},
		[]string{"op"},
	)
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordRedemption(kind, outcome string) {
	RedemptionsTotal.WithLabelValues(kind, outcome).Inc()
}

func RecordPointsCredited(points int64) {
	PointsCreditedTotal.Add(float64(points))
}

func RecordVoucherMinted() {
	VouchersMintedTotal.Inc()
}

func RecordTokenIssued(kind string) {
	TokensIssuedTotal.WithLabelValues(kind).Inc()
}

func RecordCompensation(status string) {
	CompensationsTotal.WithLabelValues(status).Inc()
}

func RecordStoreRetry(op string) {
	StoreRetriesTotal.WithLabelValues(op).Inc()
}
