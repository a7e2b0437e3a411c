// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Quote metrics
	QuotesIssued  *prometheus.CounterVec
	QuoteFailures *prometheus.CounterVec

	// Submission metrics
	Submissions          *prometheus.CounterVec
	ValidationRejections *prometheus.CounterVec
	Confirmations        *prometheus.CounterVec

	// RPC metrics
	RPCCallLatency *prometheus.HistogramVec
	RPCFailovers   *prometheus.CounterVec
	EndpointHealth *prometheus.GaugeVec

	// Fee payer metrics
	FeePayerBalance      *prometheus.GaugeVec
	FeePayerHealth       *prometheus.GaugeVec
	FeePayerReservations *prometheus.GaugeVec

	// Treasury metrics
	TokensBurned        *prometheus.CounterVec
	SettlementRuns      *prometheus.CounterVec
	TreasuryMismatches  prometheus.Counter
	LastSuccessfulBurn  prometheus.Gauge
	LastTreasuryBalance prometheus.Gauge

	// HTTP metrics
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gas_relay"
	}

	return &Metrics{
		// Quote metrics
		QuotesIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "issued_total",
			Help:      "Total number of quotes issued by payment asset and holder tier",
		}, []string{"asset", "tier"}),
		QuoteFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quote",
			Name:      "failures_total",
			Help:      "Total number of quote requests that failed by error code",
		}, []string{"code"}),

		// Submission metrics
		Submissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "submissions_total",
			Help:      "Total number of submissions by outcome code",
		}, []string{"outcome"}),
		ValidationRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "validation_rejections_total",
			Help:      "Total number of transactions rejected by the validator by reason",
		}, []string{"reason"}),
		Confirmations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "confirmations_total",
			Help:      "Total number of relayed transactions reaching a terminal status",
		}, []string{"status"}),

		// RPC metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		RPCFailovers: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_failovers_total",
			Help:      "Total number of RPC attempts that failed over to another endpoint",
		}, []string{"method"}),
		EndpointHealth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "endpoint_healthy",
			Help:      "1 if the RPC endpoint is a failover candidate, 0 otherwise",
		}, []string{"endpoint"}),

		// Fee payer metrics
		FeePayerBalance: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feepayer",
			Name:      "balance_lamports",
			Help:      "Last observed fee payer balance in lamports",
		}, []string{"pubkey"}),
		FeePayerHealth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feepayer",
			Name:      "health",
			Help:      "Fee payer health (0 healthy, 1 warning, 2 critical)",
		}, []string{"pubkey"}),
		FeePayerReservations: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feepayer",
			Name:      "reservations",
			Help:      "Outstanding quote reservations per fee payer",
		}, []string{"pubkey"}),

		// Treasury metrics
		TokensBurned: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "burned_total",
			Help:      "Total reward asset burned in smallest units by method",
		}, []string{"method"}),
		SettlementRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "settlement_runs_total",
			Help:      "Total number of settlement cycles by result",
		}, []string{"result"}),
		TreasuryMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "verification_mismatches_total",
			Help:      "Total number of treasury verifications that found a balance mismatch",
		}),
		LastSuccessfulBurn: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "last_successful_burn_timestamp",
			Help:      "Unix timestamp of the last confirmed burn batch",
		}),
		LastTreasuryBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "treasury",
			Name:      "reward_balance",
			Help:      "Last observed treasury reward asset balance in smallest units",
		}),

		// HTTP metrics
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordQuoteIssued increments the quotes issued counter.
func RecordQuoteIssued(asset, tier string) {
	DefaultMetrics.QuotesIssued.WithLabelValues(asset, tier).Inc()
}

// RecordQuoteFailure increments the quote failures counter.
func RecordQuoteFailure(code string) {
	DefaultMetrics.QuoteFailures.WithLabelValues(code).Inc()
}

// RecordSubmission records a submission outcome ("submitted" or an error code).
func RecordSubmission(outcome string) {
	DefaultMetrics.Submissions.WithLabelValues(outcome).Inc()
}

// RecordRejection records a validator rejection.
func RecordRejection(reason string) {
	DefaultMetrics.ValidationRejections.WithLabelValues(reason).Inc()
}

// RecordConfirmation records a terminal transaction status.
func RecordConfirmation(status string) {
	DefaultMetrics.Confirmations.WithLabelValues(status).Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method, endpoint string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method, endpoint).Observe(seconds)
}

// RecordRPCFailover increments the failover counter.
func RecordRPCFailover(method string) {
	DefaultMetrics.RPCFailovers.WithLabelValues(method).Inc()
}

// SetEndpointHealth updates the endpoint health gauge.
func SetEndpointHealth(endpoint string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	DefaultMetrics.EndpointHealth.WithLabelValues(endpoint).Set(v)
}

// UpdateFeePayer updates the fee payer balance and health gauges.
func UpdateFeePayer(pubkey string, lamports uint64, health int) {
	DefaultMetrics.FeePayerBalance.WithLabelValues(pubkey).Set(float64(lamports))
	DefaultMetrics.FeePayerHealth.WithLabelValues(pubkey).Set(float64(health))
}

// SetReservations updates the reservation gauge of a fee payer.
func SetReservations(pubkey string, n int) {
	DefaultMetrics.FeePayerReservations.WithLabelValues(pubkey).Set(float64(n))
}

// RecordBurn adds a confirmed burn amount.
func RecordBurn(method string, amount uint64, unixSeconds int64) {
	DefaultMetrics.TokensBurned.WithLabelValues(method).Add(float64(amount))
	DefaultMetrics.LastSuccessfulBurn.Set(float64(unixSeconds))
}

// RecordSettlementRun records a settlement cycle result.
func RecordSettlementRun(result string) {
	DefaultMetrics.SettlementRuns.WithLabelValues(result).Inc()
}

// RecordTreasuryVerification records an observed balance and whether it matched.
func RecordTreasuryVerification(balance uint64, matched bool) {
	DefaultMetrics.LastTreasuryBalance.Set(float64(balance))
	if !matched {
		DefaultMetrics.TreasuryMismatches.Inc()
	}
}

// RecordHTTPRequest records HTTP request latency.
func RecordHTTPRequest(route, method, status string, seconds float64) {
	DefaultMetrics.HTTPRequestDuration.WithLabelValues(route, method, status).Observe(seconds)
}
