package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	intentOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_intent_operations_total",
			Help: "Payment intent operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	paymentNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_notifications_total",
			Help: "Provider notifications processed, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	ticketOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_operations_total",
			Help: "Ticket issue, validation, check-in and download operations",
		},
		[]string{"operation", "outcome"},
	)

	transferOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_transfer_operations_total",
			Help: "Ticket transfer transitions",
		},
		[]string{"operation", "outcome"},
	)

	couponRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_redemptions_total",
			Help: "Coupon validation outcomes",
		},
		[]string{"outcome"},
	)

	providerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_provider_requests_total",
			Help: "Payment provider calls through the circuit breaker",
		},
		[]string{"provider", "operation", "outcome"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "payment_provider_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Duration of scheduled job runs",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"job", "outcome"},
	)
)

// Monitor records engine metrics. A nil *Monitor is valid and records nothing.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Monitor) TrackIntent(operation string, err error) {
	if m == nil {
		return
	}
	intentOperations.WithLabelValues(operation, outcome(err)).Inc()
}

// TrackNotification counts a processed provider notification. result is a
// short label such as "applied", "duplicate" or "unknown_reference".
func (m *Monitor) TrackNotification(source, result string) {
	if m == nil {
		return
	}
	paymentNotifications.WithLabelValues(source, result).Inc()
}

func (m *Monitor) TrackTicket(operation string, err error) {
	if m == nil {
		return
	}
	ticketOperations.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Monitor) TrackTransfer(operation string, err error) {
	if m == nil {
		return
	}
	transferOperations.WithLabelValues(operation, outcome(err)).Inc()
}

func (m *Monitor) TrackCoupon(result string) {
	if m == nil {
		return
	}
	couponRedemptions.WithLabelValues(result).Inc()
}

func (m *Monitor) TrackProviderCall(provider, operation, result string) {
	if m == nil {
		return
	}
	providerCalls.WithLabelValues(provider, operation, result).Inc()
}

func (m *Monitor) SetBreakerState(provider string, state float64) {
	if m == nil {
		return
	}
	breakerState.WithLabelValues(provider).Set(state)
}

func (m *Monitor) ObserveJob(job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	jobDuration.WithLabelValues(job, outcome(err)).Observe(d.Seconds())
}

// Serve exposes /metrics on its own port until ctx is cancelled.
func Serve(ctx context.Context, port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server stopped", "error", err)
	}
}
