package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	gobreaker "github.com/sony/gobreaker/v2"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/monitoring"
)

type BreakerSettings struct {
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// MinRequests and FailureRatio decide when the breaker opens.
	MinRequests  uint32
	FailureRatio float64
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// Breaker guards a Provider with a circuit breaker. Every failure, including
// an open breaker, is returned as an *apperr.ProviderError.
type Breaker struct {
	next    Provider
	cb      *gobreaker.CircuitBreaker[any]
	monitor *monitoring.Monitor
}

var _ Provider = (*Breaker)(nil)

func NewBreaker(next Provider, st BreakerSettings, monitor *monitoring.Monitor) *Breaker {
	name := next.Name()
	monitor.SetBreakerState(name, stateValue(gobreaker.StateClosed))

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: st.MaxRequests,
		Interval:    st.Interval,
		Timeout:     st.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < st.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= st.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("payment provider breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			monitor.SetBreakerState(name, stateValue(to))
		},
		// an unknown payment is an answer, not an outage
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPaymentNotFound)
		},
	})

	return &Breaker{next: next, cb: cb, monitor: monitor}
}

func (b *Breaker) Name() string {
	return b.next.Name()
}

// State reports the breaker state: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error) {
	return execute[Preference](b, "createPreference", func() (any, error) {
		return b.next.CreatePreference(ctx, req)
	})
}

func (b *Breaker) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	return execute[Payment](b, "getPayment", func() (any, error) {
		return b.next.GetPayment(ctx, paymentID)
	})
}

func (b *Breaker) Refund(ctx context.Context, paymentID string, amount decimal.NullDecimal) (*Refund, error) {
	return execute[Refund](b, "refund", func() (any, error) {
		return b.next.Refund(ctx, paymentID, amount)
	})
}

func execute[T any](b *Breaker, op string, fn func() (any, error)) (*T, error) {
	result, err := b.cb.Execute(fn)
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			b.monitor.TrackProviderCall(b.Name(), op, "rejected")
		case errors.Is(err, ErrPaymentNotFound):
			// passed through unwrapped so callers can tell it from an outage
			b.monitor.TrackProviderCall(b.Name(), op, "not_found")
			return nil, err
		default:
			b.monitor.TrackProviderCall(b.Name(), op, "failure")
		}
		return nil, apperr.Provider(op, err)
	}
	b.monitor.TrackProviderCall(b.Name(), op, "success")

	typed, ok := result.(*T)
	if !ok {
		return nil, apperr.Provider(op, errors.New("unexpected result type"))
	}
	return typed, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
