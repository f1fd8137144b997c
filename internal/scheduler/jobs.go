package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticket-settlement/internal/services"
)

const (
	JobReconcile     = "reconcile_payments"
	JobTransferSweep = "expire_transfers"
	JobCouponSweep   = "expire_coupons"
	JobHealthProbe   = "health_probe"
)

type Intervals struct {
	Reconcile     time.Duration
	TransferSweep time.Duration
	CouponSweep   time.Duration
	Health        time.Duration
}

// EngineJobs returns the maintenance jobs for the engine.
func EngineJobs(e *services.Engine, health *services.HealthService, iv Intervals) []Job {
	jobs := []Job{
		{
			Name:     JobReconcile,
			Interval: iv.Reconcile,
			Run: func(ctx context.Context) error {
				res, err := e.Settlement.Reconcile(ctx)
				if err != nil {
					return err
				}
				slog.Info("reconciliation sweep", "cancelled", res.Cancelled, "polled", res.Polled, "failed", res.Failed)
				if res.Failed > 0 {
					return fmt.Errorf("reconcile: %d intents failed", res.Failed)
				}
				return nil
			},
		},
		{
			Name:     JobTransferSweep,
			Interval: iv.TransferSweep,
			Run: func(ctx context.Context) error {
				n, err := e.Transfers.Sweep(ctx)
				if n > 0 {
					slog.Info("expired transfers", "count", n)
				}
				return err
			},
		},
		{
			Name:     JobCouponSweep,
			Interval: iv.CouponSweep,
			Run: func(ctx context.Context) error {
				n, err := e.Discounts.SweepCoupons(ctx)
				if n > 0 {
					slog.Info("deactivated coupons", "count", n)
				}
				return err
			},
		},
	}
	if health != nil {
		jobs = append(jobs, Job{
			Name:     JobHealthProbe,
			Interval: iv.Health,
			Run: func(ctx context.Context) error {
				st := health.Probe(ctx)
				if st.Healthy {
					return nil
				}
				var failing []string
				for name, result := range st.Checks {
					if result != "ok" {
						failing = append(failing, name+": "+result)
					}
				}
				if st.Breaker == "open" {
					failing = append(failing, "provider breaker open")
				}
				return errors.New("unhealthy: " + strings.Join(failing, "; "))
			},
		})
	}
	return jobs
}

// RegisterAll registers every job, stopping at the first error.
func (s *Scheduler) RegisterAll(jobs []Job) error {
	for _, job := range jobs {
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}
