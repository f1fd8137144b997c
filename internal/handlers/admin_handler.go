package handlers

import (
	"errors"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-settlement/internal/scheduler"
	"ticket-settlement/internal/services"
)

type AdminHandler struct {
	availability *services.AvailabilityChecker
	health       *services.HealthService
	jobs         JobRunner
}

func NewAdminHandler(availability *services.AvailabilityChecker, health *services.HealthService, jobs JobRunner) *AdminHandler {
	return &AdminHandler{availability: availability, health: health, jobs: jobs}
}

// Availability - cached display snapshot, never used to gate a purchase
func (h *AdminHandler) Availability(e *core.RequestEvent) error {
	eventID := e.Request.PathValue("id")
	snap, err := h.availability.Snapshot(e.Request.Context(), eventID)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, map[string]any{"event_id": eventID, "ticket_types": snap})
}

// RunJob - trigger a scheduler job now
func (h *AdminHandler) RunJob(e *core.RequestEvent) error {
	if h.jobs == nil {
		return apis.NewNotFoundError("Scheduler not running", nil)
	}
	name := e.Request.PathValue("name")
	err := h.jobs.RunOnce(e.Request.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		return apis.NewNotFoundError("Unknown job", nil)
	case errors.Is(err, scheduler.ErrJobRunning), errors.Is(err, scheduler.ErrLeaseHeld):
		return e.JSON(http.StatusConflict, map[string]any{"job": name, "error": err.Error()})
	case err != nil:
		return e.JSON(http.StatusInternalServerError, map[string]any{"job": name, "status": "failed", "error": err.Error()})
	}
	return ok(e, map[string]any{"job": name, "status": "done"})
}

func (h *AdminHandler) Health(e *core.RequestEvent) error {
	if h.health == nil {
		return ok(e, map[string]string{"status": "healthy"})
	}
	st := h.health.Status(e.Request.Context())
	status := http.StatusOK
	label := "healthy"
	if !st.Healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	return e.JSON(status, map[string]any{
		"status":     label,
		"checks":     st.Checks,
		"breaker":    st.Breaker,
		"checked_at": st.CheckedAt,
	})
}
