package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-settlement/internal/apperr"
)

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindCapacity:
		return http.StatusConflict
	case apperr.KindCoupon:
		return http.StatusUnprocessableEntity
	case apperr.KindStateConflict:
		if apperr.CodeOf(err) == apperr.CodeForbidden {
			return http.StatusForbidden
		}
		return http.StatusConflict
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindProvider:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorBody carries the specific reason of a business error so clients can
// tell an expired coupon from an exhausted one.
func errorBody(err error) map[string]any {
	body := map[string]any{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	}
	if code := apperr.CodeOf(err); code != "" {
		body["code"] = code
	}

	var (
		ve *apperr.ValidationError
		ce *apperr.CapacityError
		co *apperr.CouponError
		se *apperr.StateConflictError
		pe *apperr.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		body["fields"] = ve.Fields
	case errors.As(err, &ce):
		if ce.Code == apperr.CodeInsufficientCapacity {
			body["available"] = ce.Available
			body["requested"] = ce.Requested
		} else {
			body["reason"] = ce.Reason
		}
	case errors.As(err, &co):
		body["reason"] = co.Reason
	case errors.As(err, &se):
		body["reason"] = se.Reason
		if se.UsedAt != nil {
			body["used_at"] = se.UsedAt
			body["used_by"] = se.UsedBy
		}
	case errors.As(err, &pe):
		// upstream detail stays in the logs
		body["error"] = "payment provider unavailable"
	}
	return body
}

func respondError(e *core.RequestEvent, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", e.Request.Method, "path", e.Request.URL.Path, "error", err)
		return apis.NewInternalServerError("internal error", nil)
	}
	if status == http.StatusBadGateway {
		slog.Warn("payment provider failure", "path", e.Request.URL.Path, "error", err)
	}
	return e.JSON(status, errorBody(err))
}
