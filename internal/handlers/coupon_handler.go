package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-settlement/internal/services"
)

type CouponHandler struct {
	discounts *services.DiscountEngine
}

func NewCouponHandler(discounts *services.DiscountEngine) *CouponHandler {
	return &CouponHandler{discounts: discounts}
}

// Preview - check a code against an amount without consuming a use
func (h *CouponHandler) Preview(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}

	var req services.DiscountRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.UserID = userID

	res, err := h.discounts.Preview(e.Request.Context(), req)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, res)
}

func (h *CouponHandler) Create(e *core.RequestEvent) error {
	var in services.CreateCouponInput
	if err := e.BindBody(&in); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	c, err := h.discounts.CreateCoupon(e.Request.Context(), actorID(e), in)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusCreated, c)
}

func (h *CouponHandler) Deactivate(e *core.RequestEvent) error {
	c, err := h.discounts.DeactivateCoupon(e.Request.Context(), actorID(e), e.Request.PathValue("code"))
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, c)
}
