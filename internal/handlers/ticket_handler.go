package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-settlement/internal/services"
)

type TicketHandler struct {
	tickets *services.TicketService
}

func NewTicketHandler(tickets *services.TicketService) *TicketHandler {
	return &TicketHandler{tickets: tickets}
}

// Validate - scan a QR payload, or look a ticket up by id
func (h *TicketHandler) Validate(e *core.RequestEvent) error {
	if !isStaff(e) {
		return apis.NewForbiddenError("Staff access required", nil)
	}

	var req struct {
		QRPayload string `json:"qr_payload"`
		TicketID  string `json:"ticket_id"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	var (
		res *services.TicketValidation
		err error
	)
	ctx := e.Request.Context()
	if req.QRPayload != "" {
		res, err = h.tickets.ValidateQR(ctx, req.QRPayload)
	} else {
		res, err = h.tickets.Validate(ctx, req.TicketID)
	}
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, res)
}

func (h *TicketHandler) CheckIn(e *core.RequestEvent) error {
	if !isStaff(e) {
		return apis.NewForbiddenError("Staff access required", nil)
	}

	var in services.CheckInInput
	if err := e.BindBody(&in); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if in.DeviceID == "" {
		in.DeviceID = e.Request.Header.Get("X-Device-Id")
	}

	t, err := h.tickets.CheckIn(e.Request.Context(), e.Request.PathValue("id"), actorID(e), in)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, t)
}

// List - tickets held by the caller
func (h *TicketHandler) List(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}
	tickets, err := h.tickets.ListForHolder(e.Request.Context(), userID)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, map[string]any{"items": tickets})
}

func (h *TicketHandler) Download(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}
	d, err := h.tickets.Download(e.Request.Context(), e.Request.PathValue("id"), userID)
	if err != nil {
		return respondError(e, err)
	}
	e.Response.Header().Set("Content-Disposition", `attachment; filename="`+d.Filename+`"`)
	return e.Blob(http.StatusOK, d.ContentType, d.Data)
}
