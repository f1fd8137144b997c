package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/services"
)

type TransferHandler struct {
	transfers *services.TransferService
}

func NewTransferHandler(transfers *services.TransferService) *TransferHandler {
	return &TransferHandler{transfers: transfers}
}

func (h *TransferHandler) Create(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}

	var in services.CreateTransferInput
	if err := e.BindBody(&in); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	in.FromUser = userID

	tr, err := h.transfers.Create(e.Request.Context(), in)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusCreated, tr)
}

// Respond - the recipient accepts or rejects an offer
func (h *TransferHandler) Respond(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}

	var req struct {
		Accept *bool  `json:"accept"`
		Note   string `json:"note"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	if req.Accept == nil {
		return respondError(e, apperr.Validation("accept", "is required"))
	}

	ctx := e.Request.Context()
	id := e.Request.PathValue("id")
	if *req.Accept {
		tr, err := h.transfers.Accept(ctx, id, userID)
		if err != nil {
			return respondError(e, err)
		}
		return ok(e, tr)
	}
	tr, err := h.transfers.Reject(ctx, id, userID, req.Note)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, tr)
}

func (h *TransferHandler) Cancel(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}
	tr, err := h.transfers.Cancel(e.Request.Context(), e.Request.PathValue("id"), userID)
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, tr)
}

// List - transfers the caller sent or received (?role=sent|received)
func (h *TransferHandler) List(e *core.RequestEvent) error {
	userID, err := requireUser(e)
	if err != nil {
		return err
	}
	items, err := h.transfers.List(e.Request.Context(), userID, e.Request.URL.Query().Get("role"))
	if err != nil {
		return respondError(e, err)
	}
	return ok(e, map[string]any{"items": items})
}
