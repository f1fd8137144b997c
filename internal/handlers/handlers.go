// Package handlers exposes the ticketing engine over the PocketBase router.
// Handlers only bind input, read the caller identity and map errors; every
// rule lives in the services package.
package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"ticket-settlement/internal/services"
	"ticket-settlement/internal/services/provider"
	"ticket-settlement/models"
	"ticket-settlement/security"
)

// JobRunner triggers a scheduler job outside its schedule.
type JobRunner interface {
	RunOnce(ctx context.Context, name string) error
}

// Publisher sends a message on a realtime channel.
type Publisher interface {
	Publish(channel string, msg map[string]any) error
}

type Deps struct {
	Engine    *services.Engine
	Health    *services.HealthService
	Jobs      JobRunner
	Limiter   *security.RateLimiter
	Sandbox   *provider.Sandbox
	Publisher Publisher
	// NotificationChannel receives simulated payments when Publisher is set.
	NotificationChannel string
	Development         bool
}

type Handlers struct {
	Payments  *PaymentHandler
	Tickets   *TicketHandler
	Transfers *TransferHandler
	Coupons   *CouponHandler
	Admin     *AdminHandler

	limiter     *security.RateLimiter
	development bool
}

func New(d Deps) *Handlers {
	return &Handlers{
		Payments:    NewPaymentHandler(d.Engine, d.Sandbox, d.Publisher, d.NotificationChannel),
		Tickets:     NewTicketHandler(d.Engine.Tickets),
		Transfers:   NewTransferHandler(d.Engine.Transfers),
		Coupons:     NewCouponHandler(d.Engine.Discounts),
		Admin:       NewAdminHandler(d.Engine.Availability, d.Health, d.Jobs),
		limiter:     d.Limiter,
		development: d.Development,
	}
}

// antiBot rejects crawler user agents and limits the route per client IP.
func (h *Handlers) antiBot(scope string) func(e *core.RequestEvent) error {
	if h.limiter == nil {
		return func(e *core.RequestEvent) error { return e.Next() }
	}
	return h.limiter.AntiBot(scope)
}

// Register binds every route on r.
func (h *Handlers) Register(r *router.Router[*core.RequestEvent]) {
	api := r.Group("/api")
	api.BindFunc(requestMeta)

	// Payments
	api.POST("/payments/intents", h.Payments.CreateIntent).BindFunc(h.antiBot("intents"))
	api.POST("/payments/confirm", h.Payments.ConfirmIntent)
	api.GET("/payments/{id}", h.Payments.GetIntent)
	api.POST("/payments/{id}/refund", h.Payments.Refund).Bind(apis.RequireSuperuserAuth())
	// Provider deliveries are never throttled: a refused delivery is a lost settlement.
	api.POST("/webhooks/payments", h.Payments.Webhook)

	// Tickets
	api.POST("/tickets/validate", h.Tickets.Validate).BindFunc(h.antiBot("validate"))
	api.POST("/tickets/{id}/checkin", h.Tickets.CheckIn)
	api.GET("/tickets", h.Tickets.List)
	api.GET("/tickets/{id}/download", h.Tickets.Download)

	// Transfers
	api.POST("/transfers", h.Transfers.Create)
	api.POST("/transfers/{id}/respond", h.Transfers.Respond)
	api.POST("/transfers/{id}/cancel", h.Transfers.Cancel)
	api.GET("/transfers", h.Transfers.List)

	// Coupons
	api.POST("/coupons/redeem", h.Coupons.Preview)
	api.POST("/coupons", h.Coupons.Create).Bind(apis.RequireSuperuserAuth())
	api.POST("/coupons/{code}/deactivate", h.Coupons.Deactivate).Bind(apis.RequireSuperuserAuth())

	// Events and operations
	api.GET("/events/{id}/availability", h.Admin.Availability)
	api.POST("/admin/jobs/{name}/run", h.Admin.RunJob).Bind(apis.RequireSuperuserAuth())

	// Test endpoint for payment simulation
	if h.development {
		api.POST("/test/simulate-payment", h.Payments.SimulatePayment)
	}

	r.GET("/health", h.Admin.Health)
}

// requestMeta carries the caller's network details to the audit trail.
func requestMeta(e *core.RequestEvent) error {
	meta := models.RequestMeta{
		IP:        e.RealIP(),
		UserAgent: e.Request.UserAgent(),
		RequestID: e.Request.Header.Get("X-Request-Id"),
		DeviceID:  e.Request.Header.Get("X-Device-Id"),
	}
	e.Request = e.Request.WithContext(services.WithRequestMeta(e.Request.Context(), meta))
	return e.Next()
}

func requireUser(e *core.RequestEvent) (string, error) {
	if e.Auth == nil {
		return "", apis.NewUnauthorizedError("Unauthorized", nil)
	}
	return e.Auth.Id, nil
}

// isStaff reports whether the caller may scan and check in tickets.
func isStaff(e *core.RequestEvent) bool {
	if e.HasSuperuserAuth() {
		return true
	}
	if e.Auth == nil {
		return false
	}
	role := e.Auth.GetString("role")
	return role == "staff" || role == "admin"
}

func ok(e *core.RequestEvent, v any) error {
	return e.JSON(http.StatusOK, v)
}
