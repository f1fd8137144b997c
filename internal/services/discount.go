package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ticket-settlement/internal/apperr"
	"ticket-settlement/internal/clock"
	"ticket-settlement/internal/store"
	"ticket-settlement/models"
	"ticket-settlement/monitoring"
	"ticket-settlement/utils"
)

// Coupon validation failure reasons, surfaced verbatim to the caller.
const (
	CouponReasonNotFound       = "coupon not found"
	CouponReasonInactive       = "coupon is not active"
	CouponReasonNotYetValid    = "coupon is not valid yet"
	CouponReasonExpired        = "coupon has expired"
	CouponReasonExhausted      = "coupon usage limit reached"
	CouponReasonUserExhausted  = "coupon already used the maximum number of times by this user"
	CouponReasonMinPurchase    = "purchase amount is below the coupon minimum"
	CouponReasonEventExcluded  = "coupon does not apply to this event"
	CouponReasonCategory       = "coupon does not apply to this event category"
	CouponReasonUserNotAllowed = "coupon is not available for this user"
)

var hundred = decimal.NewFromInt(100)

type DiscountRequest struct {
	Code       string          `json:"code" validate:"required"`
	UserID     string          `json:"user_id" validate:"required"`
	EventID    string          `json:"event_id" validate:"required"`
	CategoryID string          `json:"category_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type DiscountResult struct {
	Code        string            `json:"code"`
	Type        models.CouponType `json:"type"`
	Amount      decimal.Decimal   `json:"amount"`
	Discount    decimal.Decimal   `json:"discount"`
	FinalAmount decimal.Decimal   `json:"final_amount"`
}

// CalculateDiscount is pure: the same coupon and amount always give the same
// discount. Types without a financial rule yield zero.
func CalculateDiscount(c models.Coupon, amount decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	var d decimal.Decimal
	switch c.Type {
	case models.CouponPercentage:
		d = amount.Mul(c.Value).Div(hundred).Round(2)
		if c.MaxDiscount.Valid && d.GreaterThan(c.MaxDiscount.Decimal) {
			d = c.MaxDiscount.Decimal
		}
	case models.CouponFixed:
		d = decimal.Min(c.Value, amount)
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// CheckCoupon validates a coupon for a request, in a fixed order, and returns
// the first failing reason.
func CheckCoupon(c models.Coupon, req DiscountRequest, now time.Time) string {
	switch {
	case !c.IsActive:
		return CouponReasonInactive
	case now.Before(c.ValidFrom):
		return CouponReasonNotYetValid
	case now.After(c.ValidUntil):
		return CouponReasonExpired
	case c.Exhausted():
		return CouponReasonExhausted
	case c.MaxUsesPerUser > 0 && c.UsesBy(req.UserID) >= c.MaxUsesPerUser:
		return CouponReasonUserExhausted
	case req.Amount.LessThan(c.MinPurchase):
		return CouponReasonMinPurchase
	case len(c.EventIDs) > 0 && !slices.Contains(c.EventIDs, req.EventID):
		return CouponReasonEventExcluded
	case len(c.CategoryIDs) > 0 && !slices.Contains(c.CategoryIDs, req.CategoryID):
		return CouponReasonCategory
	case len(c.UserIDs) > 0 && !slices.Contains(c.UserIDs, req.UserID):
		return CouponReasonUserNotAllowed
	}
	return ""
}

type DiscountEngine struct {
	store     store.Store
	clock     clock.Clock
	audit     *AuditRecorder
	monitor   *monitoring.Monitor
	batchSize int
}

func NewDiscountEngine(s store.Store, c clock.Clock, audit *AuditRecorder, monitor *monitoring.Monitor, batchSize int) *DiscountEngine {
	return &DiscountEngine{store: s, clock: c, audit: audit, monitor: monitor, batchSize: batchSize}
}

// Evaluate loads and validates the coupon through repo and computes the discount.
func (d *DiscountEngine) Evaluate(ctx context.Context, repo store.Repository, req DiscountRequest) (*models.Coupon, *DiscountResult, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	c, err := repo.GetCoupon(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		d.monitor.TrackCoupon("not_found")
		return nil, nil, apperr.CouponInvalid(CouponReasonNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load coupon: %w", err)
	}
	if reason := CheckCoupon(*c, req, d.clock.Now()); reason != "" {
		d.monitor.TrackCoupon("rejected")
		return nil, nil, apperr.CouponInvalid(reason)
	}
	discount := CalculateDiscount(*c, req.Amount)
	return c, &DiscountResult{
		Code:        c.Code,
		Type:        c.Type,
		Amount:      req.Amount,
		Discount:    discount,
		FinalAmount: req.Amount.Sub(discount),
	}, nil
}

// Preview validates a coupon and computes its effect without consuming a use.
func (d *DiscountEngine) Preview(ctx context.Context, req DiscountRequest) (*DiscountResult, error) {
	if err := validateInput(req); err != nil {
		return nil, err
	}
	if req.Amount.IsNegative() {
		return nil, apperr.Validation("amount", "must not be negative")
	}
	if req.CategoryID == "" {
		if ev, err := d.store.GetEvent(ctx, req.EventID); err == nil {
			req.CategoryID = ev.CategoryID
		}
	}
	_, res, err := d.Evaluate(ctx, d.store, req)
	return res, err
}

// redeem records one use of c by intentID inside the caller's transaction.
func (d *DiscountEngine) redeem(ctx context.Context, repo store.Repository, c *models.Coupon, userID, intentID string, discount decimal.Decimal) error {
	next := c.Redeemed(models.CouponUse{UserID: userID, IntentID: intentID, Discount: discount, At: d.clock.Now()})
	if err := repo.UpdateCoupon(ctx, &next); err != nil {
		return fmt.Errorf("redeem coupon: %w", err)
	}
	d.monitor.TrackCoupon("redeemed")
	return nil
}

// release gives back the use taken by an intent that never settled.
func (d *DiscountEngine) release(ctx context.Context, repo store.Repository, code, intentID string) error {
	if code == "" {
		return nil
	}
	c, err := repo.GetCoupon(ctx, code)
	if err != nil {
		return fmt.Errorf("load coupon: %w", err)
	}
	next, ok := c.Released(intentID, d.clock.Now())
	if !ok {
		return nil
	}
	return repo.UpdateCoupon(ctx, &next)
}

type CreateCouponInput struct {
	Code           string              `json:"code"`
	Description    string              `json:"description"`
	Type           models.CouponType   `json:"type" validate:"required,oneof=percentage fixed free_shipping buy_one_get_one"`
	Value          decimal.Decimal     `json:"value"`
	MaxDiscount    decimal.NullDecimal `json:"max_discount"`
	MinPurchase    decimal.Decimal     `json:"min_purchase"`
	ValidFrom      time.Time           `json:"valid_from" validate:"required"`
	ValidUntil     time.Time           `json:"valid_until" validate:"required"`
	MaxUses        int                 `json:"max_uses" validate:"gte=0"`
	MaxUsesPerUser int                 `json:"max_uses_per_user" validate:"gte=0"`
	EventIDs       []string            `json:"event_ids"`
	CategoryIDs    []string            `json:"category_ids"`
	UserIDs        []string            `json:"user_ids"`
}

// CreateCoupon stores a new active coupon. An empty code is generated.
func (d *DiscountEngine) CreateCoupon(ctx context.Context, actor string, in CreateCouponInput) (*models.Coupon, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	if code == "" {
		generated, err := utils.GenerateCode(4)
		if err != nil {
			return nil, fmt.Errorf("generate coupon code: %w", err)
		}
		code = generated
	}

	now := d.clock.Now()
	c := &models.Coupon{
		Code:           code,
		Description:    in.Description,
		Type:           in.Type,
		Value:          in.Value,
		MaxDiscount:    in.MaxDiscount,
		MinPurchase:    in.MinPurchase,
		ValidFrom:      in.ValidFrom,
		ValidUntil:     in.ValidUntil,
		MaxUses:        in.MaxUses,
		MaxUsesPerUser: in.MaxUsesPerUser,
		EventIDs:       in.EventIDs,
		CategoryIDs:    in.CategoryIDs,
		UserIDs:        in.UserIDs,
		IsActive:       true,
		CreatedBy:      actor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := c.CheckDefinition(); err != nil {
		return nil, apperr.Validation("coupon", err.Error())
	}

	err := d.store.CreateCoupon(ctx, c)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Validation("code", "coupon code already exists")
	}
	if err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}

	d.audit.Record(ctx, AuditEntry{Actor: actor, Action: models.ActionCouponCreated, ResourceType: "coupon", ResourceID: c.Code, After: c})
	return c, nil
}

func (d *DiscountEngine) DeactivateCoupon(ctx context.Context, actor, code string) (*models.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	var before, after models.Coupon
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		c, err := repo.GetCoupon(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("coupon", code)
		}
		if err != nil {
			return err
		}
		before = c.Clone()
		after = c.Clone()
		after.IsActive = false
		after.UpdatedAt = d.clock.Now()
		return repo.UpdateCoupon(ctx, &after)
	})
	if err != nil {
		return nil, err
	}
	if before.IsActive {
		d.audit.Record(ctx, AuditEntry{Actor: actor, Action: models.ActionCouponDeactivated, ResourceType: "coupon", ResourceID: code, Before: before, After: after})
	}
	return &after, nil
}

// SweepCoupons deactivates coupons past valid_until. Exhausted coupons stay
// active: uses held by pending intents come back when those intents fail, and
// redemption already refuses a coupon with no uses left.
func (d *DiscountEngine) SweepCoupons(ctx context.Context) (int, error) {
	candidates, err := d.store.ListCouponsToRetire(ctx, d.clock.Now(), d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list coupons to retire: %w", err)
	}

	retired := 0
	for _, c := range candidates {
		err := d.store.WithTx(ctx, func(repo store.Repository) error {
			cur, err := repo.GetCoupon(ctx, c.Code)
			if err != nil {
				return err
			}
			now := d.clock.Now()
			if !cur.IsActive || !now.After(cur.ValidUntil) {
				return errSkip
			}
			cur.IsActive = false
			cur.UpdatedAt = now
			return repo.UpdateCoupon(ctx, cur)
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			slog.Error("coupon sweep failed", "code", c.Code, "error", err)
			continue
		}
		retired++
		d.audit.Record(ctx, AuditEntry{Actor: SystemActor, Action: models.ActionCouponDeactivated, ResourceType: "coupon", ResourceID: c.Code, Before: c})
	}
	return retired, nil
}
