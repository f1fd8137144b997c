package models

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CouponType string

const (
	CouponPercentage   CouponType = "percentage"
	CouponFixed        CouponType = "fixed"
	CouponFreeShipping CouponType = "free_shipping"
	CouponBuyOneGetOne CouponType = "buy_one_get_one"
)

func (t CouponType) Valid() bool {
	switch t {
	case CouponPercentage, CouponFixed, CouponFreeShipping, CouponBuyOneGetOne:
		return true
	}
	return false
}

type CouponUse struct {
	UserID   string          `json:"user_id"`
	IntentID string          `json:"intent_id"`
	Discount decimal.Decimal `json:"discount"`
	At       time.Time       `json:"at"`
	// ReleasedAt is set when the intent that consumed the use did not settle.
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

type Coupon struct {
	Code           string              `json:"code"`
	Description    string              `json:"description,omitempty"`
	Type           CouponType          `json:"type"`
	Value          decimal.Decimal     `json:"value"`
	MaxDiscount    decimal.NullDecimal `json:"max_discount"`
	MinPurchase    decimal.Decimal     `json:"min_purchase"`
	ValidFrom      time.Time           `json:"valid_from"`
	ValidUntil     time.Time           `json:"valid_until"`
	MaxUses        int                 `json:"max_uses"`          // 0 = unlimited
	MaxUsesPerUser int                 `json:"max_uses_per_user"` // 0 = unlimited
	CurrentUses    int                 `json:"current_uses"`
	EventIDs       []string            `json:"event_ids,omitempty"`
	CategoryIDs    []string            `json:"category_ids,omitempty"`
	UserIDs        []string            `json:"user_ids,omitempty"`
	IsActive       bool                `json:"is_active"`
	CreatedBy      string              `json:"created_by"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	UsedBy         []CouponUse         `json:"used_by"`
}

var hundred = decimal.NewFromInt(100)

// CheckDefinition enforces the invariants of a coupon definition.
func (c Coupon) CheckDefinition() error {
	switch {
	case c.Code == "" || c.Code != strings.ToUpper(c.Code):
		return errors.New("code must be non-empty and uppercase")
	case !c.Type.Valid():
		return errors.New("unknown coupon type")
	case !c.ValidUntil.After(c.ValidFrom):
		return errors.New("valid_until must be after valid_from")
	case c.Value.IsNegative() || c.MinPurchase.IsNegative():
		return errors.New("value and min_purchase must not be negative")
	case c.Type == CouponPercentage && c.Value.GreaterThan(hundred):
		return errors.New("percentage value must not exceed 100")
	case c.MaxDiscount.Valid && c.MaxDiscount.Decimal.IsNegative():
		return errors.New("max_discount must not be negative")
	case c.MaxUses < 0 || c.MaxUsesPerUser < 0:
		return errors.New("usage caps must not be negative")
	case c.MaxUses > 0 && c.CurrentUses > c.MaxUses:
		return errors.New("current_uses exceeds max_uses")
	}
	return nil
}

func (c Coupon) Exhausted() bool {
	return c.MaxUses > 0 && c.CurrentUses >= c.MaxUses
}

func (c Coupon) UsesBy(userID string) int {
	n := 0
	for _, u := range c.UsedBy {
		if u.UserID == userID && u.ReleasedAt == nil {
			n++
		}
	}
	return n
}

// Redeemed returns the coupon with use appended to its ledger.
func (c Coupon) Redeemed(use CouponUse) Coupon {
	next := c.Clone()
	next.CurrentUses++
	next.UsedBy = append(next.UsedBy, use)
	next.UpdatedAt = use.At
	return next
}

// Released gives back the use recorded for intentID. The ledger entry stays,
// stamped with the release time.
func (c Coupon) Released(intentID string, at time.Time) (Coupon, bool) {
	for i, u := range c.UsedBy {
		if u.IntentID != intentID || u.ReleasedAt != nil {
			continue
		}
		next := c.Clone()
		released := at
		next.UsedBy[i].ReleasedAt = &released
		if next.CurrentUses > 0 {
			next.CurrentUses--
		}
		next.UpdatedAt = at
		return next, true
	}
	return c, false
}

func (c Coupon) Clone() Coupon {
	n := c
	n.EventIDs = append([]string(nil), c.EventIDs...)
	n.CategoryIDs = append([]string(nil), c.CategoryIDs...)
	n.UserIDs = append([]string(nil), c.UserIDs...)
	n.UsedBy = append([]CouponUse(nil), c.UsedBy...)
	return n
}
