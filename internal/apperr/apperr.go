// Package apperr defines the error taxonomy returned by the ticketing services.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindCapacity
	KindCoupon
	KindStateConflict
	KindProvider
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCapacity:
		return "capacity"
	case KindCoupon:
		return "coupon"
	case KindStateConflict:
		return "state_conflict"
	case KindProvider:
		return "provider"
	case KindNotFound:
		return "not_found"
	}
	return "internal"
}

// Codes carried by CapacityError and StateConflictError.
const (
	CodeInsufficientCapacity    = "InsufficientCapacity"
	CodeEventClosed             = "EventClosed"
	CodeCouponInvalid           = "CouponInvalid"
	CodeAlreadyCheckedIn        = "AlreadyCheckedIn"
	CodeTransferAlreadyResolved = "TransferAlreadyResolved"
	CodeTicketNotTransferable   = "TicketNotTransferable"
	CodeInvalidState            = "InvalidState"
	CodeForbidden               = "Forbidden"
)

type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is malformed input; retrying without new input is pointless.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type CapacityError struct {
	Code      string
	Available int
	Requested int
	Reason    string
}

func (e *CapacityError) Error() string {
	if e.Code == CodeEventClosed {
		return "event closed: " + e.Reason
	}
	return fmt.Sprintf("insufficient capacity: %d available, %d requested", e.Available, e.Requested)
}

type CouponError struct {
	Code   string
	Reason string
}

func (e *CouponError) Error() string {
	return "coupon invalid: " + e.Reason
}

// StateConflictError is a concurrent-modification class error; retrying with fresh state is safe.
type StateConflictError struct {
	Code   string
	Reason string
	UsedAt *time.Time
	UsedBy string
}

func (e *StateConflictError) Error() string {
	if e.Code == CodeAlreadyCheckedIn && e.UsedAt != nil {
		return fmt.Sprintf("ticket already checked in at %s by %s", e.UsedAt.Format(time.RFC3339), e.UsedBy)
	}
	return e.Code + ": " + e.Reason
}

// ProviderError wraps an upstream payment API failure.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func Validation(field, reason string) error {
	return &ValidationError{Fields: []FieldError{{Field: field, Reason: reason}}}
}

func InsufficientCapacity(available, requested int) error {
	if available < 0 {
		available = 0
	}
	return &CapacityError{Code: CodeInsufficientCapacity, Available: available, Requested: requested}
}

func EventClosed(reason string) error {
	return &CapacityError{Code: CodeEventClosed, Reason: reason}
}

func CouponInvalid(reason string) error {
	return &CouponError{Code: CodeCouponInvalid, Reason: reason}
}

func AlreadyCheckedIn(at *time.Time, by string) error {
	return &StateConflictError{Code: CodeAlreadyCheckedIn, Reason: "ticket already used", UsedAt: at, UsedBy: by}
}

func TransferAlreadyResolved(reason string) error {
	return &StateConflictError{Code: CodeTransferAlreadyResolved, Reason: reason}
}

func TicketNotTransferable(reason string) error {
	return &StateConflictError{Code: CodeTicketNotTransferable, Reason: reason}
}

func InvalidState(reason string) error {
	return &StateConflictError{Code: CodeInvalidState, Reason: reason}
}

func Forbidden(reason string) error {
	return &StateConflictError{Code: CodeForbidden, Reason: reason}
}

func Provider(op string, err error) error {
	return &ProviderError{Op: op, Err: err}
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// KindOf classifies err; unknown errors are KindInternal.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		ce *CapacityError
		co *CouponError
		se *StateConflictError
		pe *ProviderError
		ne *NotFoundError
	)
	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ce):
		return KindCapacity
	case errors.As(err, &co):
		return KindCoupon
	case errors.As(err, &se):
		return KindStateConflict
	case errors.As(err, &pe):
		return KindProvider
	case errors.As(err, &ne):
		return KindNotFound
	}
	return KindInternal
}

// CodeOf returns the specific code of a capacity, coupon or state conflict error.
func CodeOf(err error) string {
	var (
		ce *CapacityError
		co *CouponError
		se *StateConflictError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &co):
		return co.Code
	case errors.As(err, &se):
		return se.Code
	}
	return ""
}
