package models

import (
	"encoding/json"
	"time"
)

type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// Action names an audited state transition. Actions are attached at the call site.
type Action string

const (
	ActionIntentCreated     Action = "payment.intent_created"
	ActionIntentStatus      Action = "payment.status_changed"
	ActionIntentRefunded    Action = "payment.refunded"
	ActionTicketIssued      Action = "ticket.issued"
	ActionTicketValidated   Action = "ticket.validated"
	ActionTicketCheckedIn   Action = "ticket.checked_in"
	ActionTicketDownloaded  Action = "ticket.downloaded"
	ActionTicketRefunded    Action = "ticket.refunded"
	ActionTransferCreated   Action = "transfer.created"
	ActionTransferAccepted  Action = "transfer.accepted"
	ActionTransferRejected  Action = "transfer.rejected"
	ActionTransferCancelled Action = "transfer.cancelled"
	ActionTransferExpired   Action = "transfer.expired"
	ActionCouponCreated     Action = "coupon.created"
	ActionCouponRedeemed    Action = "coupon.redeemed"
	ActionCouponDeactivated Action = "coupon.deactivated"
)

type actionClass int

const (
	classRead actionClass = iota
	classCreate
	classUpdate
	classPayment
	classDeletion
)

var actionClasses = map[Action]actionClass{
	ActionIntentCreated:     classPayment,
	ActionIntentStatus:      classPayment,
	ActionIntentRefunded:    classPayment,
	ActionTicketIssued:      classCreate,
	ActionTicketValidated:   classRead,
	ActionTicketCheckedIn:   classUpdate,
	ActionTicketDownloaded:  classRead,
	ActionTicketRefunded:    classPayment,
	ActionTransferCreated:   classCreate,
	ActionTransferAccepted:  classUpdate,
	ActionTransferRejected:  classUpdate,
	ActionTransferCancelled: classUpdate,
	ActionTransferExpired:   classUpdate,
	ActionCouponCreated:     classCreate,
	ActionCouponRedeemed:    classUpdate,
	ActionCouponDeactivated: classDeletion,
}

func (a Action) Severity() Severity {
	switch actionClasses[a] {
	case classPayment, classDeletion:
		return SeverityHigh
	case classCreate, classUpdate:
		return SeverityMedium
	}
	return SeverityLow
}

type RequestMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// AuditRecord is write-once.
type AuditRecord struct {
	ID           string          `json:"id"`
	ActorID      string          `json:"actor_id"`
	Action       Action          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Meta         RequestMeta     `json:"meta"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Severity     Severity        `json:"severity"`
	At           time.Time       `json:"at"`
}
