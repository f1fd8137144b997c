package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"ticket-settlement/internal/clock"
	"ticket-settlement/models"
)

type requestMetaKey struct{}

// WithRequestMeta attaches the caller's network metadata for the audit trail.
func WithRequestMeta(ctx context.Context, meta models.RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

func RequestMetaFrom(ctx context.Context) models.RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(models.RequestMeta)
	return meta
}

type AuditSink interface {
	AppendAudit(ctx context.Context, r *models.AuditRecord) error
}

type AuditEntry struct {
	Actor        string
	Action       models.Action
	ResourceType string
	ResourceID   string
	Before       any
	After        any
	Err          error
}

// AuditRecorder appends audit records. It never fails the caller: write
// errors are logged and dropped.
type AuditRecorder struct {
	sink  AuditSink
	clock clock.Clock
}

func NewAuditRecorder(sink AuditSink, c clock.Clock) *AuditRecorder {
	return &AuditRecorder{sink: sink, clock: c}
}

func (a *AuditRecorder) Record(ctx context.Context, e AuditEntry) {
	if a == nil {
		return
	}
	rec := &models.AuditRecord{
		ID:           uuid.NewString(),
		ActorID:      e.Actor,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Before:       snapshot(e.Before),
		After:        snapshot(e.After),
		Meta:         RequestMetaFrom(ctx),
		Success:      e.Err == nil,
		Severity:     e.Action.Severity(),
		At:           a.clock.Now(),
	}
	if e.Err != nil {
		rec.Error = e.Err.Error()
	}

	// a cancelled request must not lose the record
	if err := a.sink.AppendAudit(context.WithoutCancel(ctx), rec); err != nil {
		slog.Warn("audit record dropped",
			"action", e.Action,
			"resource_type", e.ResourceType,
			"resource_id", e.ResourceID,
			"error", err,
		)
	}
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("audit snapshot not serializable", "error", err)
		return nil
	}
	return data
}
