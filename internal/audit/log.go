// Package audit records security-relevant decisions as JSON lines on the
// shared logger.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"tollgate.dev/internal/auth"
	"tollgate.dev/internal/obs"
)

// Event names emitted by the gate and the billing applier.
const (
	EventAccessDenied        = "access.denied"
	EventQuotaExhausted      = "quota.exhausted"
	EventInvitationCreated   = "invitation.created"
	EventInvitationAccepted  = "invitation.accepted"
	EventInvitationRejected  = "invitation.rejected"
	EventPlanChanged         = "billing.plan_changed"
	EventOrganizationCreated = "organization.created"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestID returns the identifier set by WithRequestID.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes an audit entry enriched with the request id and the acting
// principal found in ctx.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestID(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["user_id"] = p.ID
		if p.OrganizationID != "" {
			entry["org_id"] = p.OrganizationID
		}
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
