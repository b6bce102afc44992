// Package audit records security and data-loss relevant events as
// structured log entries tagged type=audit.
package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"carelink.app/internal/identity"
	"carelink.app/internal/obs"
)

// Event names an audited action.
type Event string

const (
	StoreSeeded  Event = "store.seeded"
	StoreCleared Event = "store.cleared"
	StoreWiped   Event = "store.wiped"

	LoginFailed     Event = "auth.login.failed"
	MagicLinkSent   Event = "auth.magic_link.sent"
	MagicLinkUsed   Event = "auth.magic_link.verified"
	LoginSucceeded  Event = "auth.login"
	RequestApproved Event = "referral.request.approved"
	RequestDenied   Event = "referral.request.denied"
	ForcedSync      Event = "referral.marked_synced"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier used to correlate entries.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// LogEvent writes one audit entry. The caller identity, when the context
// carries one, is recorded alongside fields.
func LogEvent(ctx context.Context, event Event, fields map[string]any) error {
	name := strings.TrimSpace(string(event))
	if name == "" {
		return errors.New("audit: event name is required")
	}
	entry := logrus.Fields{"type": "audit", "event": name}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := identity.FromContext(ctx); ok {
		entry["user_id"] = id.UserID
		entry["role"] = string(id.Role)
	}
	detail := make(map[string]any, len(fields))
	for k, v := range fields {
		detail[k] = v
	}
	entry["fields"] = detail

	obs.Logger().WithFields(entry).Info(name)
	return nil
}
