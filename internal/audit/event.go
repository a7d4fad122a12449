// Package audit records tenant lifecycle events: organization registration,
// logins, deprovisioning and operator-triggered schema synchronization. Audit
// records go to their own destinations (a JSON-lines file, a webhook) so they
// can be retained and consumed independently of the application logs.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emetrics/emetrics-backend/internal/middleware"
)

// Actions.
const (
	ActionOrganizationRegistered    = "organization.registered"
	ActionOrganizationDeprovisioned = "organization.deprovisioned"
	ActionLogin                     = "auth.login"
	ActionSchemaSync                = "schema.sync"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Action    string         `json:"action"`
	Outcome   string         `json:"outcome"`
	Actor     string         `json:"actor,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FromRequest starts an event for action with the request's client address,
// request id and, when the request is authenticated, the token subject.
func FromRequest(c *gin.Context, action string) *Event {
	e := &Event{
		Action:    action,
		Outcome:   OutcomeSuccess,
		IPAddress: c.ClientIP(),
		RequestID: c.GetString(middleware.RequestIDKey),
	}
	if claims, ok := middleware.GetClaims(c); ok {
		e.Actor = claims.UserID
		e.TenantID = claims.TenantID
	}
	return e
}

// Fail marks the event as failed and records err's message.
func (e *Event) Fail(err error) *Event {
	e.Outcome = OutcomeFailure
	if err != nil {
		e.With("error", err.Error())
	}
	return e
}

// With adds a metadata entry.
func (e *Event) With(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// Emit stamps e and hands it to s. Delivery is best effort: failures are
// logged and never returned. A nil shipper discards the event.
func Emit(ctx context.Context, s Shipper, e *Event) {
	if s == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := s.Ship(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("failed to ship audit event", "action", e.Action, "error", err)
	}
}
