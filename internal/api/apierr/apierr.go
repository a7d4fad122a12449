// Package apierr maps tenancy errors onto HTTP responses. Every handler that
// touches tenant data reports failures through Write so the status codes stay
// consistent across the API.
package apierr

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

// NotReadyRetryAfter is the Retry-After hint sent with 503 responses for
// tenants whose namespace has not finished its first synchronization.
const NotReadyRetryAfter = 5

// Status returns the HTTP status and client-facing message for err. fallback
// is the message used for unclassified errors, which are always 500.
func Status(err error, fallback string) (int, string) {
	switch {
	case errors.Is(err, tenancy.ErrUnknownTenant):
		return http.StatusForbidden, "Organization not found or access denied"
	case errors.Is(err, tenancy.ErrTenantNotReady):
		return http.StatusServiceUnavailable, "Organization is being prepared, try again shortly"
	case errors.Is(err, tenancy.ErrIdentifierCollision):
		return http.StatusConflict, tenancy.ErrIdentifierCollision.Error()
	case errors.Is(err, tenancy.ErrEmailTaken):
		return http.StatusConflict, tenancy.ErrEmailTaken.Error()
	case errors.Is(err, tenancy.ErrIdentifierInvalid):
		return http.StatusBadRequest, tenancy.ErrIdentifierInvalid.Error()
	case errors.Is(err, tenancy.ErrUnknownColumn):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tenancy.ErrReadOnlyColumn):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tenancy.ErrInvalidRecordKey):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, tenancy.ErrInvalidRecord):
		return http.StatusBadRequest, tenancy.ErrInvalidRecord.Error()
	case errors.Is(err, tenancy.ErrRecordConflict):
		return http.StatusConflict, tenancy.ErrRecordConflict.Error()
	case errors.Is(err, tenancy.ErrRecordNotFound):
		return http.StatusNotFound, "Record not found"
	case errors.Is(err, tenancy.ErrNotTenantEntity):
		return http.StatusNotFound, "Entity not found"
	default:
		return http.StatusInternalServerError, fallback
	}
}

// Write aborts the request with the response chosen by Status. Server-side
// failures are logged with the full error; clients only see fallback.
func Write(c *gin.Context, err error, fallback string) {
	status, msg := Status(err, fallback)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(NotReadyRetryAfter))
	}
	if status >= http.StatusInternalServerError {
		slog.Error(fallback, "path", c.FullPath(), "error", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
