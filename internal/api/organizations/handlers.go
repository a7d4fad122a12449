// Package organizations implements the public tenant endpoints: registering a
// new organization and logging in to an existing one.
package organizations

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emetrics/emetrics-backend/internal/api/apierr"
	"github.com/emetrics/emetrics-backend/internal/audit"
	"github.com/emetrics/emetrics-backend/internal/auth"
	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/db/models"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

// DefaultTokenTTL is used when no token lifetime is configured.
const DefaultTokenTTL = 24 * time.Hour

// Provisioner creates tenants.
type Provisioner interface {
	ProvisionTenant(ctx context.Context, candidateID string, owner tenancy.OwnerInfo) (*models.Organization, error)
}

// Directory resolves a user's tenant from an e-mail address.
type Directory interface {
	GetByEmail(ctx context.Context, email string) (*models.DirectoryEntry, error)
}

// Handlers serves the organization endpoints.
type Handlers struct {
	provisioner   Provisioner
	directory     Directory
	tokenTTL      time.Duration
	audit         audit.Shipper
	checkPassword func(hash, password string) error
}

// NewHandlers creates the handlers. tokenTTL <= 0 selects DefaultTokenTTL.
func NewHandlers(provisioner Provisioner, directory Directory, tokenTTL time.Duration) *Handlers {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &Handlers{
		provisioner:   provisioner,
		directory:     directory,
		tokenTTL:      tokenTTL,
		checkPassword: auth.CheckPassword,
	}
}

// WithAudit makes the handlers record registrations and logins to s.
func (h *Handlers) WithAudit(s audit.Shipper) *Handlers {
	h.audit = s
	return h
}

// RegisterRequest is the body of POST /api/v1/organizations/register.
type RegisterRequest struct {
	// TenantID is optional; an identifier is generated from the name when empty.
	TenantID         string `json:"tenant_id"`
	OrganizationName string `json:"organization_name" binding:"required,max=255"`
	Name             string `json:"name" binding:"required,max=255"`
	Email            string `json:"email" binding:"required,email,max=255"`
	PhoneNumber      string `json:"phone_number" binding:"max=64"`
	Password         string `json:"password" binding:"required,min=8,max=72"`
}

// TokenResponse carries a signed token for the API.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// @Summary      Register organization
// @Description  Provision a new tenant: its namespace, every catalog entity, the organization record and the owner account. Returns a token for the owner.
// @Tags         Organizations
// @Accept       json
// @Produce      json
// @Param        body  body  RegisterRequest  true  "Organization and owner"
// @Success      201  {object}  map[string]interface{}  "organization: models.Organization, token, expires_in"
// @Failure      400  {object}  map[string]interface{}  "Invalid request or tenant identifier"
// @Failure      409  {object}  map[string]interface{}  "Organization or e-mail already exists"
// @Failure      500  {object}  map[string]interface{}  "Could not create organization"
// @Router       /api/v1/organizations/register [post]
// Register provisions a tenant.
func (h *Handlers) Register() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body: " + err.Error(),
			})
			return
		}

		org, err := h.provisioner.ProvisionTenant(c.Request.Context(), req.TenantID, tenancy.OwnerInfo{
			OrganizationName: req.OrganizationName,
			Name:             req.Name,
			Email:            req.Email,
			PhoneNumber:      req.PhoneNumber,
			Password:         req.Password,
		})
		event := audit.FromRequest(c, audit.ActionOrganizationRegistered).With("email", req.Email)
		if err != nil {
			event.TenantID = req.TenantID
			audit.Emit(c.Request.Context(), h.audit, event.Fail(err))
			apierr.Write(c, err, "could not create organization")
			return
		}
		event.TenantID = org.ID
		audit.Emit(c.Request.Context(), h.audit, event)

		ownerID := ""
		if org.OwnerID != nil {
			ownerID = *org.OwnerID
		}
		token, err := auth.GenerateJWT(ownerID, org.Email, org.ID, catalog.RoleSuperAdmin, h.tokenTTL)
		if err != nil {
			// The tenant exists; the owner can still log in.
			slog.Error("failed to sign owner token", "tenant_id", org.ID, "error", err)
			c.JSON(http.StatusCreated, gin.H{"organization": org})
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"organization": org,
			"token":        token,
			"expires_in":   int64(h.tokenTTL.Seconds()),
		})
	}
}

// LoginRequest is the body of POST /api/v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// @Summary      Log in
// @Description  Exchange e-mail and password for a token bound to the user's organization.
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Param        body  body  LoginRequest  true  "Credentials"
// @Success      200  {object}  TokenResponse
// @Failure      400  {object}  map[string]interface{}  "Invalid request"
// @Failure      401  {object}  map[string]interface{}  "Invalid credentials"
// @Router       /api/v1/auth/login [post]
// Login authenticates a user through the global directory.
func (h *Handlers) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body: " + err.Error(),
			})
			return
		}

		entry, err := h.directory.GetByEmail(c.Request.Context(), req.Email)
		if err != nil {
			slog.Error("directory lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to log in"})
			return
		}

		event := audit.FromRequest(c, audit.ActionLogin).With("email", req.Email)

		// Unknown users, inactive users and wrong passwords are indistinguishable,
		// in the response and in the time a bcrypt comparison takes.
		hash := auth.DummyHash()
		if entry != nil {
			hash = entry.PasswordHash
		}
		checkErr := h.checkPassword(hash, req.Password)
		if entry == nil || !entry.IsActive || checkErr != nil {
			audit.Emit(c.Request.Context(), h.audit, event.Fail(auth.ErrInvalidCredentials))
			c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidCredentials.Error()})
			return
		}
		event.Actor = entry.ID
		event.TenantID = entry.TenantID
		audit.Emit(c.Request.Context(), h.audit, event)

		token, err := auth.GenerateJWT(entry.ID, entry.Email, entry.TenantID, entry.Role, h.tokenTTL)
		if err != nil {
			slog.Error("failed to sign token", "user_id", entry.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to log in"})
			return
		}

		c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresIn: int64(h.tokenTTL.Seconds())})
	}
}
