// Package admin implements operator endpoints: triggering a schema
// synchronization pass, inspecting tenant namespaces and sync history
// (including archived reports), and deprovisioning tenants. Every route
// requires an admin token.
package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emetrics/emetrics-backend/internal/api/apierr"
	"github.com/emetrics/emetrics-backend/internal/audit"
	"github.com/emetrics/emetrics-backend/internal/db/models"
	"github.com/emetrics/emetrics-backend/internal/storage"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

// SyncRunner runs one synchronization pass.
type SyncRunner interface {
	RunOnce(ctx context.Context, trigger string) (*tenancy.SyncReport, error)
}

// NamespaceLister lists tenant namespaces.
type NamespaceLister interface {
	ListTenantNamespaces(ctx context.Context) ([]string, error)
}

// OrganizationLister pages through tenant records.
type OrganizationLister interface {
	List(ctx context.Context, limit, offset int) ([]*models.Organization, error)
}

// Deprovisioner tears tenants down.
type Deprovisioner interface {
	DeprovisionTenant(ctx context.Context, id string) error
}

// SyncRunLister reads the sync-run log.
type SyncRunLister interface {
	ListRecent(ctx context.Context, limit int) ([]*models.SyncRun, error)
}

// ReportOpener reads archived sync reports.
type ReportOpener interface {
	Open(ctx context.Context, runID string) (io.ReadCloser, error)
	Exists(ctx context.Context, runID string) (bool, error)
}

// Handlers serves /api/v1/admin.
type Handlers struct {
	sync          SyncRunner
	namespaces    NamespaceLister
	orgs          OrganizationLister
	deprovisioner Deprovisioner
	runs          SyncRunLister
	readiness     *tenancy.Readiness
	audit         audit.Shipper
	reports       ReportOpener
}

// NewHandlers creates the admin handlers. readiness may be nil when start-up
// sync runs in blocking mode, in which case every namespace reports ready.
func NewHandlers(sync SyncRunner, namespaces NamespaceLister, orgs OrganizationLister, deprovisioner Deprovisioner, runs SyncRunLister, readiness *tenancy.Readiness) *Handlers {
	return &Handlers{
		sync:          sync,
		namespaces:    namespaces,
		orgs:          orgs,
		deprovisioner: deprovisioner,
		runs:          runs,
		readiness:     readiness,
	}
}

// WithAudit makes the handlers record syncs and deprovisioning to s.
func (h *Handlers) WithAudit(s audit.Shipper) *Handlers {
	h.audit = s
	return h
}

// WithReports enables GET and HEAD /sync/runs/:id/report.
func (h *Handlers) WithReports(r ReportOpener) *Handlers {
	h.reports = r
	return h
}

// @Summary      Synchronize schemas
// @Description  Run one synchronization pass over the global entities and every tenant namespace. Pair failures are reported, not fatal.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "summary, failed, report: tenancy.SyncReport"
// @Failure      500  {object}  map[string]interface{}  "Synchronization could not run"
// @Router       /api/v1/admin/sync [post]
// Sync triggers a synchronization pass.
func (h *Handlers) Sync() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.sync.RunOnce(c.Request.Context(), models.SyncTriggerManual)
		event := audit.FromRequest(c, audit.ActionSchemaSync)
		if err != nil {
			audit.Emit(c.Request.Context(), h.audit, event.Fail(err))
			apierr.Write(c, err, "Schema synchronization failed")
			return
		}
		event.With("summary", report.Summary()).With("catalog_fingerprint", report.CatalogFingerprint)
		if report.Failed() > 0 {
			event.Fail(report.Err())
		}
		audit.Emit(c.Request.Context(), h.audit, event)
		c.JSON(http.StatusOK, gin.H{
			"summary": report.Summary(),
			"failed":  report.Failed(),
			"report":  report,
		})
	}
}

// NamespaceStatus is one entry of the namespace listing.
type NamespaceStatus struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

// @Summary      List namespaces
// @Description  List every tenant namespace currently present in the database, with its readiness.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "namespaces: []NamespaceStatus, total"
// @Router       /api/v1/admin/namespaces [get]
// ListNamespaces returns a snapshot of the registry.
func (h *Handlers) ListNamespaces() gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := h.namespaces.ListTenantNamespaces(c.Request.Context())
		if err != nil {
			apierr.Write(c, err, "Failed to list namespaces")
			return
		}
		out := make([]NamespaceStatus, len(names))
		for i, n := range names {
			out[i] = NamespaceStatus{Name: n, Ready: h.readiness == nil || h.readiness.IsReady(n)}
		}
		c.JSON(http.StatusOK, gin.H{
			"namespaces": out,
			"total":      len(out),
		})
	}
}

// @Summary      List organizations
// @Description  Page through tenant records, newest first.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        limit   query  int  false  "Page size, max 100 (default 50)"
// @Param        offset  query  int  false  "Offset (default 0)"
// @Success      200  {object}  map[string]interface{}  "organizations: []models.Organization, limit, offset"
// @Router       /api/v1/admin/organizations [get]
// ListOrganizations returns a page of tenant records.
func (h *Handlers) ListOrganizations() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit < 1 || limit > 100 {
			limit = 50
		}
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if offset < 0 {
			offset = 0
		}
		orgs, err := h.orgs.List(c.Request.Context(), limit, offset)
		if err != nil {
			apierr.Write(c, err, "Failed to list organizations")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"organizations": orgs,
			"limit":         limit,
			"offset":        offset,
		})
	}
}

// @Summary      List sync runs
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        limit  query  int  false  "Number of runs, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "runs: []models.SyncRun"
// @Router       /api/v1/admin/sync/runs [get]
// ListSyncRuns returns the most recent sync runs.
func (h *Handlers) ListSyncRuns() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		if limit < 1 || limit > 100 {
			limit = 20
		}
		runs, err := h.runs.ListRecent(c.Request.Context(), limit)
		if err != nil {
			apierr.Write(c, err, "Failed to list sync runs")
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

// @Summary      Get archived sync report
// @Description  Return the full JSON report of a sync run, as stored in the report archive.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Sync run ID"
// @Success      200  {object}  tenancy.SyncReport
// @Failure      400  {object}  map[string]interface{}  "Invalid run ID"
// @Failure      404  {object}  map[string]interface{}  "Report not archived or archive disabled"
// @Router       /api/v1/admin/sync/runs/{id}/report [get]
// GetSyncReport streams an archived report.
func (h *Handlers) GetSyncReport() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.reports == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Report archive is not enabled"})
			return
		}
		rc, err := h.reports.Open(c.Request.Context(), c.Param("id"))
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrInvalidRunID):
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid sync run id"})
			case errors.Is(err, storage.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
			default:
				apierr.Write(c, err, "Failed to read sync report")
			}
			return
		}
		defer rc.Close()
		c.DataFromReader(http.StatusOK, -1, "application/json", rc, nil)
	}
}

// @Summary      Check archived sync report
// @Description  Report whether a sync run's report is archived, without transferring it.
// @Tags         Admin
// @Security     Bearer
// @Param        id  path  string  true  "Sync run ID"
// @Success      200
// @Failure      400  "Invalid run ID"
// @Failure      404  "Report not archived or archive disabled"
// @Router       /api/v1/admin/sync/runs/{id}/report [head]
// HeadSyncReport answers whether a report is archived.
func (h *Handlers) HeadSyncReport() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.reports == nil {
			c.Status(http.StatusNotFound)
			return
		}
		ok, err := h.reports.Exists(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, storage.ErrInvalidRunID):
			c.Status(http.StatusBadRequest)
		case err != nil:
			slog.Error("failed to check sync report", "run_id", c.Param("id"), "error", err)
			c.Status(http.StatusInternalServerError)
		case !ok:
			c.Status(http.StatusNotFound)
		default:
			c.Header("Content-Type", "application/json")
			c.Status(http.StatusOK)
		}
	}
}

// @Summary      Deprovision organization
// @Description  Delete the organization record, its users and directory entries, and destroy its namespace.
// @Tags         Admin
// @Security     Bearer
// @Param        id  path  string  true  "Organization ID"
// @Success      204
// @Failure      400  {object}  map[string]interface{}  "Invalid identifier"
// @Failure      404  {object}  map[string]interface{}  "Organization not found"
// @Failure      500  {object}  map[string]interface{}  "Teardown failed"
// @Router       /api/v1/admin/organizations/{id} [delete]
// DeleteOrganization deprovisions a tenant.
func (h *Handlers) DeleteOrganization() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		err := h.deprovisioner.DeprovisionTenant(c.Request.Context(), id)

		event := audit.FromRequest(c, audit.ActionOrganizationDeprovisioned)
		event.TenantID = id
		if err != nil {
			event.Fail(err)
		}
		audit.Emit(c.Request.Context(), h.audit, event)

		switch {
		case err == nil:
			c.Status(http.StatusNoContent)
		case errors.Is(err, tenancy.ErrUnknownTenant):
			c.JSON(http.StatusNotFound, gin.H{"error": "Organization not found"})
		default:
			apierr.Write(c, err, "Failed to deprovision organization")
		}
	}
}
