// Package records exposes tenant-scoped CRUD over every tenant entity in the
// catalog. The tenant comes from the verified token (see
// middleware.TenantMiddleware); each request binds a fresh handle, so a
// request can only ever reach its own tenant's namespace.
package records

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emetrics/emetrics-backend/internal/api/apierr"
	"github.com/emetrics/emetrics-backend/internal/catalog"
	"github.com/emetrics/emetrics-backend/internal/middleware"
	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

// Binder scopes an entity to a tenant.
type Binder interface {
	Bind(ctx context.Context, def catalog.EntityDefinition, tenantID string) (*tenancy.Handle, error)
}

// Handlers serves /api/v1/records.
type Handlers struct {
	catalog *catalog.Catalog
	binder  Binder
}

// NewHandlers creates the record handlers.
func NewHandlers(cat *catalog.Catalog, binder Binder) *Handlers {
	return &Handlers{catalog: cat, binder: binder}
}

// bind resolves the :entity parameter and binds it to the request's tenant.
// It writes the error response itself and returns nil on failure.
func (h *Handlers) bind(c *gin.Context) *tenancy.Handle {
	def, ok := h.catalog.Lookup(c.Param("entity"))
	if !ok || def.Scope != catalog.ScopeTenant {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Entity not found"})
		return nil
	}
	tenantID, ok := middleware.GetTenantID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token is not bound to an organization"})
		return nil
	}

	handle, err := h.binder.Bind(c.Request.Context(), def, tenantID)
	if err != nil {
		apierr.Write(c, err, "Failed to access organization data")
		return nil
	}
	return handle
}

// redact removes columns that must never leave the server.
func redact(def catalog.EntityDefinition, rec tenancy.Record) tenancy.Record {
	for _, col := range def.SensitiveColumns() {
		delete(rec, col)
	}
	return rec
}

// readBody decodes a JSON object and refuses writes to sensitive columns.
func readBody(c *gin.Context, def catalog.EntityDefinition) (tenancy.Record, bool) {
	rec := tenancy.Record{}
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return nil, false
	}
	for _, col := range def.SensitiveColumns() {
		if _, ok := rec[col]; ok {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": fmt.Sprintf("column %s cannot be written through this endpoint", col),
			})
			return nil, false
		}
	}
	return rec, true
}

// @Summary      List records
// @Description  List rows of a tenant entity, ordered by primary key.
// @Tags         Records
// @Security     Bearer
// @Produce      json
// @Param        entity  path   string  true   "Entity name"
// @Param        limit   query  int     false  "Page size (default 50, max 500)"
// @Param        offset  query  int     false  "Rows to skip"
// @Success      200  {object}  map[string]interface{}  "records: []object, total: int"
// @Failure      403  {object}  map[string]interface{}  "Unknown organization"
// @Failure      404  {object}  map[string]interface{}  "Entity not found"
// @Failure      503  {object}  map[string]interface{}  "Organization not ready"
// @Router       /api/v1/records/{entity} [get]
// List returns a page of records.
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := h.bind(c)
		if handle == nil {
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		recs, err := handle.List(c.Request.Context(), tenancy.ListOptions{Limit: limit, Offset: offset})
		if err != nil {
			apierr.Write(c, err, "Failed to list records")
			return
		}
		total, err := handle.Count(c.Request.Context())
		if err != nil {
			apierr.Write(c, err, "Failed to count records")
			return
		}

		def := handle.Entity()
		for i := range recs {
			recs[i] = redact(def, recs[i])
		}
		c.JSON(http.StatusOK, gin.H{
			"records": recs,
			"total":   total,
		})
	}
}

// @Summary      Get record
// @Tags         Records
// @Security     Bearer
// @Produce      json
// @Param        entity  path  string  true  "Entity name"
// @Param        id      path  string  true  "Primary key"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Malformed id"
// @Failure      404  {object}  map[string]interface{}  "Record not found"
// @Router       /api/v1/records/{entity}/{id} [get]
// Get returns one record.
func (h *Handlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := h.bind(c)
		if handle == nil {
			return
		}
		rec, err := handle.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			apierr.Write(c, err, "Failed to get record")
			return
		}
		c.JSON(http.StatusOK, redact(handle.Entity(), rec))
	}
}

// @Summary      Create record
// @Tags         Records
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        entity  path  string  true  "Entity name"
// @Success      201  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Unknown or read-only column, or invalid value"
// @Failure      409  {object}  map[string]interface{}  "Duplicate record"
// @Router       /api/v1/records/{entity} [post]
// Create inserts a record.
func (h *Handlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := h.bind(c)
		if handle == nil {
			return
		}
		body, ok := readBody(c, handle.Entity())
		if !ok {
			return
		}
		rec, err := handle.Insert(c.Request.Context(), body)
		if err != nil {
			apierr.Write(c, err, "Failed to create record")
			return
		}
		c.JSON(http.StatusCreated, redact(handle.Entity(), rec))
	}
}

// @Summary      Update record
// @Tags         Records
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        entity  path  string  true  "Entity name"
// @Param        id      path  string  true  "Primary key"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Unknown or read-only column, malformed id or invalid value"
// @Failure      404  {object}  map[string]interface{}  "Record not found"
// @Failure      409  {object}  map[string]interface{}  "Duplicate record"
// @Router       /api/v1/records/{entity}/{id} [put]
// Update changes the given columns of a record.
func (h *Handlers) Update() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := h.bind(c)
		if handle == nil {
			return
		}
		body, ok := readBody(c, handle.Entity())
		if !ok {
			return
		}
		rec, err := handle.Update(c.Request.Context(), c.Param("id"), body)
		if err != nil {
			apierr.Write(c, err, "Failed to update record")
			return
		}
		c.JSON(http.StatusOK, redact(handle.Entity(), rec))
	}
}

// @Summary      Delete record
// @Tags         Records
// @Security     Bearer
// @Param        entity  path  string  true  "Entity name"
// @Param        id      path  string  true  "Primary key"
// @Success      204
// @Failure      400  {object}  map[string]interface{}  "Malformed id"
// @Failure      404  {object}  map[string]interface{}  "Record not found"
// @Failure      409  {object}  map[string]interface{}  "Record is still referenced"
// @Router       /api/v1/records/{entity}/{id} [delete]
// Delete removes a record.
func (h *Handlers) Delete() gin.HandlerFunc {
	return func(c *gin.Context) {
		handle := h.bind(c)
		if handle == nil {
			return
		}
		if err := handle.Delete(c.Request.Context(), c.Param("id")); err != nil {
			apierr.Write(c, err, "Failed to delete record")
			return
		}
		c.Status(http.StatusNoContent)
	}
}
