package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/emetrics/emetrics-backend/internal/tenancy"
)

// @Summary      Health check
// @Description  Liveness probe. Returns 200 while the database answers a ping.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy"
// @Router       /health [get]
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   timestamp(),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Tenants whose namespace is still being synchronized answer 503 individually, so they do not hold back readiness.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks, tenants_ready, last_sync"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
func readinessHandler(db *sqlx.DB, readiness *tenancy.Readiness, lastSync func() *tenancy.SyncReport) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		body := gin.H{
			"ready":  true,
			"checks": checks,
			"time":   timestamp(),
		}
		if readiness != nil {
			body["tenants_ready"] = readiness.Count()
		}
		if lastSync != nil {
			if r := lastSync(); r != nil {
				body["last_sync"] = gin.H{
					"summary":      r.Summary(),
					"failed":       r.Failed(),
					"completed_at": r.CompletedAt,
				}
			}
		}
		c.JSON(http.StatusOK, body)
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version, catalog_fingerprint"
// @Router       /version [get]
func versionHandler(version, catalogFingerprint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":             version,
			"api_version":         "v1",
			"catalog_fingerprint": catalogFingerprint,
		})
	}
}
