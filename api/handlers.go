// Package api implements the HTTP API of the Phoenix DR engine.
//
// All management endpoints are versioned under /api/v1 and require an API
// key. Handlers delegate to the engine and map its typed errors onto HTTP
// status codes.
package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/engine"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/failover"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Handler holds the engine and provides HTTP handler methods.
type Handler struct {
	engine    *engine.Engine
	logger    *zap.Logger
	startTime time.Time
}

// NewHandler creates a Handler serving eng.
func NewHandler(eng *engine.Engine, logger *zap.Logger) *Handler {
	return &Handler{
		engine:    eng,
		logger:    logger.Named("api"),
		startTime: time.Now().UTC(),
	}
}

// APIKeyAuth requires the X-API-Key header to match expected. With no
// expected key configured, every management request is refused.
func APIKeyAuth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "management API disabled: PHOENIX_API_KEY not configured",
			})
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing API key. Provide X-API-Key header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid API key.",
			})
			return
		}
		c.Next()
	}
}

// RegisterRoutes sets up the /api/v1 routes on r.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKey string) {
	r.GET("/health", h.ServiceHealth)

	v1 := r.Group("/api/v1")
	v1.Use(APIKeyAuth(apiKey))
	{
		strategies := v1.Group("/strategies")
		{
			strategies.GET("", h.ListStrategies)
			strategies.POST("", h.CreateStrategy)
			strategies.GET("/:name", h.GetStrategy)
			strategies.PUT("/:name", h.UpdateStrategy)
			strategies.DELETE("/:name", h.DeleteStrategy)
			strategies.POST("/:name/retention", h.ApplyRetention)
		}

		backups := v1.Group("/backups")
		{
			backups.POST("", h.ExecuteBackup)
			backups.GET("/jobs", h.ListJobs)
			backups.GET("/jobs/:id", h.GetJob)
		}

		restores := v1.Group("/restores")
		{
			restores.POST("", h.Restore)
			restores.POST("/validate", h.ValidateBackup)
			restores.GET("/history", h.RestoreHistory)
		}

		healthGroup := v1.Group("/health")
		{
			healthGroup.GET("/system", h.SystemHealth)
			healthGroup.POST("/check", h.CheckHealth)
			healthGroup.GET("/regions/:region/samples", h.RegionSamples)
		}

		fo := v1.Group("/failover")
		{
			fo.GET("/status", h.FailoverStatus)
			fo.GET("/plans", h.ListPlans)
			fo.POST("/plans", h.CreatePlan)
			fo.GET("/plans/:id", h.GetPlan)
			fo.POST("/plans/:id/test", h.TestPlan)
			fo.POST("/trigger", h.TriggerFailover)
			fo.POST("/recover", h.InitiateRecovery)
		}

		v1.GET("/config", h.GetConfig)
		v1.PUT("/config", h.UpdateConfig)
		v1.GET("/compliance", h.Compliance)
	}
}

// ServiceHealth reports whether the engine is running. It is used as a
// liveness probe and needs no API key.
func (h *Handler) ServiceHealth(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if !h.engine.Running() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": "phoenix",
		"version": "1.0.0",
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
	})
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrIntegrity), errors.Is(err, errs.ErrRestoreFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
}

// --- Strategy Handlers ---

func (h *Handler) ListStrategies(c *gin.Context) {
	list, err := h.engine.ListStrategies()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategies": list, "count": len(list)})
}

func (h *Handler) CreateStrategy(c *gin.Context) {
	var def models.BackupStrategy
	if err := c.ShouldBindJSON(&def); err != nil {
		badBody(c, err)
		return
	}
	created, err := h.engine.AddStrategy(c.Request.Context(), def)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetStrategy(c *gin.Context) {
	s, err := h.engine.GetStrategy(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) UpdateStrategy(c *gin.Context) {
	var def models.BackupStrategy
	if err := c.ShouldBindJSON(&def); err != nil {
		badBody(c, err)
		return
	}
	updated, err := h.engine.UpdateStrategy(c.Request.Context(), c.Param("name"), def)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeleteStrategy(c *gin.Context) {
	name := c.Param("name")
	if err := h.engine.RemoveStrategy(c.Request.Context(), name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "strategy removed", "name": name})
}

// ApplyRetention purges artifacts of the strategy outside its retention.
func (h *Handler) ApplyRetention(c *gin.Context) {
	name := c.Param("name")
	purged, err := h.engine.ApplyRetention(c.Request.Context(), name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": name, "purged": purged})
}

// --- Backup Handlers ---

type executeRequest struct {
	// Strategy defaults to the implicit manual strategy.
	Strategy string `json:"strategy"`
}

// ExecuteBackup runs a backup job to completion and returns its record. A
// job that ran and failed is returned alongside the error.
func (h *Handler) ExecuteBackup(c *gin.Context) {
	var req executeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badBody(c, err)
			return
		}
	}
	if req.Strategy == "" {
		req.Strategy = models.ManualStrategyName
	}

	job, err := h.engine.ExecuteBackup(c.Request.Context(), req.Strategy)
	if err != nil {
		if job != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "job": job})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *Handler) ListJobs(c *gin.Context) {
	list, err := h.engine.ListJobs(c.Request.Context(), c.Query("strategy"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.engine.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// --- Restore Handlers ---

func (h *Handler) Restore(c *gin.Context) {
	var req models.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	res, err := h.engine.Restore(c.Request.Context(), req)
	if err != nil {
		var rf *errs.RestoreFailedError
		if errors.As(err, &rf) {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "rolled_back": rf.RolledBack})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type validateRequest struct {
	BackupID string `json:"backup_id"`
}

// ValidateBackup checks that a backup can be restored without touching the
// restore target.
func (h *Handler) ValidateBackup(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	res, err := h.engine.ValidateBackup(c.Request.Context(), req.BackupID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "result": res})
}

func (h *Handler) RestoreHistory(c *gin.Context) {
	history, err := h.engine.RestoreHistory()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restores": history, "count": len(history)})
}

// --- Health Handlers ---

func (h *Handler) SystemHealth(c *gin.Context) {
	sh, err := h.engine.SystemHealth()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sh)
}

// CheckHealth probes all regions immediately.
func (h *Handler) CheckHealth(c *gin.Context) {
	samples, err := h.engine.CheckHealth(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

func (h *Handler) RegionSamples(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	samples, err := h.engine.RegionHistory(c.Request.Context(), c.Param("region"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"region": c.Param("region"), "samples": samples, "count": len(samples)})
}

// --- Failover Handlers ---

func (h *Handler) FailoverStatus(c *gin.Context) {
	st, err := h.engine.FailoverStatus()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.engine.ListPlans()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans, "count": len(plans)})
}

func (h *Handler) CreatePlan(c *gin.Context) {
	var plan models.FailoverPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		badBody(c, err)
		return
	}
	created, err := h.engine.AddPlan(c.Request.Context(), plan)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetPlan(c *gin.Context) {
	plan, err := h.engine.GetPlan(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

// TestPlan dry-runs a plan. A failed test is still a 200; the result says
// which step failed.
func (h *Handler) TestPlan(c *gin.Context) {
	res, err := h.engine.TestPlan(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) TriggerFailover(c *gin.Context) {
	var opts failover.TriggerOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			badBody(c, err)
			return
		}
	}
	if opts.Reason == "" {
		opts.Reason = "manual trigger via API"
	}
	st, err := h.engine.TriggerFailover(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) InitiateRecovery(c *gin.Context) {
	st, err := h.engine.InitiateRecovery(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// --- Configuration and Compliance Handlers ---

func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.engine.Config()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig replaces the whole DR configuration.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var cfg models.DRConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badBody(c, err)
		return
	}
	next, err := h.engine.Reconfigure(cfg)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

func (h *Handler) Compliance(c *gin.Context) {
	report, err := h.engine.Compliance(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
