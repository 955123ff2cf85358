// Package images serves the hot-path image endpoints with budget
// enforcement. Every request is authorized in-process against the tenant's
// leased budget; no network or disk call happens on the deny path.
//
// The storage and transform backends are stubbed: responses carry metadata
// only. Budget semantics are production-real.
package images

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pxl8/datagateway/internal/budget"
	"github.com/pxl8/datagateway/internal/logging"
	"github.com/pxl8/datagateway/internal/policy"
)

// Stub payload sizes until the real storage backend is wired in.
const (
	originalImageBytes    = int64(100 << 10) // 100 KiB
	transformedImageBytes = int64(150 << 10) // 150 KiB
)

// Handler serves the hot-path image routes.
type Handler struct {
	engine   *budget.Engine
	policies *policy.Cache
}

// NewHandler creates an images handler.
func NewHandler(engine *budget.Engine, policies *policy.Cache) *Handler {
	return &Handler{engine: engine, policies: policies}
}

// RegisterRoutes registers the image routes on the given group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	images := rg.Group("/images")
	images.GET("/budget-status", h.GetBudgetStatus)
	images.GET("/:imageId", h.GetImage)
	images.GET("/:imageId/transform", h.GetTransformedImage)
}

// parseKey extracts and validates the tenantId/periodId query pair.
// Returns false after writing the error response.
func parseKey(c *gin.Context) (budget.Key, bool) {
	tenantID, err := uuid.Parse(c.Query("tenantId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "tenantId must be a valid UUID",
		})
		return budget.Key{}, false
	}
	periodID, err := uuid.Parse(c.Query("periodId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "periodId must be a valid UUID",
		})
		return budget.Key{}, false
	}
	return budget.Key{TenantID: tenantID, PeriodID: periodID}, true
}

// checkTenant validates the tenant against the policy snapshot. With no
// snapshot loaded yet the data plane serves autonomously and the check is
// skipped. Returns false after writing the error response.
func (h *Handler) checkTenant(c *gin.Context, tenantID uuid.UUID) bool {
	if h.policies.GetCurrentSnapshot() == nil {
		return true
	}

	record := h.policies.GetTenantPolicy(tenantID)
	if record == nil {
		tenantRejections.WithLabelValues("unknown").Inc()
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "UNKNOWN_TENANT",
			"message": "Tenant is not present in the current policy snapshot.",
		})
		return false
	}
	if !record.IsActive() {
		tenantRejections.WithLabelValues(record.Status).Inc()
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "TENANT_SUSPENDED",
			"message": "Tenant is not active.",
		})
		return false
	}
	return true
}

// GetImage handles GET /images/:imageId.
func (h *Handler) GetImage(c *gin.Context) {
	imageID, err := uuid.Parse(c.Param("imageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "imageId must be a valid UUID",
		})
		return
	}

	key, ok := parseKey(c)
	if !ok {
		return
	}
	if !h.checkTenant(c, key.TenantID) {
		return
	}

	if !h.engine.TrySpendBandwidth(key, originalImageBytes) {
		logging.L(c.Request.Context()).Warn("bandwidth quota exceeded",
			"tenant_id", key.TenantID,
			"period_id", key.PeriodID,
			"image_id", imageID,
		)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "QUOTA_EXCEEDED",
			"message": "Bandwidth quota exceeded. Lease may have expired or budget exhausted.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"image_id":   imageID,
		"tenant_id":  key.TenantID,
		"size_bytes": originalImageBytes,
	})
}

// GetTransformedImage handles GET /images/:imageId/transform.
// Spends one transform, then the transformed payload's bandwidth.
func (h *Handler) GetTransformedImage(c *gin.Context) {
	imageID, err := uuid.Parse(c.Param("imageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "INVALID_REQUEST",
			"message": "imageId must be a valid UUID",
		})
		return
	}

	key, ok := parseKey(c)
	if !ok {
		return
	}
	if !h.checkTenant(c, key.TenantID) {
		return
	}

	if !h.engine.TrySpendTransform(key) {
		logging.L(c.Request.Context()).Warn("transforms quota exceeded",
			"tenant_id", key.TenantID,
			"period_id", key.PeriodID,
			"image_id", imageID,
		)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "TRANSFORMS_QUOTA_EXCEEDED",
			"message": "Transforms quota exceeded. Lease may have expired or budget exhausted.",
		})
		return
	}

	if !h.engine.TrySpendBandwidth(key, transformedImageBytes) {
		logging.L(c.Request.Context()).Warn("bandwidth quota exceeded after transform",
			"tenant_id", key.TenantID,
			"period_id", key.PeriodID,
			"image_id", imageID,
		)
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "BANDWIDTH_QUOTA_EXCEEDED",
			"message": "Bandwidth quota exceeded. Lease may have expired or budget exhausted.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"image_id":  imageID,
		"tenant_id": key.TenantID,
		"transformation": gin.H{
			"width":  c.Query("width"),
			"height": c.Query("height"),
			"format": c.Query("format"),
		},
		"size_bytes": transformedImageBytes,
	})
}

// GetBudgetStatus handles GET /images/budget-status. Diagnostic view of a
// ledger; 404 when no ledger exists for the tenant/period.
func (h *Handler) GetBudgetStatus(c *gin.Context) {
	key, ok := parseKey(c)
	if !ok {
		return
	}

	status := h.engine.GetBudget(key)
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "BUDGET_NOT_FOUND",
			"message": "No budget lease found for this tenant/period.",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tenant_id":                 status.TenantID,
		"period_id":                 status.PeriodID,
		"lease_id":                  status.LeaseID,
		"expires_at":                status.ExpiresAt.Format(time.RFC3339Nano),
		"is_expired":                status.IsExpired,
		"remaining_bandwidth_bytes": status.RemainingBandwidthBytes,
		"remaining_transforms":      status.RemainingTransforms,
		"granted_bandwidth_bytes":   status.GrantedBandwidthBytes,
		"granted_transforms":        status.GrantedTransforms,
		"refill_in_progress":        status.RefillInProgress,
		"last_refill_attempt_at":    status.LastRefillAttemptAt,
		"consumed_bandwidth_delta":  status.ConsumedBandwidthDelta,
		"consumed_transforms_delta": status.ConsumedTransformsDelta,
	})
}
