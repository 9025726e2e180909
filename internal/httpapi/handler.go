package httpapi

import (
	"net/http"

	"metergate/pkg/config"
	"metergate/pkg/errutil"
	"metergate/pkg/health"
	"metergate/pkg/middleware"
	"metergate/services/alert"
	"metergate/services/license"
	"metergate/services/metering"
	"metergate/services/sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewRouter),
)

// Handler is the inbound HTTP surface. It stays thin: decode, call the
// service, encode. All policy lives in the services.
type Handler struct {
	engine    *license.Engine
	evaluator *metering.Evaluator
	recorder  *metering.Recorder
	alerts    *alert.Manager
	sync      *sync.Service
}

type RouterParams struct {
	fx.In
	Config    *config.Config
	Health    health.HealthService
	Engine    *license.Engine
	Evaluator *metering.Evaluator
	Recorder  *metering.Recorder
	Alerts    *alert.Manager
	Sync      *sync.Service
}

func NewRouter(p RouterParams) *gin.Engine {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := &Handler{
		engine:    p.Engine,
		evaluator: p.Evaluator,
		recorder:  p.Recorder,
		alerts:    p.Alerts,
		sync:      p.Sync,
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/license", h.GetLicense)
		v1.GET("/license/feature/:feature", h.CheckFeature)
		v1.GET("/license/app/:app", h.CheckApp)
		v1.POST("/license/sync", h.SyncLicense)

		v1.POST("/usage/record", h.RecordUsage)
		v1.GET("/usage/summary", h.UsageSummary)
		v1.GET("/usage/overage", h.UsageOverage)
		v1.POST("/usage/sync", h.SyncUsage)

		v1.GET("/alerts/pending", h.PendingAlerts)
		v1.POST("/alerts/:id/ack", h.AcknowledgeAlert)
	}

	return r
}

func (h *Handler) GetLicense(c *gin.Context) {
	info, err := h.engine.LicenseInfo(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if info == nil {
		c.Error(errutil.NoLicense("no license configured"))
		return
	}
	c.JSON(http.StatusOK, info)
}

type entitlementResponse struct {
	Licensed bool         `json:"licensed"`
	Tier     license.Tier `json:"tier"`
	Reason   string       `json:"reason,omitempty"`
}

func (h *Handler) CheckFeature(c *gin.Context) {
	h.checkEntitlement(c, license.Requirement{Feature: c.Param("feature")})
}

func (h *Handler) CheckApp(c *gin.Context) {
	h.checkEntitlement(c, license.Requirement{App: c.Param("app")})
}

func (h *Handler) checkEntitlement(c *gin.Context, req license.Requirement) {
	ctx := c.Request.Context()

	err := h.engine.Authorize(ctx, req)
	if errutil.Is(err, errutil.StatusStoreUnavailable) {
		c.Error(err)
		return
	}

	tier, tierErr := h.engine.Tier(ctx)
	if tierErr != nil {
		c.Error(tierErr)
		return
	}

	if err == nil {
		c.JSON(http.StatusOK, entitlementResponse{Licensed: true, Tier: tier})
		return
	}

	// A deny is a valid answer here, not an error response.
	c.JSON(http.StatusOK, entitlementResponse{
		Licensed: false,
		Tier:     tier,
		Reason:   string(errutil.Code(err)),
	})
}

func (h *Handler) SyncLicense(c *gin.Context) {
	lic, err := h.sync.SyncLicense(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "license synced",
		"license": gin.H{
			"license_key": lic.LicenseKey,
			"tier":        lic.Tier,
			"status":      lic.Status,
			"last_synced": lic.LastSynced,
		},
	})
}

type recordRequest struct {
	Resource   string  `json:"resource" binding:"required"`
	Quantity   float64 `json:"quantity"`
	AppName    string  `json:"app_name"`
	DoctypeRef string  `json:"doctype_ref"`
	DocnameRef string  `json:"docname_ref"`
}

func (h *Handler) RecordUsage(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid usage payload", errutil.WithErr(err)))
		return
	}

	var opts []metering.RecordOption
	if req.AppName != "" {
		opts = append(opts, metering.WithApp(req.AppName))
	}
	if req.DoctypeRef != "" {
		opts = append(opts, metering.WithBacklink(req.DoctypeRef, req.DocnameRef))
	}

	if err := h.recorder.CheckAndRecord(c.Request.Context(), req.Resource, req.Quantity, opts...); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"recorded": true})
}

func (h *Handler) UsageSummary(c *gin.Context) {
	ctx := c.Request.Context()

	summaries, err := h.evaluator.SummarizeAll(ctx)
	if err != nil {
		c.Error(err)
		return
	}
	tier, err := h.engine.Tier(ctx)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": tier, "resources": summaries})
}

func (h *Handler) UsageOverage(c *gin.Context) {
	report, err := h.evaluator.Overage(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) SyncUsage(c *gin.Context) {
	result, err := h.sync.SyncUsageToCentral(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) PendingAlerts(c *gin.Context) {
	alerts, err := h.alerts.PendingAlerts(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

type ackRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	var req ackRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	if err := h.alerts.AcknowledgeAlert(c.Request.Context(), c.Param("id"), req.AcknowledgedBy); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "alert acknowledged"})
}
