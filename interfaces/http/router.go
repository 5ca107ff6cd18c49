package httpiface

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	appchat "multichat/application/chat"
	domain "multichat/domain/chat"
	"multichat/domain/conversation"
	"multichat/domain/persistence"
	"multichat/domain/registry"
	"multichat/infrastructure/export"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type ChatService interface {
	Submit(ctx context.Context, text, modelID string, temperature float64) (*appchat.ExchangeResult, error)
	Create(name string) (uuid.UUID, error)
	Rename(oldName, newName string) error
	Delete(name string) error
	Switch(name string) error
	Clear(name string) error
	List() appchat.ConversationList
	View() appchat.View
	ActiveSnapshot() conversation.Conversation
	Models() []registry.Model
}

// HealthChecker reports connectivity of a dependency such as the ledger database
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ProcessorHealthSource exposes the ledger worker pool state
type ProcessorHealthSource interface {
	Health() persistence.ProcessorHealth
}

// ChatDefaults fill fields omitted from a chat request
type ChatDefaults struct {
	Model       string
	Temperature float64
}

type Router struct {
	service      ChatService
	corsOrigins  []string
	defaults     ChatDefaults
	exchangeRepo persistence.ExchangeRepository
	metricsRepo  persistence.MetricsRepository
	dbManager    HealthChecker
	processor    ProcessorHealthSource
	now          func() time.Time
}

func NewRouter(service ChatService, corsOrigins []string, defaults ChatDefaults) *Router {
	return &Router{
		service:     service,
		corsOrigins: corsOrigins,
		defaults:    defaults,
		now:         time.Now,
	}
}

// NewRouterWithPersistence creates a router that also serves the usage ledger
func NewRouterWithPersistence(
	service ChatService,
	corsOrigins []string,
	defaults ChatDefaults,
	exchangeRepo persistence.ExchangeRepository,
	metricsRepo persistence.MetricsRepository,
	dbManager HealthChecker,
	processor ProcessorHealthSource,
) *Router {
	return &Router{
		service:      service,
		corsOrigins:  corsOrigins,
		defaults:     defaults,
		exchangeRepo: exchangeRepo,
		metricsRepo:  metricsRepo,
		dbManager:    dbManager,
		processor:    processor,
		now:          time.Now,
	}
}

func (r *Router) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(r.corsMiddleware())

	// Health endpoints
	router.GET("/live", r.liveness)
	router.GET("/ready", r.readiness)
	router.GET("/health", r.healthCheck)

	api := router.Group("/")
	api.Use(r.requestIDMiddleware())

	api.GET("/conversations", r.listConversations)
	api.POST("/conversations", r.createConversation)
	api.GET("/conversations/active", r.activeConversation)
	api.GET("/conversations/active/export", r.exportConversation)
	api.PATCH("/conversations/:name", r.renameConversation)
	api.DELETE("/conversations/:name", r.deleteConversation)
	api.POST("/conversations/:name/switch", r.switchConversation)
	api.POST("/conversations/:name/clear", r.clearConversation)

	api.POST("/chat", r.chat)
	api.GET("/models", r.listModels)

	// Usage ledger endpoints answer 503 when persistence is disabled
	api.GET("/usage", r.usage)
	api.GET("/exchanges", r.recentExchanges)
	api.GET("/exchanges/:id", r.getExchange)

	return router
}

// allowedOrigin picks the Access-Control-Allow-Origin value for a request origin
func (r *Router) allowedOrigin(origin string) string {
	if origin == "" {
		return strings.Join(r.corsOrigins, ", ")
	}
	if slices.Contains(r.corsOrigins, "*") {
		return "*"
	}
	if slices.Contains(r.corsOrigins, origin) {
		return origin
	}
	return ""
}

func (r *Router) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if allow := r.allowedOrigin(c.GetHeader("Origin")); allow != "" {
			c.Header("Access-Control-Allow-Origin", allow)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "Content-Disposition, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware echoes a client supplied X-Request-ID or assigns one
func (r *Router) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = c.GetHeader("X-Correlation-ID")
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrDuplicateName),
		errors.Is(err, conversation.ErrLastConversation),
		errors.Is(err, domain.ErrExchangeInFlight):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrInvalidTemperature),
		errors.Is(err, registry.ErrUnknownModel),
		errors.Is(err, conversation.ErrRoleOrder):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBackendTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrBackendFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) fail(c *gin.Context, err error, msg string) {
	code := statusFor(err)
	entry := logrus.WithError(err).WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"status":     code,
	})
	if code >= http.StatusInternalServerError {
		entry.Error(msg)
	} else {
		entry.Debug(msg)
	}
	c.JSON(code, domain.ErrorResponse{Error: err.Error()})
}

// dependencyChecks probes the ledger database and worker pool when configured
func (r *Router) dependencyChecks(ctx context.Context) (gin.H, bool) {
	checks := gin.H{}
	ok := true
	if r.dbManager != nil {
		if err := r.dbManager.Health(ctx); err != nil {
			checks["db"] = gin.H{"ok": false, "error": err.Error()}
			ok = false
		} else {
			checks["db"] = gin.H{"ok": true}
		}
	}
	if r.processor != nil {
		ph := r.processor.Health()
		checks["processor"] = ph
		ok = ok && ph.IsRunning
	}
	return checks, ok
}

func probeTime() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func (r *Router) healthCheck(c *gin.Context) {
	checks, ok := r.dependencyChecks(c.Request.Context())
	checks["api"] = "ok"

	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"service":   "multichat",
		"timestamp": probeTime(),
		"checks":    checks,
	})
}

// liveness only confirms the process is serving HTTP
func (r *Router) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive", "timestamp": probeTime()})
}

// readiness fails while the ledger is configured but unhealthy
func (r *Router) readiness(c *gin.Context) {
	checks, ok := r.dependencyChecks(c.Request.Context())

	status, code := "ready", http.StatusOK
	if !ok {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "timestamp": probeTime(), "checks": checks})
}

// ConversationRequest names a conversation to create or the new name in a
// rename. Blank names are left to the store to judge.
type ConversationRequest struct {
	Name string `json:"name"`
}

// ChatRequest submits one user message to the active conversation
type ChatRequest struct {
	Message     string   `json:"message"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
}

func (r *Router) listConversations(c *gin.Context) {
	c.JSON(http.StatusOK, r.service.List())
}

func (r *Router) createConversation(c *gin.Context) {
	var req ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	id, err := r.service.Create(req.Name)
	if err != nil {
		r.fail(c, err, "Failed to create conversation")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "name": req.Name})
}

func (r *Router) renameConversation(c *gin.Context) {
	var req ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	if err := r.service.Rename(c.Param("name"), req.Name); err != nil {
		r.fail(c, err, "Failed to rename conversation")
		return
	}
	c.JSON(http.StatusOK, r.service.List())
}

func (r *Router) deleteConversation(c *gin.Context) {
	if err := r.service.Delete(c.Param("name")); err != nil {
		r.fail(c, err, "Failed to delete conversation")
		return
	}
	c.JSON(http.StatusOK, r.service.List())
}

func (r *Router) switchConversation(c *gin.Context) {
	if err := r.service.Switch(c.Param("name")); err != nil {
		r.fail(c, err, "Failed to switch conversation")
		return
	}
	c.JSON(http.StatusOK, r.service.View())
}

func (r *Router) clearConversation(c *gin.Context) {
	if err := r.service.Clear(c.Param("name")); err != nil {
		r.fail(c, err, "Failed to clear conversation")
		return
	}
	c.JSON(http.StatusOK, r.service.List())
}

func (r *Router) activeConversation(c *gin.Context) {
	c.JSON(http.StatusOK, r.service.View())
}

func (r *Router) exportConversation(c *gin.Context) {
	snap := r.service.ActiveSnapshot()
	name, data, err := export.Export(&snap, r.now())
	if err != nil {
		r.fail(c, err, "Failed to export conversation")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

func (r *Router) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logrus.WithError(err).Error("Failed to bind request")
		c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: "Invalid request format"})
		return
	}

	model := req.Model
	if model == "" {
		model = r.defaults.Model
	}
	temperature := r.defaults.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	res, err := r.service.Submit(c.Request.Context(), req.Message, model, temperature)
	if err != nil {
		r.fail(c, err, "Failed to process chat exchange")
		return
	}

	c.JSON(http.StatusOK, res)
}

func (r *Router) listModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": r.service.Models()})
}

// usage returns ledger aggregates overall and per model
func (r *Router) usage(c *gin.Context) {
	if r.metricsRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Usage ledger not available"})
		return
	}

	overall, err := r.metricsRepo.GetAggregatedUsage(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get aggregated usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve usage"})
		return
	}
	byModel, err := r.metricsRepo.GetUsageByModel(c.Request.Context())
	if err != nil {
		logrus.WithError(err).Error("Failed to get usage by model")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve usage"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"overall": overall, "by_model": byModel})
}

// recentExchanges lists ledger entries, optionally for the active conversation only
func (r *Router) recentExchanges(c *gin.Context) {
	if r.exchangeRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Usage ledger not available"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit parameter"})
		return
	}

	var records []*persistence.ExchangeRecord
	if c.Query("scope") == "active" {
		records, err = r.exchangeRepo.FindByConversation(c.Request.Context(), r.service.View().ID, limit)
	} else {
		records, err = r.exchangeRepo.FindRecent(c.Request.Context(), limit)
	}
	if err != nil {
		logrus.WithError(err).Error("Failed to list exchanges")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve exchanges"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"exchanges": records})
}

// getExchange retrieves one ledger entry with its metrics
func (r *Router) getExchange(c *gin.Context) {
	if r.exchangeRepo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Usage ledger not available"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid exchange ID format"})
		return
	}

	record, err := r.exchangeRepo.FindByIDWithMetrics(c.Request.Context(), id)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to get exchange %s", id)
		c.JSON(http.StatusNotFound, gin.H{"error": "Exchange not found"})
		return
	}

	c.JSON(http.StatusOK, record)
}
