// Package httpapi exposes the DP activity engine over HTTP: event
// ingestion, DAU/MAU release queries, budget introspection, health, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Dv04/DAU-MAU-counter/internal/accountant"
	"github.com/Dv04/DAU-MAU-counter/internal/apperr"
	"github.com/Dv04/DAU-MAU-counter/internal/domain"
	"github.com/Dv04/DAU-MAU-counter/internal/dto"
	appmetrics "github.com/Dv04/DAU-MAU-counter/internal/metrics"
	"github.com/Dv04/DAU-MAU-counter/internal/pipeline"
	"github.com/Dv04/DAU-MAU-counter/internal/ratelimit"
)

// Engine is the subset of *pipeline.Pipeline the HTTP surface depends on,
// kept as an interface so handler tests can substitute a mock.
type Engine interface {
	Ingest(ctx context.Context, events []pipeline.IncomingEvent) error
	ReleaseDAU(ctx context.Context, day string) (*pipeline.ReleaseResult, error)
	ReleaseMAU(ctx context.Context, endDay string, windowDays int) (*pipeline.ReleaseResult, error)
	BudgetSnapshot(ctx context.Context, metric domain.Metric, day string) (*accountant.Snapshot, error)
}

// Handler wires the gin router over an Engine.
type Handler struct {
	engine        Engine
	router        *gin.Engine
	log           *zap.Logger
	limiter       *ratelimit.Limiter
	apiKey        string
	defaultWindow int
	version       string
}

// NewHandler builds a Handler. apiKey empty disables authentication,
// matching the reference service's "no key configured" escape hatch. An
// empty version defaults to "dev", matching cmd/cli's unstamped build.
func NewHandler(engine Engine, log *zap.Logger, limiter *ratelimit.Limiter, apiKey string, defaultWindowDays int, version string) *Handler {
	if version == "" {
		version = "dev"
	}
	h := &Handler{
		engine:        engine,
		router:        gin.New(),
		log:           log,
		limiter:       limiter,
		apiKey:        apiKey,
		defaultWindow: defaultWindowDays,
		version:       version,
	}
	h.router.Use(gin.Recovery(), h.requestMetrics())
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/healthz", h.health)
	h.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := h.router.Group("/", h.requireAPIKey(), h.rateLimit())
	authed.POST("/event", h.postEvent)
	authed.GET("/dau/:day", h.getDAU)
	authed.GET("/mau", h.getMAU)
	authed.GET("/budget/:metric", h.getBudget)
}

func (h *Handler) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		handler := c.FullPath()
		if handler == "" {
			handler = "unmatched"
		}
		method := c.Request.Method
		status := c.Writer.Status()
		appmetrics.RequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
		appmetrics.RequestLatencySeconds.WithLabelValues(handler, method).Observe(time.Since(start).Seconds())
		if status >= 500 {
			appmetrics.Requests5xxTotal.WithLabelValues(handler, method).Inc()
		}
	}
}

func (h *Handler) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.apiKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != h.apiKey {
			h.log.Warn("unauthorized request", zap.String("path", c.Request.URL.Path), zap.String("client_ip", c.ClientIP()))
			c.Header("WWW-Authenticate", "API-Key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{
				Error:   "unauthorized",
				Message: "provide X-API-Key header with the configured service API key",
			})
			return
		}
		c.Next()
	}
}

func (h *Handler) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		allowed, remaining := h.limiter.Allow(ratelimit.ClientKey(c.Request))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, dto.ErrorResponse{
				Error:   "rate_limited",
				Message: "too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}

func (h *Handler) postEvent(c *gin.Context) {
	var req dto.IngestEventsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	events := req.Resolved()
	if len(events) == 0 {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation_error", Message: "provide at least one event"})
		return
	}

	batch := make([]pipeline.IncomingEvent, 0, len(events))
	for _, ev := range events {
		batch = append(batch, pipeline.IncomingEvent{
			UserID: ev.UserID, Op: domain.Op(ev.Op), Day: ev.Day, Metadata: ev.Metadata,
		})
	}

	if err := h.engine.Ingest(c.Request.Context(), batch); err != nil {
		h.writeEngineError(c, err)
		return
	}
	appmetrics.EventsIngested.Add(float64(len(events)))
	c.JSON(http.StatusAccepted, dto.IngestResponse{Ingested: len(events)})
}

func (h *Handler) getDAU(c *gin.Context) {
	day := c.Param("day")
	var q dto.DAUQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	result, err := h.engine.ReleaseDAU(c.Request.Context(), day)
	if err != nil {
		appmetrics.ReleasesTotal.WithLabelValues("DAU", "denied").Inc()
		h.writeEngineError(c, err)
		return
	}
	appmetrics.ReleasesTotal.WithLabelValues("DAU", "released").Inc()
	c.JSON(http.StatusOK, h.toMetricResponse(result, q.IncludeRaw))
}

func (h *Handler) getMAU(c *gin.Context) {
	var q dto.MAUQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	windowDays := q.WindowDays
	if windowDays <= 0 {
		windowDays = h.defaultWindow
	}

	result, err := h.engine.ReleaseMAU(c.Request.Context(), q.End, windowDays)
	if err != nil {
		appmetrics.ReleasesTotal.WithLabelValues("MAU", "denied").Inc()
		h.writeEngineError(c, err)
		return
	}
	appmetrics.ReleasesTotal.WithLabelValues("MAU", "released").Inc()
	c.JSON(http.StatusOK, h.toMetricResponse(result, q.IncludeRaw))
}

func (h *Handler) getBudget(c *gin.Context) {
	metricParam := c.Param("metric")
	var q dto.BudgetQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	metric, err := normalizeMetric(metricParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}

	snap, err := h.engine.BudgetSnapshot(c.Request.Context(), metric, q.Day)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBudgetResponse(snap))
}

func normalizeMetric(raw string) (domain.Metric, error) {
	switch raw {
	case "dau", "DAU":
		return domain.MetricDAU, nil
	case "mau", "MAU":
		return domain.MetricMAU, nil
	default:
		return "", fmt.Errorf("metric must be 'dau' or 'mau', got %q", raw)
	}
}

func (h *Handler) writeEngineError(c *gin.Context, err error) {
	if denied, ok := err.(*apperr.BudgetExhausted); ok {
		nextReset := nextResetDate(denied.ResetMonth)
		c.JSON(http.StatusTooManyRequests, dto.BudgetExhaustedResponse{
			Error:            "budget_exhausted",
			Metric:           denied.Metric,
			Period:           denied.ResetMonth,
			EpsilonCap:       denied.Cap,
			EpsilonSpent:     denied.Spent,
			EpsilonRemaining: denied.Remaining,
			NextReset:        nextReset,
		})
		return
	}

	if apperr.Is(err, apperr.KindValidation) {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "validation_error", Message: err.Error()})
		return
	}
	if apperr.Is(err, apperr.KindConflict) {
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "conflict", Message: err.Error()})
		return
	}
	if apperr.Is(err, apperr.KindFatal) {
		h.log.Error("fatal pipeline error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}

	h.log.Error("pipeline error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal_error", Message: err.Error()})
}

func nextResetDate(period string) string {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 1, 0).Format("2006-01-02")
}

func (h *Handler) toMetricResponse(result *pipeline.ReleaseResult, includeRaw bool) dto.MetricResponse {
	resp := dto.MetricResponse{
		Version:         h.version,
		Day:             result.Day,
		WindowDays:      result.WindowDays,
		Estimate:        result.Estimate,
		Lower95:         result.CILow,
		Upper95:         result.CIHigh,
		EpsilonUsed:     result.Epsilon,
		Delta:           result.Delta,
		Mechanism:       string(result.Mechanism),
		SketchImpl:      result.SketchImpl,
		BudgetRemaining: result.BudgetSnapshot.EpsilonRemaining,
		Budget:          toBudgetSummary(result.BudgetSnapshot),
	}
	if includeRaw {
		raw := result.Raw
		resp.Raw = &raw
	}
	return resp
}

func toBudgetSummary(snap *accountant.Snapshot) dto.BudgetSummary {
	curve := make(map[string]float64, len(snap.RDPCurve))
	for order, eps := range snap.RDPCurve {
		curve[strconv.FormatFloat(order, 'g', -1, 64)] = eps
	}
	summary := dto.BudgetSummary{
		EpsilonCap:       snap.EpsilonCap,
		EpsilonSpent:     snap.EpsilonSpent,
		EpsilonRemaining: snap.EpsilonRemaining,
		Delta:            snap.Delta,
		RDPCurve:         curve,
		ReleaseCount:     snap.ReleaseCount,
	}
	if snap.BestRDPEpsilon != nil && snap.BestRDPOrder != nil {
		summary.RDPBest = &dto.RDPBest{
			Alpha:   *snap.BestRDPOrder,
			Epsilon: *snap.BestRDPEpsilon,
			Delta:   snap.Delta,
		}
	}
	if snap.AdvancedEpsilon != nil && snap.AdvancedDelta != nil {
		summary.Advanced = &dto.AdvancedBound{
			Epsilon: *snap.AdvancedEpsilon,
			Delta:   *snap.AdvancedDelta,
		}
	}
	return summary
}

func toBudgetResponse(snap *accountant.Snapshot) dto.BudgetResponse {
	return dto.BudgetResponse{
		Metric:        string(snap.Metric),
		Period:        snap.Period,
		BudgetSummary: toBudgetSummary(snap),
	}
}
