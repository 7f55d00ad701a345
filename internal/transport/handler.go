package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"go-wanglab/internal/config"
	apperrors "go-wanglab/internal/errors"
	"go-wanglab/internal/logger"
	"go-wanglab/internal/results"
	"go-wanglab/internal/service"
	"go-wanglab/pkg/models"
)

// Version is reported by /health.
const Version = "1.0.0"

// cancelledHeader is set on /run responses whose table contains rows that
// were never processed because the run was cut short.
const cancelledHeader = "X-Run-Cancelled"

// NewHandler wires the HTTP routes. gatherer may be nil to disable /metrics.
func NewHandler(svc service.FeatureService, gatherer prometheus.Gatherer, cfg *config.Config) http.Handler {
	r := gin.Default()

	// Add middleware
	r.Use(
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/health", healthCheck)
	r.GET("/steps", listSteps(svc))
	r.GET("/models", listModels(svc))
	r.GET("/cache/stats", cacheStats(svc))
	r.POST("/extract", extractFeatures(svc, cfg))
	r.POST("/run", runPipeline(svc, cfg))
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	return r
}

func extractFeatures(svc service.FeatureService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var req models.ExtractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request format", err)
			return
		}

		logger.WithFields(logrus.Fields{
			"images": len(req.Images),
			"ip":     c.ClientIP(),
		}).Info("Processing extract request")

		resp, err := svc.Extract(ctx, req)
		if err != nil {
			respondError(c, statusFor(err), "extraction failed", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func runPipeline(svc service.FeatureService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var req models.RunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "invalid request format", err)
			return
		}

		logger.WithFields(logrus.Fields{
			"images":   len(req.Images),
			"model":    req.Model.Kind,
			"training": req.Training != nil,
			"ip":       c.ClientIP(),
		}).Info("Processing run request")

		table, err := svc.Run(ctx, req)
		if table == nil {
			respondError(c, statusFor(err), "run failed", err)
			return
		}
		if err != nil {
			c.Header(cancelledHeader, "true")
		}

		logger.WithFields(logrus.Fields{
			"run_id":             table.RunID,
			"rows":               table.Len(),
			"failed":             len(table.Failed()),
			"processing_time_ms": time.Since(startTime).Milliseconds(),
		}).Info("Run completed")

		if c.Query("format") == "csv" {
			writeCSV(c, table)
			return
		}
		c.JSON(http.StatusOK, table)
	}
}

func writeCSV(c *gin.Context, table *results.Table) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+table.RunID+".csv"))
	c.Status(http.StatusOK)
	if err := table.WriteCSV(c.Writer); err != nil {
		logger.WithError(err).WithField("run_id", table.RunID).Error("Failed to stream CSV")
	}
}

func listSteps(svc service.FeatureService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"steps": svc.Steps()})
	}
}

func listModels(svc service.FeatureService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": svc.Models()})
	}
}

func cacheStats(svc service.FeatureService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.CacheStats())
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Middleware and helper functions
func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last()
			respondError(c, statusFor(err.Err), "request processing failed", err.Err)
		}
	}
}

// statusFor maps an error to a response status.
func statusFor(err error) int {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, message string, err error) {
	// Log the error with context
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	resp := models.ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp.Kind = string(appErr.Type)
	}
	c.AbortWithStatusJSON(code, resp)
}
