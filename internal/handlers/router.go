package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Brownie44l1/cellclass-api/internal/config"
	"github.com/Brownie44l1/cellclass-api/internal/pipeline"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const RequestIDHeader = "X-Request-ID"

// NewRouter wires the routes, CORS policy and request logging.
func NewRouter(h *Handler, cfg config.ServerConfig) (*gin.Engine, error) {
	corsConfig := cors.Config{
		AllowOrigins:              cfg.AllowedOrigins,
		AllowMethods:              []string{http.MethodPost, http.MethodOptions},
		AllowHeaders:              []string{"Content-Type"},
		ExposeHeaders:             []string{RequestIDHeader},
		MaxAge:                    12 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	}
	if err := corsConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid CORS configuration: %w", err)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger())
	r.Use(cors.New(corsConfig))

	r.GET("/health", h.Health)
	r.OPTIONS("/predict", h.Preflight)
	r.POST("/predict", h.Predict)
	r.POST("/predict/features", h.PredictFeatures)

	return r, nil
}

// RequestLogger tags each request with an id and logs its completion.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)

		logger := slog.Default().With("request_id", id)
		c.Request = c.Request.WithContext(pipeline.WithLogger(c.Request.Context(), logger))

		c.Next()

		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
