package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/Brownie44l1/cellclass-api/internal/model"
	"github.com/Brownie44l1/cellclass-api/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// FilesField is the multipart field carrying the uploaded images.
const FilesField = "files"

type Handler struct {
	pipeline       *pipeline.Pipeline
	maxUploadBytes int64
}

func NewHandler(p *pipeline.Pipeline, maxUploadBytes int64) *Handler {
	return &Handler{
		pipeline:       p,
		maxUploadBytes: maxUploadBytes,
	}
}

func (h *Handler) Health(c *gin.Context) {
	variant := "live_dead"
	if h.pipeline.Full() {
		variant = "full"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"variant":      variant,
		"feature_size": h.pipeline.FeatureSize(),
	})
}

// Preflight answers OPTIONS requests that the CORS middleware let through.
func (h *Handler) Preflight(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Preflight request handled"})
}

// Predict classifies every file in the "files" field, in upload order.
func (h *Handler) Predict(c *gin.Context) {
	logger := pipeline.LoggerFrom(c.Request.Context())

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, http.ErrNotMultipart):
			c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
		case errors.As(err, &tooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": fmt.Sprintf("Upload exceeds %d bytes", tooLarge.Limit),
			})
		default:
			logger.Warn("Failed to parse multipart form", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form"})
		}
		return
	}
	defer form.RemoveAll()

	files := form.File[FilesField]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
		return
	}

	logger.Info("Received batch", "files", len(files))

	uploads := make([]pipeline.Upload, len(files))
	for i, fh := range files {
		uploads[i] = fromFileHeader(fh)
	}

	report := h.pipeline.Run(c.Request.Context(), uploads)

	logger.Info("Batch classified",
		"total_images", report.Summary.TotalImages,
		"errors", report.Summary.ErrorCount,
		"live", report.Summary.LiveCount,
		"dead", report.Summary.DeadCount,
	)

	c.JSON(http.StatusOK, report)
}

// PredictFeatures classifies a precomputed feature vector.
func (h *Handler) PredictFeatures(c *gin.Context) {
	var req model.FeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON"})
		return
	}

	if want := h.pipeline.FeatureSize(); len(req.Features) != want {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Expected %d values, got %d", want, len(req.Features)),
		})
		return
	}

	result, err := h.pipeline.ClassifyFeatures(req.Features)
	if err != nil {
		pipeline.LoggerFrom(c.Request.Context()).Error("Prediction error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Prediction failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func fromFileHeader(fh *multipart.FileHeader) pipeline.Upload {
	return pipeline.Upload{
		Filename: fh.Filename,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}
