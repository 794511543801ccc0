package v1

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/metrics"
)

const maxPhotosPerUpload = 30

// IdentityService is the slice of the orchestrator the identity endpoints use.
type IdentityService interface {
	RegisterUpload(ctx context.Context, userID, datasetPath string, added int) (*entity.Identity, error)
	StartTraining(ctx context.Context, userID string) (*entity.Identity, error)
	GetIdentity(ctx context.Context, userID string) (*entity.Identity, error)
}

// TrainingStatusReader serves the hot training-status path from cache.
type TrainingStatusReader interface {
	GetTrainingStatus(ctx context.Context, userID string) (string, error)
}

type IdentityHandler struct {
	service     IdentityService
	statuses    TrainingStatusReader
	datasetsDir string
}

func NewIdentityHandler(r *gin.RouterGroup, service IdentityService, statuses TrainingStatusReader, datasetsDir string) {
	h := &IdentityHandler{service: service, statuses: statuses, datasetsDir: datasetsDir}

	r.POST("/identity/photos", h.uploadPhotos)
	r.POST("/identity/train", h.startTraining)
	r.GET("/identity", h.getIdentity)
	r.GET("/identity/training-status", h.trainingStatus)
}

func (h *IdentityHandler) uploadPhotos(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form expected: " + err.Error()})
		return
	}
	files := form.File["photos"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one photo is required"})
		return
	}
	if len(files) > maxPhotosPerUpload {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("at most %d photos per upload", maxPhotosPerUpload)})
		return
	}

	datasetPath := filepath.Join(h.datasetsDir, userID)
	if err := os.MkdirAll(datasetPath, 0o755); err != nil {
		respondError(c, err)
		return
	}

	saved := 0
	for _, file := range files {
		ext := strings.ToLower(filepath.Ext(file.Filename))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported photo format %q", ext)})
			return
		}
		dst := filepath.Join(datasetPath, uuid.NewString()+ext)
		if err := c.SaveUploadedFile(file, dst); err != nil {
			respondError(c, err)
			return
		}
		saved++
	}

	id, err := h.service.RegisterUpload(c.Request.Context(), userID, datasetPath, saved)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user_id":     id.UserID,
		"photo_count": id.PhotoCount,
		"status":      id.Status,
	})
}

func (h *IdentityHandler) startTraining(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	id, err := h.service.StartTraining(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.TrainingsStarted.Inc()
	c.JSON(http.StatusAccepted, gin.H{
		"user_id": id.UserID,
		"status":  id.Status,
	})
}

func (h *IdentityHandler) getIdentity(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	id, err := h.service.GetIdentity(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, id)
}

// trainingStatus reads the cached status and falls back to the record store
// on a cache miss.
func (h *IdentityHandler) trainingStatus(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	if h.statuses != nil {
		if status, err := h.statuses.GetTrainingStatus(c.Request.Context(), userID); err == nil && status != "" {
			c.JSON(http.StatusOK, gin.H{"user_id": userID, "status": status})
			return
		}
	}

	id, err := h.service.GetIdentity(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	resp := gin.H{"user_id": userID, "status": id.Status}
	if id.LastError != "" {
		resp["last_error"] = id.LastError
	}
	c.JSON(http.StatusOK, resp)
}
