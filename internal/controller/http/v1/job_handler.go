package v1

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/metrics"
)

const (
	maxAssetBytes     = 10 << 20
	presignedURLValid = 15 * time.Minute
)

// JobService is the slice of the orchestrator the job endpoints use.
type JobService interface {
	StartGeneration(ctx context.Context, userID, scriptText, productImageRef, voiceSampleRef string) (*entity.Job, error)
	GetJob(ctx context.Context, jobID string) (*entity.Job, error)
	CancelJob(ctx context.Context, jobID string) (*entity.Job, error)
}

// JobStatusReader serves the hot job-status path from cache.
type JobStatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (string, error)
}

// VideoStore hands out download URLs for finished videos.
type VideoStore interface {
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type JobHandler struct {
	service   JobService
	statuses  JobStatusReader
	videos    VideoStore
	assetsDir string
}

func NewJobHandler(r *gin.RouterGroup, service JobService, statuses JobStatusReader, videos VideoStore, assetsDir string) {
	h := &JobHandler{service: service, statuses: statuses, videos: videos, assetsDir: assetsDir}

	r.POST("/jobs", h.createJob)
	r.GET("/jobs/:id", h.getJob)
	r.GET("/jobs/:id/status", h.jobStatus)
	r.POST("/jobs/:id/cancel", h.cancelJob)
	r.GET("/jobs/:id/video", h.videoURL)
}

type createJobRequest struct {
	ScriptText         string `json:"script_text"`
	ProductImageBase64 string `json:"product_image_base64,omitempty"`
	VoiceSampleBase64  string `json:"voice_sample_base64,omitempty"`
}

func (h *JobHandler) createJob(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}

	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	productImageRef, err := h.saveAsset(userID, req.ProductImageBase64, ".png")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_image: " + err.Error()})
		return
	}
	voiceSampleRef, err := h.saveAsset(userID, req.VoiceSampleBase64, ".wav")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "voice_sample: " + err.Error()})
		return
	}

	job, err := h.service.StartGeneration(c.Request.Context(), userID, req.ScriptText, productImageRef, voiceSampleRef)
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.JobsCreated.Inc()
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.JobID,
		"status": job.Status,
	})
}

// saveAsset decodes an optional base64 attachment to a local file the
// pipeline stages can read. Returns "" when the field is absent.
func (h *JobHandler) saveAsset(userID, encoded, ext string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 payload: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty payload")
	}
	if len(data) > maxAssetBytes {
		return "", fmt.Errorf("payload exceeds %d bytes", maxAssetBytes)
	}

	dir := filepath.Join(h.assetsDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store asset: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("store asset: %w", err)
	}
	return path, nil
}

func (h *JobHandler) getJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}

	history, err := job.History()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":        job.JobID,
		"status":        job.Status,
		"current_stage": job.CurrentStage,
		"error_kind":    job.ErrorKind,
		"error_message": job.ErrorMessage,
		"stage_history": history,
		"created_at":    job.CreatedAt,
		"completed_at":  job.CompletedAt,
	})
}

func (h *JobHandler) jobStatus(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		return
	}
	jobID := c.Param("id")

	if h.statuses != nil {
		if status, err := h.statuses.GetJobStatus(c.Request.Context(), jobID); err == nil && status != "" {
			c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": status})
			return
		}
	}

	job, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, err)
		return
	}
	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.JobID, "status": job.Status})
}

func (h *JobHandler) cancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	cancelled, err := h.service.CancelJob(c.Request.Context(), job.JobID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": cancelled.JobID,
		"status": cancelled.Status,
	})
}

func (h *JobHandler) videoURL(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		return
	}
	if job.Status != entity.JobCompleted || job.OutputVideoRef == "" {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("job is %s, video is only available once completed", job.Status)})
		return
	}

	url, err := h.videos.GetPresignedURL(c.Request.Context(), job.OutputVideoRef, presignedURLValid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":     job.JobID,
		"url":        url,
		"expires_in": int(presignedURLValid.Seconds()),
	})
}

// ownedJob loads the path job and enforces that it belongs to the caller.
// Foreign jobs read as not found, not forbidden.
func (h *JobHandler) ownedJob(c *gin.Context) (*entity.Job, bool) {
	userID, ok := callerID(c)
	if !ok {
		return nil, false
	}
	job, err := h.service.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if job.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	return job, true
}
