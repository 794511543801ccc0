package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

type stubJobService struct {
	jobs      map[string]*entity.Job
	createErr error
	created   *entity.Job
}

func (s *stubJobService) StartGeneration(_ context.Context, userID, scriptText, productImageRef, voiceSampleRef string) (*entity.Job, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = &entity.Job{
		JobID:           "job-new",
		UserID:          userID,
		ScriptText:      scriptText,
		ProductImageRef: productImageRef,
		VoiceSampleRef:  voiceSampleRef,
		Status:          entity.JobQueued,
	}
	return s.created, nil
}

func (s *stubJobService) GetJob(_ context.Context, jobID string) (*entity.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return job, nil
}

func (s *stubJobService) CancelJob(_ context.Context, jobID string) (*entity.Job, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	job.Status = entity.JobFailed
	job.ErrorKind = string(entity.FailureCancelled)
	return job, nil
}

type stubStatusReader struct{ statuses map[string]string }

func (s *stubStatusReader) GetJobStatus(_ context.Context, jobID string) (string, error) {
	status, ok := s.statuses[jobID]
	if !ok {
		return "", fmt.Errorf("cache miss")
	}
	return status, nil
}

type stubVideoStore struct{ url string }

func (s *stubVideoStore) GetPresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return s.url + "/" + key, nil
}

func newTestRouter(t *testing.T, svc *stubJobService, statuses *stubStatusReader) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// Stands in for the JWT middleware.
	router.Use(func(c *gin.Context) {
		c.Set("user_id", "user-1")
	})
	group := router.Group("/api/v1")
	NewJobHandler(group, svc, statuses, &stubVideoStore{url: "https://cdn.test"}, t.TempDir())
	return router
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCreateJobAccepted(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{}}
	router := newTestRouter(t, svc, &stubStatusReader{})

	w := doJSON(router, http.MethodPost, "/api/v1/jobs", gin.H{"script_text": "hello"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-new", resp["job_id"])
	assert.Equal(t, "hello", svc.created.ScriptText)
	assert.Equal(t, "user-1", svc.created.UserID)
}

func TestCreateJobDecodesAssets(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{}}
	router := newTestRouter(t, svc, &stubStatusReader{})

	w := doJSON(router, http.MethodPost, "/api/v1/jobs", gin.H{
		"script_text":          "hello",
		"product_image_base64": "aW1hZ2UtYnl0ZXM=",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.NotEmpty(t, svc.created.ProductImageRef)
}

func TestCreateJobRejectsBadBase64(t *testing.T) {
	router := newTestRouter(t, &stubJobService{}, &stubStatusReader{})

	w := doJSON(router, http.MethodPost, "/api/v1/jobs", gin.H{
		"script_text":          "hello",
		"product_image_base64": "%%%not-base64%%%",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateJobErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: script too long", entity.ErrValidation), http.StatusBadRequest},
		{"precondition", fmt.Errorf("%w: identity not ready", entity.ErrPreconditionFailed), http.StatusConflict},
		{"internal", fmt.Errorf("connection refused"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, &stubJobService{createErr: tc.err}, &stubStatusReader{})
			w := doJSON(router, http.MethodPost, "/api/v1/jobs", gin.H{"script_text": "hello"})
			assert.Equal(t, tc.want, w.Code)
		})
	}
}

func TestJobStatusPrefersCache(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{}}
	statuses := &stubStatusReader{statuses: map[string]string{"job-1": "enhancing"}}
	router := newTestRouter(t, svc, statuses)

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/job-1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "enhancing")
}

func TestJobStatusFallsBackToStore(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{
		"job-1": {JobID: "job-1", UserID: "user-1", Status: entity.JobUploading},
	}}
	router := newTestRouter(t, svc, &stubStatusReader{})

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/job-1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "uploading")
}

func TestForeignJobReadsAsNotFound(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{
		"job-2": {JobID: "job-2", UserID: "someone-else", Status: entity.JobCompleted},
	}}
	router := newTestRouter(t, svc, &stubStatusReader{})

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/job-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVideoURLRequiresCompletedJob(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{
		"job-1": {JobID: "job-1", UserID: "user-1", Status: entity.JobEnhancing},
	}}
	router := newTestRouter(t, svc, &stubStatusReader{})

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/job-1/video", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestVideoURLForCompletedJob(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{
		"job-1": {
			JobID:          "job-1",
			UserID:         "user-1",
			Status:         entity.JobCompleted,
			OutputVideoRef: "jobs/job-1/final.mp4",
		},
	}}
	router := newTestRouter(t, svc, &stubStatusReader{})

	w := doJSON(router, http.MethodGet, "/api/v1/jobs/job-1/video", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://cdn.test/jobs/job-1/final.mp4")
}

func TestCancelJobEndpoint(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*entity.Job{
		"job-1": {JobID: "job-1", UserID: "user-1", Status: entity.JobQueued},
	}}
	router := newTestRouter(t, svc, &stubStatusReader{})

	w := doJSON(router, http.MethodPost, "/api/v1/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "failed")
}
