package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

type JobStatus string

const (
	JobQueued             JobStatus = "queued"
	JobSynthesizingSpeech JobStatus = "synthesizing_speech"
	JobGeneratingVideo    JobStatus = "generating_video"
	JobCompositing        JobStatus = "compositing"
	JobEnhancing          JobStatus = "enhancing"
	JobUploading          JobStatus = "uploading"
	JobCompleted          JobStatus = "completed"
	JobFailed             JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the generation job record. Mutated exclusively by the orchestrator
// through compare-and-set updates on the version column.
type Job struct {
	JobID               string     `gorm:"primaryKey;type:uuid" json:"job_id"`
	UserID              string     `gorm:"not null;type:uuid;index" json:"user_id"`
	ScriptText          string     `gorm:"not null" json:"script_text"`
	ProductImageRef     string     `json:"product_image_ref,omitempty"`
	VoiceSampleRef      string     `json:"voice_sample_ref,omitempty"`
	VoiceFallbackUsed   bool       `json:"voice_fallback_used,omitempty"`
	Status              JobStatus  `gorm:"not null;type:text;index" json:"status"`
	CurrentStage        StageKind  `gorm:"type:text" json:"current_stage,omitempty"`
	CurrentStageAttempt int        `json:"current_stage_attempt,omitempty"`
	StageHistory        []byte     `gorm:"type:jsonb" json:"-"`
	AudioRef            string     `json:"audio_ref,omitempty"`
	VideoRef            string     `json:"video_ref,omitempty"`
	OutputVideoRef      string     `json:"output_video_ref,omitempty"`
	ErrorKind           string     `json:"error_kind,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	Version             int64      `gorm:"not null;default:1" json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) HasProductImage() bool {
	return j.ProductImageRef != ""
}

// History decodes the persisted stage history.
func (j *Job) History() ([]StageRecord, error) {
	if len(j.StageHistory) == 0 {
		return nil, nil
	}
	var recs []StageRecord
	if err := json.Unmarshal(j.StageHistory, &recs); err != nil {
		return nil, fmt.Errorf("decode stage history for job %s: %w", j.JobID, err)
	}
	return recs, nil
}

// AppendHistory appends one record to the persisted stage history.
func (j *Job) AppendHistory(rec StageRecord) error {
	recs, err := j.History()
	if err != nil {
		return err
	}
	recs = append(recs, rec)
	data, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("encode stage history for job %s: %w", j.JobID, err)
	}
	j.StageHistory = data
	return nil
}
