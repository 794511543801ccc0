package entity

import "time"

type IdentityStatus string

const (
	IdentityNotStarted    IdentityStatus = "not_started"
	IdentityPreprocessing IdentityStatus = "preprocessing"
	IdentityTraining      IdentityStatus = "training"
	IdentityReady         IdentityStatus = "ready"
	IdentityFailed        IdentityStatus = "failed"
)

// Identity is the per-user identity record. A user owns at most one LoRA
// model; retraining overwrites it. Only the orchestrator mutates status.
type Identity struct {
	UserID              string         `gorm:"primaryKey;type:uuid" json:"user_id"`
	Status              IdentityStatus `gorm:"not null;type:text;index" json:"status"`
	DatasetPath         string         `json:"dataset_path,omitempty"`
	PhotoCount          int            `json:"photo_count"`
	LoraModelPath       string         `json:"lora_model_path,omitempty"`
	VoiceID             string         `json:"voice_id,omitempty"`
	CurrentStage        StageKind      `gorm:"type:text" json:"current_stage,omitempty"`
	CurrentStageAttempt int            `json:"current_stage_attempt,omitempty"`
	LastError           string         `json:"last_error,omitempty"`
	Version             int64          `gorm:"not null;default:1" json:"-"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// TrainingInFlight reports whether a training pipeline is currently running
// for this identity. At most one may be in flight per user.
func (i *Identity) TrainingInFlight() bool {
	return i.Status == IdentityPreprocessing || i.Status == IdentityTraining
}
