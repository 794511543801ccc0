package entity

import (
	"encoding/json"
	"time"
)

type StageKind string

const (
	StagePreprocess          StageKind = "preprocess"
	StageTrain               StageKind = "train"
	StageSynthesizeSpeech    StageKind = "synthesize_speech"
	StageGenerateTalkingHead StageKind = "generate_talking_head"
	StageComposite           StageKind = "composite"
	StageEnhance             StageKind = "enhance"
	StageUpload              StageKind = "upload"
)

type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureFatal     FailureKind = "fatal"
	FailureCancelled FailureKind = "cancelled"
)

// StageTask is the queue-resident unit of work. Exactly one of JobID or
// UserID is set, depending on which pipeline the stage belongs to.
type StageTask struct {
	JobID         string          `json:"job_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Stage         StageKind       `json:"stage"`
	Attempt       int             `json:"attempt"`
	VoiceFallback bool            `json:"voice_fallback,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// StageResult is what a worker reports back after executing a task.
// Failures travel as data, never as propagated errors.
type StageResult struct {
	JobID         string          `json:"job_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	Stage         StageKind       `json:"stage"`
	Attempt       int             `json:"attempt"`
	VoiceFallback bool            `json:"voice_fallback,omitempty"`
	OK            bool            `json:"ok"`
	Output        json.RawMessage `json:"output,omitempty"`
	Failure       FailureKind     `json:"failure,omitempty"`
	Message       string          `json:"message,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
}

// StageRecord is one entry of a record's persisted stage history.
type StageRecord struct {
	Stage     StageKind `json:"stage"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

const (
	OutcomeOK        = "ok"
	OutcomeTransient = "transient"
	OutcomeFatal     = "fatal"
	OutcomeFallback  = "voice_fallback"
)

// Stage input payloads, built by the orchestrator at dispatch time.

type PreprocessInput struct {
	DatasetPath string `json:"dataset_path"`
}

type TrainInput struct {
	DatasetPath string `json:"dataset_path"`
}

type SpeechInput struct {
	ScriptText     string `json:"script_text"`
	VoiceID        string `json:"voice_id,omitempty"`
	VoiceSampleRef string `json:"voice_sample_ref,omitempty"`
}

type TalkingHeadInput struct {
	UserID        string `json:"user_id"`
	DatasetPath   string `json:"dataset_path"`
	LoraModelPath string `json:"lora_model_path"`
	AudioRef      string `json:"audio_ref"`
}

type CompositeInput struct {
	VideoRef        string `json:"video_ref"`
	ProductImageRef string `json:"product_image_ref"`
}

type EnhanceInput struct {
	VideoRef string `json:"video_ref"`
}

type UploadInput struct {
	VideoRef string `json:"video_ref"`
}

// Stage output payloads, reported inside successful results.

type PreprocessOutput struct {
	DatasetPath string `json:"dataset_path"`
	FaceCount   int    `json:"face_count"`
}

type TrainOutput struct {
	LoraModelPath string `json:"lora_model_path"`
}

type SpeechOutput struct {
	AudioRef string `json:"audio_ref"`
	VoiceID  string `json:"voice_id,omitempty"`
}

type VideoOutput struct {
	VideoRef string `json:"video_ref"`
}

type UploadOutput struct {
	OutputVideoRef string `json:"output_video_ref"`
}
