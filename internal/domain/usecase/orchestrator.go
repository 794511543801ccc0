package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

type IdentityRepo interface {
	Create(ctx context.Context, id *entity.Identity) error
	Get(ctx context.Context, userID string) (*entity.Identity, error)
	CompareAndSet(ctx context.Context, id *entity.Identity) error
}

type JobRepo interface {
	Create(ctx context.Context, job *entity.Job) error
	Get(ctx context.Context, jobID string) (*entity.Job, error)
	CompareAndSet(ctx context.Context, job *entity.Job) error
}

type TaskPublisher interface {
	Publish(ctx context.Context, lane Lane, task entity.StageTask) error
	PublishIn(ctx context.Context, lane Lane, task entity.StageTask, delay time.Duration) error
}

// GPUGate bounds the number of GPU-bound stages in flight cluster-wide.
type GPUGate interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// DispatchRef identifies a stage dispatch parked while waiting for a GPU slot.
type DispatchRef struct {
	JobID   string           `json:"job_id,omitempty"`
	UserID  string           `json:"user_id,omitempty"`
	Stage   entity.StageKind `json:"stage"`
	Attempt int              `json:"attempt"`
}

type DispatchWaitlist interface {
	Push(ctx context.Context, ref DispatchRef) error
	Pop(ctx context.Context) (DispatchRef, bool, error)
}

type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID, status string) error
	SetTrainingStatus(ctx context.Context, userID, status string) error
}

type Config struct {
	ScriptMaxChars int
	DefaultVoiceID string
}

// Orchestrator owns the stage graph and both record state machines. It is the
// only writer of job and identity status; workers only report results into it.
// Safe for concurrent use: every mutation is a compare-and-set on the record
// version, and a report that no longer matches the expected stage is dropped
// as stale.
type Orchestrator struct {
	identities IdentityRepo
	jobs       JobRepo
	tasks      TaskPublisher
	gate       GPUGate
	waitlist   DispatchWaitlist
	cache      StatusCache
	cfg        Config
}

func NewOrchestrator(
	identities IdentityRepo,
	jobs JobRepo,
	tasks TaskPublisher,
	gate GPUGate,
	waitlist DispatchWaitlist,
	cache StatusCache,
	cfg Config,
) *Orchestrator {
	if cfg.ScriptMaxChars <= 0 {
		cfg.ScriptMaxChars = 1000
	}
	return &Orchestrator{
		identities: identities,
		jobs:       jobs,
		tasks:      tasks,
		gate:       gate,
		waitlist:   waitlist,
		cache:      cache,
		cfg:        cfg,
	}
}

// RegisterUpload records uploaded photos for a user, creating the identity
// record on first upload.
func (o *Orchestrator) RegisterUpload(ctx context.Context, userID, datasetPath string, added int) (*entity.Identity, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", entity.ErrValidation)
	}
	if added <= 0 {
		return nil, fmt.Errorf("%w: at least one photo is required", entity.ErrValidation)
	}

	id, err := o.identities.Get(ctx, userID)
	if errors.Is(err, entity.ErrNotFound) {
		id = &entity.Identity{
			UserID:      userID,
			Status:      entity.IdentityNotStarted,
			DatasetPath: datasetPath,
			PhotoCount:  added,
			Version:     1,
		}
		if createErr := o.identities.Create(ctx, id); createErr != nil {
			return nil, createErr
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}

	id.DatasetPath = datasetPath
	id.PhotoCount += added
	if err := o.identities.CompareAndSet(ctx, id); err != nil {
		return nil, err
	}
	return id, nil
}

// StartTraining kicks off the identity pipeline (preprocess -> train) for a
// user. Single-flight per user: a training already in progress is rejected.
func (o *Orchestrator) StartTraining(ctx context.Context, userID string) (*entity.Identity, error) {
	id, err := o.identities.Get(ctx, userID)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("%w: identity for user %s does not exist", entity.ErrPreconditionFailed, userID)
	}
	if err != nil {
		return nil, err
	}
	if id.TrainingInFlight() {
		return nil, fmt.Errorf("%w: training already in flight for user %s", entity.ErrInvalidState, userID)
	}
	if id.PhotoCount == 0 || id.DatasetPath == "" {
		return nil, fmt.Errorf("%w: no photos uploaded for user %s", entity.ErrPreconditionFailed, userID)
	}

	desc := TrainingFirst()
	id.CurrentStage = desc.Kind
	id.CurrentStageAttempt = 1
	id.LastError = ""
	if err := o.dispatchIdentityStage(ctx, id, desc); err != nil {
		return nil, err
	}
	return id, nil
}

// StartGeneration validates the request, creates the job record and
// dispatches the first generation stage.
func (o *Orchestrator) StartGeneration(ctx context.Context, userID, scriptText, productImageRef, voiceSampleRef string) (*entity.Job, error) {
	script := strings.TrimSpace(scriptText)
	if script == "" {
		return nil, fmt.Errorf("%w: script_text is required", entity.ErrValidation)
	}
	if n := len([]rune(script)); n > o.cfg.ScriptMaxChars {
		return nil, fmt.Errorf("%w: script_text is %d characters, limit is %d", entity.ErrValidation, n, o.cfg.ScriptMaxChars)
	}

	id, err := o.identities.Get(ctx, userID)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, fmt.Errorf("%w: identity for user %s does not exist", entity.ErrPreconditionFailed, userID)
	}
	if err != nil {
		return nil, err
	}
	if id.Status != entity.IdentityReady {
		return nil, fmt.Errorf("%w: identity for user %s is %s, want %s", entity.ErrPreconditionFailed, userID, id.Status, entity.IdentityReady)
	}

	desc := GenerationFirst()
	job := &entity.Job{
		JobID:               uuid.NewString(),
		UserID:              userID,
		ScriptText:          script,
		ProductImageRef:     productImageRef,
		VoiceSampleRef:      voiceSampleRef,
		Status:              entity.JobQueued,
		CurrentStage:        desc.Kind,
		CurrentStageAttempt: 1,
		Version:             1,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	o.cacheJob(ctx, job)

	if err := o.dispatchJobStage(ctx, job, desc, false); err != nil {
		return nil, err
	}
	return job, nil
}

// OnStageResult is the single entry point workers use to report a stage
// outcome. Reports that no longer match the record's expected stage and
// attempt are dropped as ErrStaleReport; applying the same result twice
// changes state at most once.
func (o *Orchestrator) OnStageResult(ctx context.Context, res entity.StageResult) error {
	desc, ok := DescriptorFor(res.Stage)
	if !ok {
		return fmt.Errorf("%w: unknown stage %q", entity.ErrValidation, res.Stage)
	}

	var err error
	for i := 0; i < 2; i++ {
		switch {
		case res.JobID != "":
			err = o.applyJobResult(ctx, res, desc)
		case res.UserID != "":
			err = o.applyIdentityResult(ctx, res, desc)
		default:
			return fmt.Errorf("%w: stage result carries neither job_id nor user_id", entity.ErrValidation)
		}
		if !errors.Is(err, entity.ErrVersionConflict) {
			return err
		}
	}
	log.Printf("dropping stage result %s attempt %d after repeated version conflicts", res.Stage, res.Attempt)
	return fmt.Errorf("%w: concurrent update while applying stage %s", entity.ErrStaleReport, res.Stage)
}

// CancelJob cancels a generation job. Stages are not preemptible, so
// cancellation is only honored while the job is queued between stages.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (*entity.Job, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: job %s is already %s", entity.ErrInvalidState, jobID, job.Status)
	}
	if job.Status != entity.JobQueued {
		return nil, fmt.Errorf("%w: job %s has a stage executing (%s); cancellation is only possible between stages", entity.ErrInvalidState, jobID, job.Status)
	}

	now := time.Now().UTC()
	job.Status = entity.JobFailed
	job.ErrorKind = string(entity.FailureCancelled)
	job.ErrorMessage = "cancelled by user"
	job.CurrentStage = ""
	job.CurrentStageAttempt = 0
	job.CompletedAt = &now
	if err := o.jobs.CompareAndSet(ctx, job); err != nil {
		if errors.Is(err, entity.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: job %s changed state during cancellation", entity.ErrInvalidState, jobID)
		}
		return nil, err
	}
	o.cacheJob(ctx, job)
	return job, nil
}

func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*entity.Job, error) {
	return o.jobs.Get(ctx, jobID)
}

func (o *Orchestrator) GetIdentity(ctx context.Context, userID string) (*entity.Identity, error) {
	return o.identities.Get(ctx, userID)
}

// --- generation pipeline ---

func (o *Orchestrator) applyJobResult(ctx context.Context, res entity.StageResult, desc StageDescriptor) error {
	job, err := o.jobs.Get(ctx, res.JobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.CurrentStage != res.Stage || job.CurrentStageAttempt != res.Attempt {
		log.Printf("stale report for job %s: got stage %s attempt %d, record at %s attempt %d (status %s)",
			job.JobID, res.Stage, res.Attempt, job.CurrentStage, job.CurrentStageAttempt, job.Status)
		return fmt.Errorf("%w: job %s stage %s attempt %d", entity.ErrStaleReport, res.JobID, res.Stage, res.Attempt)
	}

	if res.OK {
		return o.advanceJob(ctx, job, res, desc)
	}
	return o.handleJobFailure(ctx, job, res, desc)
}

func (o *Orchestrator) advanceJob(ctx context.Context, job *entity.Job, res entity.StageResult, desc StageDescriptor) error {
	if err := job.AppendHistory(historyRecord(res, entity.OutcomeOK, "")); err != nil {
		return err
	}
	o.absorbJobOutput(ctx, job, res)

	next, ok := NextGenerationStage(res.Stage, job.HasProductImage())
	if !ok {
		if job.OutputVideoRef == "" {
			return o.failJob(ctx, job, desc, string(entity.FailureFatal), "upload stage reported success without an artifact reference")
		}
		now := time.Now().UTC()
		job.Status = entity.JobCompleted
		job.CurrentStage = ""
		job.CurrentStageAttempt = 0
		job.CompletedAt = &now
		if err := o.jobs.CompareAndSet(ctx, job); err != nil {
			return err
		}
		o.cacheJob(ctx, job)
		o.afterGPUStage(ctx, desc)
		return nil
	}

	// Claim the transition first so duplicate reports turn stale, then move
	// the GPU slot along and dispatch the next stage.
	job.Status = entity.JobQueued
	job.CurrentStage = next.Kind
	job.CurrentStageAttempt = 1
	if err := o.jobs.CompareAndSet(ctx, job); err != nil {
		return err
	}
	if desc.GPUBound {
		o.releaseGate(ctx)
	}
	err := o.dispatchJobStage(ctx, job, next, false)
	// The freed slot must reach parked dispatches even when the next stage's
	// dispatch errored; they would otherwise wait for another GPU completion.
	if desc.GPUBound {
		o.kickWaitlist(ctx)
	}
	return err
}

func (o *Orchestrator) handleJobFailure(ctx context.Context, job *entity.Job, res entity.StageResult, desc StageDescriptor) error {
	// Custom-voice synthesis falls back once to the default voice before the
	// retry policy applies; the fallback does not consume an attempt. The
	// consumed fallback is persisted in the same CAS that dispatches it so a
	// redelivered failure report reads as stale instead of dispatching twice.
	if res.Stage == entity.StageSynthesizeSpeech && !res.VoiceFallback {
		if job.VoiceFallbackUsed {
			return fmt.Errorf("%w: job %s stage %s attempt %d already fell back to the default voice",
				entity.ErrStaleReport, job.JobID, res.Stage, res.Attempt)
		}
		if o.jobUsedCustomVoice(ctx, job) {
			job.VoiceFallbackUsed = true
			if err := job.AppendHistory(historyRecord(res, entity.OutcomeFallback, res.Message)); err != nil {
				return err
			}
			if err := o.jobs.CompareAndSet(ctx, job); err != nil {
				return err
			}
			log.Printf("job %s: custom voice synthesis failed (%s), retrying with default voice", job.JobID, res.Message)
			task, err := o.buildJobTask(ctx, job, desc, true)
			if err != nil {
				return o.failJob(ctx, job, desc, string(entity.FailureFatal), err.Error())
			}
			if err := o.tasks.Publish(ctx, desc.Lane, task); err != nil {
				return o.failJob(ctx, job, desc, string(entity.FailureTransient), fmt.Sprintf("task enqueue failed: %v", err))
			}
			return nil
		}
	}

	if res.Failure == entity.FailureFatal {
		if err := job.AppendHistory(historyRecord(res, entity.OutcomeFatal, res.Message)); err != nil {
			return err
		}
		return o.failJob(ctx, job, desc, string(entity.FailureFatal), res.Message)
	}

	if job.CurrentStageAttempt < desc.MaxAttempts {
		if err := job.AppendHistory(historyRecord(res, entity.OutcomeTransient, res.Message)); err != nil {
			return err
		}
		job.CurrentStageAttempt++
		if err := o.jobs.CompareAndSet(ctx, job); err != nil {
			return err
		}
		task, err := o.buildJobTask(ctx, job, desc, res.VoiceFallback)
		if err != nil {
			return o.failJob(ctx, job, desc, string(entity.FailureFatal), err.Error())
		}
		delay := Backoff(job.CurrentStageAttempt - 1)
		log.Printf("job %s: stage %s attempt %d failed transiently (%s), retrying in %s",
			job.JobID, res.Stage, res.Attempt, res.Message, delay)
		if err := o.tasks.PublishIn(ctx, desc.Lane, task, delay); err != nil {
			return o.failJob(ctx, job, desc, string(entity.FailureTransient), fmt.Sprintf("task enqueue failed: %v", err))
		}
		return nil
	}

	if err := job.AppendHistory(historyRecord(res, entity.OutcomeTransient, res.Message)); err != nil {
		return err
	}
	return o.failJob(ctx, job, desc, string(entity.FailureTransient),
		fmt.Sprintf("stage %s failed after %d attempts: %s", res.Stage, job.CurrentStageAttempt, res.Message))
}

func (o *Orchestrator) failJob(ctx context.Context, job *entity.Job, desc StageDescriptor, kind, message string) error {
	now := time.Now().UTC()
	job.Status = entity.JobFailed
	job.ErrorKind = kind
	job.ErrorMessage = message
	job.CurrentStage = ""
	job.CurrentStageAttempt = 0
	job.CompletedAt = &now
	if err := o.jobs.CompareAndSet(ctx, job); err != nil {
		return err
	}
	o.cacheJob(ctx, job)
	o.afterGPUStage(ctx, desc)
	return nil
}

// dispatchJobStage persists the transition into the stage and publishes its
// task. GPU-bound stages needing a slot that is not available stay queued and
// are parked on the waitlist; the gate is re-evaluated when a slot frees.
func (o *Orchestrator) dispatchJobStage(ctx context.Context, job *entity.Job, desc StageDescriptor, voiceFallback bool) error {
	acquired := false
	if desc.GPUBound {
		ok, err := o.gate.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			job.Status = entity.JobQueued
			if err := o.jobs.CompareAndSet(ctx, job); err != nil {
				return err
			}
			o.cacheJob(ctx, job)
			if err := o.waitlist.Push(ctx, DispatchRef{JobID: job.JobID, Stage: desc.Kind, Attempt: job.CurrentStageAttempt}); err != nil {
				return o.failJob(ctx, job, StageDescriptor{}, string(entity.FailureTransient), fmt.Sprintf("gpu waitlist unavailable: %v", err))
			}
			return nil
		}
		acquired = true
	}

	task, err := o.buildJobTask(ctx, job, desc, voiceFallback)
	if err != nil {
		if acquired {
			o.releaseGate(ctx)
		}
		return o.failJob(ctx, job, StageDescriptor{}, string(entity.FailureFatal), err.Error())
	}

	job.Status = desc.JobStatus
	if err := o.jobs.CompareAndSet(ctx, job); err != nil {
		if acquired {
			o.releaseGate(ctx)
		}
		return err
	}
	o.cacheJob(ctx, job)

	if err := o.tasks.Publish(ctx, desc.Lane, task); err != nil {
		if acquired {
			o.releaseGate(ctx)
		}
		return o.failJob(ctx, job, StageDescriptor{}, string(entity.FailureTransient), fmt.Sprintf("task enqueue failed: %v", err))
	}
	return nil
}

func (o *Orchestrator) buildJobTask(ctx context.Context, job *entity.Job, desc StageDescriptor, voiceFallback bool) (entity.StageTask, error) {
	var payload any
	switch desc.Kind {
	case entity.StageSynthesizeSpeech:
		in := entity.SpeechInput{ScriptText: job.ScriptText}
		if voiceFallback {
			in.VoiceID = o.cfg.DefaultVoiceID
		} else {
			id, err := o.identities.Get(ctx, job.UserID)
			if err != nil {
				return entity.StageTask{}, fmt.Errorf("load identity for job %s: %w", job.JobID, err)
			}
			in.VoiceID = id.VoiceID
			in.VoiceSampleRef = job.VoiceSampleRef
			if in.VoiceID == "" && in.VoiceSampleRef == "" {
				in.VoiceID = o.cfg.DefaultVoiceID
			}
		}
		payload = in
	case entity.StageGenerateTalkingHead:
		id, err := o.identities.Get(ctx, job.UserID)
		if err != nil {
			return entity.StageTask{}, fmt.Errorf("load identity for job %s: %w", job.JobID, err)
		}
		payload = entity.TalkingHeadInput{
			UserID:        job.UserID,
			DatasetPath:   id.DatasetPath,
			LoraModelPath: id.LoraModelPath,
			AudioRef:      job.AudioRef,
		}
	case entity.StageComposite:
		payload = entity.CompositeInput{VideoRef: job.VideoRef, ProductImageRef: job.ProductImageRef}
	case entity.StageEnhance:
		payload = entity.EnhanceInput{VideoRef: job.VideoRef}
	case entity.StageUpload:
		payload = entity.UploadInput{VideoRef: job.VideoRef}
	default:
		return entity.StageTask{}, fmt.Errorf("stage %s does not belong to the generation pipeline", desc.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return entity.StageTask{}, fmt.Errorf("marshal %s payload: %w", desc.Kind, err)
	}
	return entity.StageTask{
		JobID:         job.JobID,
		Stage:         desc.Kind,
		Attempt:       job.CurrentStageAttempt,
		VoiceFallback: voiceFallback,
		Payload:       raw,
		EnqueuedAt:    time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) absorbJobOutput(ctx context.Context, job *entity.Job, res entity.StageResult) {
	switch res.Stage {
	case entity.StageSynthesizeSpeech:
		var out entity.SpeechOutput
		if err := json.Unmarshal(res.Output, &out); err == nil {
			job.AudioRef = out.AudioRef
			if out.VoiceID != "" {
				o.saveVoiceID(ctx, job.UserID, out.VoiceID)
			}
		}
	case entity.StageGenerateTalkingHead, entity.StageComposite, entity.StageEnhance:
		var out entity.VideoOutput
		if err := json.Unmarshal(res.Output, &out); err == nil && out.VideoRef != "" {
			job.VideoRef = out.VideoRef
		}
	case entity.StageUpload:
		var out entity.UploadOutput
		if err := json.Unmarshal(res.Output, &out); err == nil {
			job.OutputVideoRef = out.OutputVideoRef
		}
	}
}

func (o *Orchestrator) jobUsedCustomVoice(ctx context.Context, job *entity.Job) bool {
	if job.VoiceSampleRef != "" {
		return true
	}
	id, err := o.identities.Get(ctx, job.UserID)
	return err == nil && id.VoiceID != "" && id.VoiceID != o.cfg.DefaultVoiceID
}

func (o *Orchestrator) saveVoiceID(ctx context.Context, userID, voiceID string) {
	id, err := o.identities.Get(ctx, userID)
	if err != nil || id.VoiceID == voiceID {
		return
	}
	id.VoiceID = voiceID
	if err := o.identities.CompareAndSet(ctx, id); err != nil {
		log.Printf("could not persist voice id for user %s: %v", userID, err)
	}
}

// --- identity pipeline ---

func (o *Orchestrator) applyIdentityResult(ctx context.Context, res entity.StageResult, desc StageDescriptor) error {
	id, err := o.identities.Get(ctx, res.UserID)
	if err != nil {
		return err
	}
	if !id.TrainingInFlight() || id.CurrentStage != res.Stage || id.CurrentStageAttempt != res.Attempt {
		log.Printf("stale report for user %s: got stage %s attempt %d, record at %s attempt %d (status %s)",
			id.UserID, res.Stage, res.Attempt, id.CurrentStage, id.CurrentStageAttempt, id.Status)
		return fmt.Errorf("%w: user %s stage %s attempt %d", entity.ErrStaleReport, res.UserID, res.Stage, res.Attempt)
	}

	if res.OK {
		return o.advanceIdentity(ctx, id, res, desc)
	}
	return o.handleIdentityFailure(ctx, id, res, desc)
}

func (o *Orchestrator) advanceIdentity(ctx context.Context, id *entity.Identity, res entity.StageResult, desc StageDescriptor) error {
	switch res.Stage {
	case entity.StagePreprocess:
		var out entity.PreprocessOutput
		if err := json.Unmarshal(res.Output, &out); err == nil && out.DatasetPath != "" {
			id.DatasetPath = out.DatasetPath
		}
		next, ok := NextTrainingStage(res.Stage)
		if !ok {
			return fmt.Errorf("training graph has no stage after %s", res.Stage)
		}
		id.CurrentStage = next.Kind
		id.CurrentStageAttempt = 1
		return o.dispatchIdentityStage(ctx, id, next)

	case entity.StageTrain:
		var out entity.TrainOutput
		if err := json.Unmarshal(res.Output, &out); err != nil || out.LoraModelPath == "" {
			return o.failIdentity(ctx, id, desc, "train stage reported success without a model artifact")
		}
		id.Status = entity.IdentityReady
		id.LoraModelPath = out.LoraModelPath
		id.CurrentStage = ""
		id.CurrentStageAttempt = 0
		id.LastError = ""
		if err := o.identities.CompareAndSet(ctx, id); err != nil {
			return err
		}
		o.cacheTraining(ctx, id)
		o.afterGPUStage(ctx, desc)
		return nil
	}
	return fmt.Errorf("stage %s does not belong to the training pipeline", res.Stage)
}

func (o *Orchestrator) handleIdentityFailure(ctx context.Context, id *entity.Identity, res entity.StageResult, desc StageDescriptor) error {
	if res.Failure == entity.FailureFatal {
		return o.failIdentity(ctx, id, desc, res.Message)
	}
	if id.CurrentStageAttempt < desc.MaxAttempts {
		id.CurrentStageAttempt++
		if err := o.identities.CompareAndSet(ctx, id); err != nil {
			return err
		}
		task, err := o.buildIdentityTask(id, desc)
		if err != nil {
			return o.failIdentity(ctx, id, desc, err.Error())
		}
		delay := Backoff(id.CurrentStageAttempt - 1)
		log.Printf("user %s: stage %s attempt %d failed transiently (%s), retrying in %s",
			id.UserID, res.Stage, res.Attempt, res.Message, delay)
		if err := o.tasks.PublishIn(ctx, desc.Lane, task, delay); err != nil {
			return o.failIdentity(ctx, id, desc, fmt.Sprintf("task enqueue failed: %v", err))
		}
		return nil
	}
	return o.failIdentity(ctx, id, desc,
		fmt.Sprintf("stage %s failed after %d attempts: %s", res.Stage, id.CurrentStageAttempt, res.Message))
}

func (o *Orchestrator) failIdentity(ctx context.Context, id *entity.Identity, desc StageDescriptor, message string) error {
	id.Status = entity.IdentityFailed
	id.LastError = message
	id.CurrentStage = ""
	id.CurrentStageAttempt = 0
	if err := o.identities.CompareAndSet(ctx, id); err != nil {
		return err
	}
	o.cacheTraining(ctx, id)
	o.afterGPUStage(ctx, desc)
	return nil
}

func (o *Orchestrator) dispatchIdentityStage(ctx context.Context, id *entity.Identity, desc StageDescriptor) error {
	id.Status = desc.IdentityStatus
	acquired := false
	if desc.GPUBound {
		ok, err := o.gate.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if !ok {
			if err := o.identities.CompareAndSet(ctx, id); err != nil {
				return err
			}
			o.cacheTraining(ctx, id)
			if err := o.waitlist.Push(ctx, DispatchRef{UserID: id.UserID, Stage: desc.Kind, Attempt: id.CurrentStageAttempt}); err != nil {
				return o.failIdentity(ctx, id, StageDescriptor{}, fmt.Sprintf("gpu waitlist unavailable: %v", err))
			}
			return nil
		}
		acquired = true
	}

	task, err := o.buildIdentityTask(id, desc)
	if err != nil {
		if acquired {
			o.releaseGate(ctx)
		}
		return o.failIdentity(ctx, id, StageDescriptor{}, err.Error())
	}
	if err := o.identities.CompareAndSet(ctx, id); err != nil {
		if acquired {
			o.releaseGate(ctx)
		}
		return err
	}
	o.cacheTraining(ctx, id)

	if err := o.tasks.Publish(ctx, desc.Lane, task); err != nil {
		if acquired {
			o.releaseGate(ctx)
		}
		return o.failIdentity(ctx, id, StageDescriptor{}, fmt.Sprintf("task enqueue failed: %v", err))
	}
	return nil
}

func (o *Orchestrator) buildIdentityTask(id *entity.Identity, desc StageDescriptor) (entity.StageTask, error) {
	var payload any
	switch desc.Kind {
	case entity.StagePreprocess:
		payload = entity.PreprocessInput{DatasetPath: id.DatasetPath}
	case entity.StageTrain:
		payload = entity.TrainInput{DatasetPath: id.DatasetPath}
	default:
		return entity.StageTask{}, fmt.Errorf("stage %s does not belong to the training pipeline", desc.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return entity.StageTask{}, fmt.Errorf("marshal %s payload: %w", desc.Kind, err)
	}
	return entity.StageTask{
		UserID:     id.UserID,
		Stage:      desc.Kind,
		Attempt:    id.CurrentStageAttempt,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// --- GPU gate bookkeeping ---

// afterGPUStage releases the slot held by a finished GPU stage and hands it
// to the next parked dispatch, if any.
func (o *Orchestrator) afterGPUStage(ctx context.Context, desc StageDescriptor) {
	if !desc.GPUBound {
		return
	}
	o.releaseGate(ctx)
	o.kickWaitlist(ctx)
}

func (o *Orchestrator) releaseGate(ctx context.Context) {
	if err := o.gate.Release(ctx); err != nil {
		log.Printf("gpu gate release failed: %v", err)
	}
}

// kickWaitlist pops parked dispatches until one is still current and
// re-dispatches it. Refs invalidated by cancellation or a state change are
// discarded.
func (o *Orchestrator) kickWaitlist(ctx context.Context) {
	for {
		ref, ok, err := o.waitlist.Pop(ctx)
		if err != nil {
			log.Printf("gpu waitlist pop failed: %v", err)
			return
		}
		if !ok {
			return
		}
		dispatched, err := o.redispatch(ctx, ref)
		if err != nil {
			log.Printf("re-dispatch of parked stage %s failed: %v", ref.Stage, err)
			return
		}
		if dispatched {
			return
		}
	}
}

func (o *Orchestrator) redispatch(ctx context.Context, ref DispatchRef) (bool, error) {
	desc, ok := DescriptorFor(ref.Stage)
	if !ok {
		return false, nil
	}
	if ref.JobID != "" {
		job, err := o.jobs.Get(ctx, ref.JobID)
		if err != nil {
			return false, err
		}
		if job.Status != entity.JobQueued || job.CurrentStage != ref.Stage || job.CurrentStageAttempt != ref.Attempt {
			return false, nil
		}
		return true, o.dispatchJobStage(ctx, job, desc, false)
	}
	id, err := o.identities.Get(ctx, ref.UserID)
	if err != nil {
		return false, err
	}
	if !id.TrainingInFlight() || id.CurrentStage != ref.Stage || id.CurrentStageAttempt != ref.Attempt {
		return false, nil
	}
	return true, o.dispatchIdentityStage(ctx, id, desc)
}

func (o *Orchestrator) cacheJob(ctx context.Context, job *entity.Job) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetJobStatus(ctx, job.JobID, string(job.Status)); err != nil {
		log.Printf("status cache update for job %s failed: %v", job.JobID, err)
	}
}

func (o *Orchestrator) cacheTraining(ctx context.Context, id *entity.Identity) {
	if o.cache == nil {
		return
	}
	if err := o.cache.SetTrainingStatus(ctx, id.UserID, string(id.Status)); err != nil {
		log.Printf("status cache update for user %s failed: %v", id.UserID, err)
	}
}

func historyRecord(res entity.StageResult, outcome, detail string) entity.StageRecord {
	return entity.StageRecord{
		Stage:     res.Stage,
		Attempt:   res.Attempt,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
		Outcome:   outcome,
		Detail:    detail,
	}
}
