package usecase

import (
	"time"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

type Lane string

const (
	LaneGPU Lane = "gpu"
	LaneCPU Lane = "cpu"
)

// StageDescriptor describes one node of a pipeline's stage graph. The graph
// is plain data so transitions can be tested without a live broker.
type StageDescriptor struct {
	Kind           entity.StageKind
	Lane           Lane
	GPUBound       bool
	MaxAttempts    int
	JobStatus      entity.JobStatus
	IdentityStatus entity.IdentityStatus
	// Conditional stages are skipped when the job carries no product image.
	Conditional bool
}

var trainingStages = []StageDescriptor{
	{Kind: entity.StagePreprocess, Lane: LaneCPU, MaxAttempts: 3, IdentityStatus: entity.IdentityPreprocessing},
	{Kind: entity.StageTrain, Lane: LaneGPU, GPUBound: true, MaxAttempts: 3, IdentityStatus: entity.IdentityTraining},
}

var generationStages = []StageDescriptor{
	{Kind: entity.StageSynthesizeSpeech, Lane: LaneCPU, MaxAttempts: 3, JobStatus: entity.JobSynthesizingSpeech},
	{Kind: entity.StageGenerateTalkingHead, Lane: LaneGPU, GPUBound: true, MaxAttempts: 3, JobStatus: entity.JobGeneratingVideo},
	{Kind: entity.StageComposite, Lane: LaneCPU, MaxAttempts: 3, JobStatus: entity.JobCompositing, Conditional: true},
	{Kind: entity.StageEnhance, Lane: LaneGPU, GPUBound: true, MaxAttempts: 3, JobStatus: entity.JobEnhancing},
	{Kind: entity.StageUpload, Lane: LaneCPU, MaxAttempts: 3, JobStatus: entity.JobUploading},
}

// TrainingFirst returns the entry stage of the identity training pipeline.
func TrainingFirst() StageDescriptor {
	return trainingStages[0]
}

// GenerationFirst returns the entry stage of the video generation pipeline.
func GenerationFirst() StageDescriptor {
	return generationStages[0]
}

// NextTrainingStage returns the stage following current in the training
// pipeline, or ok=false when the graph is exhausted.
func NextTrainingStage(current entity.StageKind) (StageDescriptor, bool) {
	return next(trainingStages, current, true)
}

// NextGenerationStage returns the stage following current in the generation
// pipeline. Conditional stages are skipped unless hasProduct is set.
func NextGenerationStage(current entity.StageKind, hasProduct bool) (StageDescriptor, bool) {
	return next(generationStages, current, hasProduct)
}

func next(stages []StageDescriptor, current entity.StageKind, hasProduct bool) (StageDescriptor, bool) {
	for i, d := range stages {
		if d.Kind != current {
			continue
		}
		for _, n := range stages[i+1:] {
			if n.Conditional && !hasProduct {
				continue
			}
			return n, true
		}
		return StageDescriptor{}, false
	}
	return StageDescriptor{}, false
}

// DescriptorFor looks a stage up in either pipeline.
func DescriptorFor(kind entity.StageKind) (StageDescriptor, bool) {
	for _, set := range [][]StageDescriptor{trainingStages, generationStages} {
		for _, d := range set {
			if d.Kind == kind {
				return d, true
			}
		}
	}
	return StageDescriptor{}, false
}

const (
	backoffBase = 5 * time.Second
	backoffCap  = 5 * time.Minute
)

// Backoff returns the delay before re-enqueueing the given attempt of a
// transiently failed stage: base 5s, doubled per attempt, capped at 5m.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase << (attempt - 1)
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}
