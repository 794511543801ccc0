package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// --- in-memory fakes ---

type memIdentityRepo struct {
	items map[string]*entity.Identity
}

func newMemIdentityRepo() *memIdentityRepo {
	return &memIdentityRepo{items: make(map[string]*entity.Identity)}
}

func (r *memIdentityRepo) Create(_ context.Context, id *entity.Identity) error {
	cp := *id
	r.items[id.UserID] = &cp
	return nil
}

func (r *memIdentityRepo) Get(_ context.Context, userID string) (*entity.Identity, error) {
	cur, ok := r.items[userID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

func (r *memIdentityRepo) CompareAndSet(_ context.Context, id *entity.Identity) error {
	cur, ok := r.items[id.UserID]
	if !ok {
		return entity.ErrNotFound
	}
	if cur.Version != id.Version {
		return entity.ErrVersionConflict
	}
	id.Version++
	cp := *id
	r.items[id.UserID] = &cp
	return nil
}

type memJobRepo struct {
	items map[string]*entity.Job

	// casErrs injects an error on the n-th CompareAndSet call (1-based,
	// counted from the last resetCAS).
	casCalls int
	casErrs  map[int]error
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{items: make(map[string]*entity.Job)}
}

func (r *memJobRepo) resetCAS(errs map[int]error) {
	r.casCalls = 0
	r.casErrs = errs
}

func (r *memJobRepo) Create(_ context.Context, job *entity.Job) error {
	cp := *job
	r.items[job.JobID] = &cp
	return nil
}

func (r *memJobRepo) Get(_ context.Context, jobID string) (*entity.Job, error) {
	cur, ok := r.items[jobID]
	if !ok {
		return nil, entity.ErrNotFound
	}
	cp := *cur
	return &cp, nil
}

func (r *memJobRepo) CompareAndSet(_ context.Context, job *entity.Job) error {
	r.casCalls++
	if err, ok := r.casErrs[r.casCalls]; ok {
		return err
	}
	cur, ok := r.items[job.JobID]
	if !ok {
		return entity.ErrNotFound
	}
	if cur.Version != job.Version {
		return entity.ErrVersionConflict
	}
	job.Version++
	cp := *job
	r.items[job.JobID] = &cp
	return nil
}

type published struct {
	lane  Lane
	task  entity.StageTask
	delay time.Duration
}

type fakePublisher struct {
	sent    []published
	failAll bool
}

func (p *fakePublisher) Publish(_ context.Context, lane Lane, task entity.StageTask) error {
	if p.failAll {
		return fmt.Errorf("broker unavailable")
	}
	p.sent = append(p.sent, published{lane: lane, task: task})
	return nil
}

func (p *fakePublisher) PublishIn(_ context.Context, lane Lane, task entity.StageTask, delay time.Duration) error {
	if p.failAll {
		return fmt.Errorf("broker unavailable")
	}
	p.sent = append(p.sent, published{lane: lane, task: task, delay: delay})
	return nil
}

func (p *fakePublisher) last() published {
	return p.sent[len(p.sent)-1]
}

type fakeGate struct {
	limit    int
	inflight int
}

func (g *fakeGate) TryAcquire(_ context.Context) (bool, error) {
	if g.inflight >= g.limit {
		return false, nil
	}
	g.inflight++
	return true, nil
}

func (g *fakeGate) Release(_ context.Context) error {
	if g.inflight > 0 {
		g.inflight--
	}
	return nil
}

type fakeWaitlist struct {
	refs []DispatchRef
}

func (w *fakeWaitlist) Push(_ context.Context, ref DispatchRef) error {
	w.refs = append(w.refs, ref)
	return nil
}

func (w *fakeWaitlist) Pop(_ context.Context) (DispatchRef, bool, error) {
	if len(w.refs) == 0 {
		return DispatchRef{}, false, nil
	}
	ref := w.refs[0]
	w.refs = w.refs[1:]
	return ref, true, nil
}

type fixture struct {
	identities *memIdentityRepo
	jobs       *memJobRepo
	pub        *fakePublisher
	gate       *fakeGate
	waitlist   *fakeWaitlist
	orch       *Orchestrator
}

func newFixture(gpuLimit int) *fixture {
	f := &fixture{
		identities: newMemIdentityRepo(),
		jobs:       newMemJobRepo(),
		pub:        &fakePublisher{},
		gate:       &fakeGate{limit: gpuLimit},
		waitlist:   &fakeWaitlist{},
	}
	f.orch = NewOrchestrator(f.identities, f.jobs, f.pub, f.gate, f.waitlist, nil, Config{
		ScriptMaxChars: 1000,
		DefaultVoiceID: "default-voice",
	})
	return f
}

func (f *fixture) seedReadyIdentity(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.identities.Create(context.Background(), &entity.Identity{
		UserID:        userID,
		Status:        entity.IdentityReady,
		DatasetPath:   "/data/" + userID,
		PhotoCount:    5,
		LoraModelPath: "/lora/" + userID + "/identity.safetensors",
		Version:       1,
	}))
}

func okReport(job *entity.Job, output string) entity.StageResult {
	return entity.StageResult{
		JobID:   job.JobID,
		Stage:   job.CurrentStage,
		Attempt: job.CurrentStageAttempt,
		OK:      true,
		Output:  []byte(output),
	}
}

func failReport(job *entity.Job, kind entity.FailureKind, msg string) entity.StageResult {
	return entity.StageResult{
		JobID:   job.JobID,
		Stage:   job.CurrentStage,
		Attempt: job.CurrentStageAttempt,
		OK:      false,
		Failure: kind,
		Message: msg,
	}
}

func (f *fixture) job(t *testing.T, jobID string) *entity.Job {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

// --- generation ---

func TestStartGenerationDispatchesFirstStage(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello world", "", "")
	require.NoError(t, err)

	stored := f.job(t, job.JobID)
	assert.Equal(t, entity.JobSynthesizingSpeech, stored.Status)
	assert.Equal(t, entity.StageSynthesizeSpeech, stored.CurrentStage)
	assert.Equal(t, 1, stored.CurrentStageAttempt)

	require.Len(t, f.pub.sent, 1)
	assert.Equal(t, LaneCPU, f.pub.sent[0].lane)
	assert.Equal(t, entity.StageSynthesizeSpeech, f.pub.sent[0].task.Stage)
	assert.Zero(t, f.pub.sent[0].delay)
}

func TestStartGenerationValidation(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	_, err := f.orch.StartGeneration(context.Background(), "user-1", "   ", "", "")
	assert.ErrorIs(t, err, entity.ErrValidation)

	long := make([]rune, 1001)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.orch.StartGeneration(context.Background(), "user-1", string(long), "", "")
	assert.ErrorIs(t, err, entity.ErrValidation)
}

func TestStartGenerationRequiresReadyIdentity(t *testing.T) {
	f := newFixture(2)

	_, err := f.orch.StartGeneration(context.Background(), "ghost", "hi", "", "")
	assert.ErrorIs(t, err, entity.ErrPreconditionFailed)

	require.NoError(t, f.identities.Create(context.Background(), &entity.Identity{
		UserID: "user-2", Status: entity.IdentityTraining, Version: 1,
	}))
	_, err = f.orch.StartGeneration(context.Background(), "user-2", "hi", "", "")
	assert.ErrorIs(t, err, entity.ErrPreconditionFailed)
}

func TestGenerationPipelineRunsToCompletion(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)

	steps := []struct {
		stage  entity.StageKind
		status entity.JobStatus
		output string
	}{
		{entity.StageSynthesizeSpeech, entity.JobSynthesizingSpeech, `{"audio_ref":"/audio/a.mp3"}`},
		{entity.StageGenerateTalkingHead, entity.JobGeneratingVideo, `{"video_ref":"/video/th.mp4"}`},
		{entity.StageEnhance, entity.JobEnhancing, `{"video_ref":"/video/final.mp4"}`},
		{entity.StageUpload, entity.JobUploading, `{"output_video_ref":"jobs/x/final.mp4"}`},
	}

	for _, step := range steps {
		stored := f.job(t, job.JobID)
		require.Equal(t, step.stage, stored.CurrentStage)
		require.Equal(t, step.status, stored.Status)
		require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(stored, step.output)))
	}

	final := f.job(t, job.JobID)
	assert.Equal(t, entity.JobCompleted, final.Status)
	assert.Equal(t, "jobs/x/final.mp4", final.OutputVideoRef)
	assert.Equal(t, "/audio/a.mp3", final.AudioRef)
	assert.NotNil(t, final.CompletedAt)
	assert.Zero(t, f.gate.inflight)

	history, err := final.History()
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestUploadSuccessWithoutArtifactFailsJob(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")
	require.NoError(t, f.jobs.Create(context.Background(), &entity.Job{
		JobID:               "job-1",
		UserID:              "user-1",
		ScriptText:          "hello",
		Status:              entity.JobUploading,
		CurrentStage:        entity.StageUpload,
		CurrentStageAttempt: 1,
		VideoRef:            "/video/final.mp4",
		Version:             1,
	}))

	stored := f.job(t, "job-1")
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(stored, `{}`)))

	final := f.job(t, "job-1")
	assert.Equal(t, entity.JobFailed, final.Status)
	assert.Equal(t, string(entity.FailureFatal), final.ErrorKind)
	assert.Empty(t, final.OutputVideoRef)
}

func TestCompositeStageRunsOnlyWithProductImage(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "/assets/product.png", "")
	require.NoError(t, err)

	stored := f.job(t, job.JobID)
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(stored, `{"audio_ref":"/audio/a.mp3"}`)))
	stored = f.job(t, job.JobID)
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(stored, `{"video_ref":"/video/th.mp4"}`)))

	stored = f.job(t, job.JobID)
	assert.Equal(t, entity.StageComposite, stored.CurrentStage)
	assert.Equal(t, entity.JobCompositing, stored.Status)
}

func TestDuplicateReportIsStale(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)

	stored := f.job(t, job.JobID)
	report := okReport(stored, `{"audio_ref":"/audio/a.mp3"}`)
	require.NoError(t, f.orch.OnStageResult(context.Background(), report))

	err = f.orch.OnStageResult(context.Background(), report)
	assert.ErrorIs(t, err, entity.ErrStaleReport)

	after := f.job(t, job.JobID)
	assert.Equal(t, entity.StageGenerateTalkingHead, after.CurrentStage)
	history, err := after.History()
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTransientFailureRetriesWithBackoffThenFails(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)

	// Attempts 1 and 2 fail transiently and are re-enqueued with backoff.
	retries := []struct {
		wantAttempt int
		wantDelay   time.Duration
	}{
		{2, 5 * time.Second},
		{3, 10 * time.Second},
	}
	for _, retry := range retries {
		stored := f.job(t, job.JobID)
		require.NoError(t, f.orch.OnStageResult(context.Background(), failReport(stored, entity.FailureTransient, "api timeout")))
		stored = f.job(t, job.JobID)
		assert.Equal(t, retry.wantAttempt, stored.CurrentStageAttempt)
		assert.Equal(t, retry.wantDelay, f.pub.last().delay)
		assert.Equal(t, retry.wantAttempt, f.pub.last().task.Attempt)
	}

	// Attempt 3 is the last one allowed.
	stored := f.job(t, job.JobID)
	require.NoError(t, f.orch.OnStageResult(context.Background(), failReport(stored, entity.FailureTransient, "api timeout")))

	final := f.job(t, job.JobID)
	assert.Equal(t, entity.JobFailed, final.Status)
	assert.Equal(t, string(entity.FailureTransient), final.ErrorKind)
	assert.Contains(t, final.ErrorMessage, "after 3 attempts")
}

func TestFatalFailureFailsImmediately(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)

	stored := f.job(t, job.JobID)
	require.NoError(t, f.orch.OnStageResult(context.Background(), failReport(stored, entity.FailureFatal, "script rejected")))

	final := f.job(t, job.JobID)
	assert.Equal(t, entity.JobFailed, final.Status)
	assert.Equal(t, string(entity.FailureFatal), final.ErrorKind)
	assert.Equal(t, 1, len(f.pub.sent), "no retry for fatal failures")
}

func TestVoiceFallbackDoesNotConsumeAttempt(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "/assets/sample.wav")
	require.NoError(t, err)

	stored := f.job(t, job.JobID)
	require.NoError(t, f.orch.OnStageResult(context.Background(), failReport(stored, entity.FailureTransient, "clone failed")))

	// Re-dispatched immediately on the default voice, same attempt.
	last := f.pub.last()
	assert.True(t, last.task.VoiceFallback)
	assert.Equal(t, 1, last.task.Attempt)
	assert.Zero(t, last.delay)

	stored = f.job(t, job.JobID)
	assert.Equal(t, 1, stored.CurrentStageAttempt)
	history, err := stored.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entity.OutcomeFallback, history[0].Outcome)

	// A failure of the fallback itself goes through the normal retry policy.
	res := failReport(stored, entity.FailureTransient, "api timeout")
	res.VoiceFallback = true
	require.NoError(t, f.orch.OnStageResult(context.Background(), res))
	stored = f.job(t, job.JobID)
	assert.Equal(t, 2, stored.CurrentStageAttempt)
}

func TestRedeliveredFallbackTriggerIsStale(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "/assets/sample.wav")
	require.NoError(t, err)

	report := failReport(f.job(t, job.JobID), entity.FailureTransient, "clone failed")
	require.NoError(t, f.orch.OnStageResult(context.Background(), report))
	published := len(f.pub.sent)

	// At-least-once delivery hands the same failure report over again; the
	// fallback must not dispatch a second time.
	err = f.orch.OnStageResult(context.Background(), report)
	assert.ErrorIs(t, err, entity.ErrStaleReport)

	assert.Len(t, f.pub.sent, published)
	stored := f.job(t, job.JobID)
	assert.Equal(t, 1, stored.CurrentStageAttempt)
	history, err := stored.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, entity.OutcomeFallback, history[0].Outcome)
}

func TestGPUGateFullParksDispatchUntilSlotFrees(t *testing.T) {
	f := newFixture(1)
	f.seedReadyIdentity(t, "user-1")
	f.seedReadyIdentity(t, "user-2")

	jobA, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)
	jobB, err := f.orch.StartGeneration(context.Background(), "user-2", "world", "", "")
	require.NoError(t, err)

	// A takes the only GPU slot.
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(f.job(t, jobA.JobID), `{"audio_ref":"/audio/a.mp3"}`)))
	assert.Equal(t, entity.JobGeneratingVideo, f.job(t, jobA.JobID).Status)
	assert.Equal(t, 1, f.gate.inflight)

	// B's talking-head dispatch parks on the waitlist.
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(f.job(t, jobB.JobID), `{"audio_ref":"/audio/b.mp3"}`)))
	assert.Equal(t, entity.JobQueued, f.job(t, jobB.JobID).Status)
	require.Len(t, f.waitlist.refs, 1)
	assert.Equal(t, jobB.JobID, f.waitlist.refs[0].JobID)

	// A failing fatally frees the slot and B gets dispatched.
	require.NoError(t, f.orch.OnStageResult(context.Background(), failReport(f.job(t, jobA.JobID), entity.FailureFatal, "render crashed")))
	assert.Equal(t, entity.JobGeneratingVideo, f.job(t, jobB.JobID).Status)
	assert.Equal(t, 1, f.gate.inflight)
	assert.Empty(t, f.waitlist.refs)
}

func TestFreedSlotReachesWaitlistWhenNextDispatchErrors(t *testing.T) {
	f := newFixture(1)
	f.seedReadyIdentity(t, "user-1")
	f.seedReadyIdentity(t, "user-2")

	jobA, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)
	jobB, err := f.orch.StartGeneration(context.Background(), "user-2", "world", "", "")
	require.NoError(t, err)

	// A holds the only slot at talking-head; B parks behind it.
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(f.job(t, jobA.JobID), `{"audio_ref":"/audio/a.mp3"}`)))
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(f.job(t, jobB.JobID), `{"audio_ref":"/audio/b.mp3"}`)))
	require.Len(t, f.waitlist.refs, 1)

	// A completes talking-head, but persisting the enhance dispatch errors.
	// The flow is claim CAS (call 1), then the dispatch status CAS (call 2).
	f.jobs.resetCAS(map[int]error{2: fmt.Errorf("record store down")})
	err = f.orch.OnStageResult(context.Background(), okReport(f.job(t, jobA.JobID), `{"video_ref":"/video/a.mp4"}`))
	require.Error(t, err)
	f.jobs.resetCAS(nil)

	// The slot A freed still reaches B.
	assert.Equal(t, entity.JobGeneratingVideo, f.job(t, jobB.JobID).Status)
	assert.Empty(t, f.waitlist.refs)
	assert.Equal(t, 1, f.gate.inflight)
}

func TestGPUSlotHeldAcrossTransientRetry(t *testing.T) {
	f := newFixture(1)
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(f.job(t, job.JobID), `{"audio_ref":"/audio/a.mp3"}`)))
	require.Equal(t, 1, f.gate.inflight)

	require.NoError(t, f.orch.OnStageResult(context.Background(), failReport(f.job(t, job.JobID), entity.FailureTransient, "oom")))
	assert.Equal(t, 1, f.gate.inflight, "slot stays held while the stage retries")
	assert.Equal(t, 2, f.job(t, job.JobID).CurrentStageAttempt)
}

func TestPublishFailureFailsJobInsteadOfStranding(t *testing.T) {
	f := newFixture(2)
	f.seedReadyIdentity(t, "user-1")

	f.pub.failAll = true
	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)

	final := f.job(t, job.JobID)
	assert.Equal(t, entity.JobFailed, final.Status)
	assert.Equal(t, string(entity.FailureTransient), final.ErrorKind)
	assert.Contains(t, final.ErrorMessage, "task enqueue failed")
}

func TestCancelJobOnlyWhileQueued(t *testing.T) {
	f := newFixture(0) // no GPU slots keeps the job queued at talking-head
	f.seedReadyIdentity(t, "user-1")

	job, err := f.orch.StartGeneration(context.Background(), "user-1", "hello", "", "")
	require.NoError(t, err)

	// Executing stage: not cancellable.
	_, err = f.orch.CancelJob(context.Background(), job.JobID)
	assert.ErrorIs(t, err, entity.ErrInvalidState)

	// Parked between stages: cancellable.
	require.NoError(t, f.orch.OnStageResult(context.Background(), okReport(f.job(t, job.JobID), `{"audio_ref":"/audio/a.mp3"}`)))
	require.Equal(t, entity.JobQueued, f.job(t, job.JobID).Status)

	cancelled, err := f.orch.CancelJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobFailed, cancelled.Status)
	assert.Equal(t, string(entity.FailureCancelled), cancelled.ErrorKind)

	// Cancelling twice is rejected on the terminal record.
	_, err = f.orch.CancelJob(context.Background(), job.JobID)
	assert.ErrorIs(t, err, entity.ErrInvalidState)
}

// --- training ---

func TestTrainingPipelineRunsToReady(t *testing.T) {
	f := newFixture(1)
	require.NoError(t, f.identities.Create(context.Background(), &entity.Identity{
		UserID:      "user-1",
		Status:      entity.IdentityNotStarted,
		DatasetPath: "/data/user-1",
		PhotoCount:  8,
		Version:     1,
	}))

	id, err := f.orch.StartTraining(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, entity.IdentityPreprocessing, id.Status)
	require.Len(t, f.pub.sent, 1)
	assert.Equal(t, LaneCPU, f.pub.sent[0].lane)

	require.NoError(t, f.orch.OnStageResult(context.Background(), entity.StageResult{
		UserID:  "user-1",
		Stage:   entity.StagePreprocess,
		Attempt: 1,
		OK:      true,
		Output:  []byte(`{"dataset_path":"/data/user-1/processed","face_count":8}`),
	}))

	stored, err := f.identities.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, entity.IdentityTraining, stored.Status)
	assert.Equal(t, "/data/user-1/processed", stored.DatasetPath)
	assert.Equal(t, 1, f.gate.inflight)

	require.NoError(t, f.orch.OnStageResult(context.Background(), entity.StageResult{
		UserID:  "user-1",
		Stage:   entity.StageTrain,
		Attempt: 1,
		OK:      true,
		Output:  []byte(`{"lora_model_path":"/lora/user-1/identity.safetensors"}`),
	}))

	stored, err = f.identities.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, entity.IdentityReady, stored.Status)
	assert.Equal(t, "/lora/user-1/identity.safetensors", stored.LoraModelPath)
	assert.Zero(t, f.gate.inflight)
}

func TestStartTrainingSingleFlight(t *testing.T) {
	f := newFixture(1)
	require.NoError(t, f.identities.Create(context.Background(), &entity.Identity{
		UserID:      "user-1",
		Status:      entity.IdentityNotStarted,
		DatasetPath: "/data/user-1",
		PhotoCount:  3,
		Version:     1,
	}))

	_, err := f.orch.StartTraining(context.Background(), "user-1")
	require.NoError(t, err)

	_, err = f.orch.StartTraining(context.Background(), "user-1")
	assert.ErrorIs(t, err, entity.ErrInvalidState)
}

func TestStartTrainingPreconditions(t *testing.T) {
	f := newFixture(1)

	_, err := f.orch.StartTraining(context.Background(), "ghost")
	assert.ErrorIs(t, err, entity.ErrPreconditionFailed)

	require.NoError(t, f.identities.Create(context.Background(), &entity.Identity{
		UserID:  "user-1",
		Status:  entity.IdentityNotStarted,
		Version: 1,
	}))
	_, err = f.orch.StartTraining(context.Background(), "user-1")
	assert.ErrorIs(t, err, entity.ErrPreconditionFailed)
}

func TestRetrainFromReadyOverwritesModel(t *testing.T) {
	f := newFixture(1)
	f.seedReadyIdentity(t, "user-1")

	id, err := f.orch.StartTraining(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, entity.IdentityPreprocessing, id.Status)
}

func TestTrainSuccessWithoutModelArtifactFailsIdentity(t *testing.T) {
	f := newFixture(1)
	require.NoError(t, f.identities.Create(context.Background(), &entity.Identity{
		UserID:              "user-1",
		Status:              entity.IdentityTraining,
		DatasetPath:         "/data/user-1",
		PhotoCount:          4,
		CurrentStage:        entity.StageTrain,
		CurrentStageAttempt: 1,
		Version:             1,
	}))
	f.gate.inflight = 1

	require.NoError(t, f.orch.OnStageResult(context.Background(), entity.StageResult{
		UserID:  "user-1",
		Stage:   entity.StageTrain,
		Attempt: 1,
		OK:      true,
		Output:  []byte(`{}`),
	}))

	stored, err := f.identities.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, entity.IdentityFailed, stored.Status)
	assert.Zero(t, f.gate.inflight)
}
