package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// SpeechExecutor synthesizes the job script into an audio track via an
// ElevenLabs-compatible API. When the task carries a raw voice sample
// instead of a voice id, a clone is created first and its id is echoed
// back in the result so it can be reused by later jobs.
type SpeechExecutor struct {
	APIBase        string
	APIKey         string
	DefaultVoiceID string
	AudioDir       string
	Client         *http.Client
}

func (e *SpeechExecutor) Kind() entity.StageKind { return entity.StageSynthesizeSpeech }

func (e *SpeechExecutor) httpClient() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

func (e *SpeechExecutor) Execute(ctx context.Context, task entity.StageTask) entity.StageResult {
	started := time.Now().UTC()

	var in entity.SpeechInput
	if err := decodeInput(task, &in); err != nil {
		return failResult(task, started, entity.FailureFatal, err.Error())
	}

	voiceID := in.VoiceID
	if voiceID == "" && in.VoiceSampleRef != "" {
		cloned, kind, err := e.cloneVoice(ctx, task.UserID, in.VoiceSampleRef)
		if err != nil {
			return failResult(task, started, kind, err.Error())
		}
		voiceID = cloned
	}
	if voiceID == "" {
		voiceID = e.DefaultVoiceID
	}

	audio, kind, err := e.synthesize(ctx, voiceID, in.ScriptText)
	if err != nil {
		return failResult(task, started, kind, err.Error())
	}

	audioPath := filepath.Join(e.AudioDir, task.JobID+".mp3")
	if err := writeFileAtomic(audioPath, audio); err != nil {
		return failResult(task, started, entity.FailureTransient, err.Error())
	}
	return okResult(task, started, entity.SpeechOutput{AudioRef: audioPath, VoiceID: voiceID})
}

func (e *SpeechExecutor) synthesize(ctx context.Context, voiceID, text string) ([]byte, entity.FailureKind, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, entity.FailureFatal, fmt.Errorf("encode synthesis request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", e.APIBase, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, entity.FailureFatal, fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.APIKey)

	resp, err := e.httpClient().Do(req)
	if err != nil {
		return nil, entity.FailureTransient, fmt.Errorf("speech API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyAPIStatus(resp.StatusCode), apiError("synthesis", resp)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, entity.FailureTransient, fmt.Errorf("read synthesis response: %w", err)
	}
	if len(audio) == 0 {
		return nil, entity.FailureTransient, fmt.Errorf("speech API returned empty audio")
	}
	return audio, "", nil
}

func (e *SpeechExecutor) cloneVoice(ctx context.Context, userID, samplePath string) (string, entity.FailureKind, error) {
	sample, err := os.Open(samplePath)
	if err != nil {
		return "", entity.FailureFatal, fmt.Errorf("open voice sample: %w", err)
	}
	defer sample.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("name", "avatar-"+userID); err != nil {
		return "", entity.FailureTransient, fmt.Errorf("build clone request: %w", err)
	}
	part, err := mw.CreateFormFile("files", filepath.Base(samplePath))
	if err != nil {
		return "", entity.FailureTransient, fmt.Errorf("build clone request: %w", err)
	}
	if _, err := io.Copy(part, sample); err != nil {
		return "", entity.FailureTransient, fmt.Errorf("read voice sample: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", entity.FailureTransient, fmt.Errorf("build clone request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.APIBase+"/v1/voices/add", &buf)
	if err != nil {
		return "", entity.FailureFatal, fmt.Errorf("build clone request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("xi-api-key", e.APIKey)

	resp, err := e.httpClient().Do(req)
	if err != nil {
		return "", entity.FailureTransient, fmt.Errorf("speech API unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyAPIStatus(resp.StatusCode), apiError("voice clone", resp)
	}

	var created struct {
		VoiceID string `json:"voice_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", entity.FailureTransient, fmt.Errorf("parse clone response: %w", err)
	}
	if created.VoiceID == "" {
		return "", entity.FailureTransient, fmt.Errorf("clone response missing voice_id")
	}
	return created.VoiceID, "", nil
}

// Rate limits and server errors are worth retrying; other client errors
// mean the request itself is bad.
func classifyAPIStatus(status int) entity.FailureKind {
	if status == http.StatusTooManyRequests || status >= 500 {
		return entity.FailureTransient
	}
	return entity.FailureFatal
}

func apiError(op string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s failed with status %d: %s", op, resp.StatusCode, bytes.TrimSpace(detail))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create audio dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write audio file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize audio file: %w", err)
	}
	return nil
}
