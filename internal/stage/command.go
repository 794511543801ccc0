package stage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/farukalptuzun/user-avatar-LoRa-pipeline-engine/internal/domain/entity"
)

// fatalExitCode is the conventional exit code the ML tooling uses for
// unrecoverable input errors (corrupt dataset, unreadable media).
const fatalExitCode = 2

// runCommand executes an ML tool, capturing stderr for failure reports.
// The tool writes its artifact to outPath.tmp; the rename happens only
// after a clean exit so retries never observe partial output.
func runCommand(ctx context.Context, bin string, args []string, outPath string) (entity.FailureKind, error) {
	var stderr bytes.Buffer

	tmpPath := outPath
	if outPath != "" {
		tmpPath = outPath + ".tmp"
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return entity.FailureTransient, fmt.Errorf("create output dir: %w", err)
		}
		args = append(args, "--output", tmpPath)
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if outPath != "" {
			os.Remove(tmpPath)
		}
		return classifyExecErr(ctx, err, stderr.String())
	}

	if outPath != "" {
		if err := os.Rename(tmpPath, outPath); err != nil {
			return entity.FailureTransient, fmt.Errorf("finalize output: %w", err)
		}
	}
	return "", nil
}

func classifyExecErr(ctx context.Context, err error, stderr string) (entity.FailureKind, error) {
	if ctx.Err() != nil {
		return entity.FailureTransient, fmt.Errorf("command interrupted: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		detail := tailLine(stderr)
		if exitErr.ExitCode() == fatalExitCode {
			return entity.FailureFatal, fmt.Errorf("tool rejected input: %s", detail)
		}
		return entity.FailureTransient, fmt.Errorf("tool exited with code %d: %s", exitErr.ExitCode(), detail)
	}

	// Misconfiguration such as a missing binary is not retryable.
	return entity.FailureFatal, fmt.Errorf("start command: %w", err)
}

// tailLine returns the last non-empty stderr line, the part ML tools
// put their actual error message in.
func tailLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return "no diagnostic output"
}
