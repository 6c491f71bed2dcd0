package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"klipnote/internal/media"
	"klipnote/internal/models"
	"klipnote/pkg/logger"
)

// WhisperXAdapter shells out to `uv run ... python -m whisperx`, the general
// English-and-most-other-languages backend.
type WhisperXAdapter struct {
	cfg   AdapterConfig
	prober *media.Prober
}

func NewWhisperXAdapter(cfg AdapterConfig) *WhisperXAdapter {
	return &WhisperXAdapter{cfg: cfg, prober: media.NewProber(cfg.FFprobePath)}
}

func (a *WhisperXAdapter) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	return a.prober.ProbeDuration(ctx, mediaPath)
}

func (a *WhisperXAdapter) Transcribe(ctx context.Context, mediaPath, languageHint string) (*models.Transcript, error) {
	outDir, err := os.MkdirTemp(a.cfg.WorkDir, "whisperx-*")
	if err != nil {
		return nil, permanent("failed to create scratch directory", err)
	}
	defer os.RemoveAll(outDir)

	args := []string{
		"run", "--native-tls", "python", "-m", "whisperx",
		mediaPath,
		"--output_dir", outDir,
		"--output_format", "json",
		"--model", "small",
		"--device", "cpu",
		"--compute_type", "int8",
		"--print_progress", "False",
	}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}

	cmd := exec.CommandContext(ctx, a.cfg.UVPath, args...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	logger.Debug("Executing whisperx command", "args", strings.Join(args, " "))
	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, cancelled("transcription cancelled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, transient("inference exceeded its time ceiling", ctx.Err())
	}
	if err != nil {
		logger.Error("whisperx execution failed", "output", string(output), "error", err)
		return nil, classifyExecError(err, output)
	}

	return parseWhisperXResult(outDir)
}

func parseWhisperXResult(outDir string) (*models.Transcript, error) {
	files, err := filepath.Glob(filepath.Join(outDir, "*.json"))
	if err != nil {
		return nil, permanent("failed to glob result directory", err)
	}
	if len(files) == 0 {
		return nil, permanent("whisperx produced no result file", nil)
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		return nil, permanent("failed to read result file", err)
	}

	var raw struct {
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, permanent("failed to parse whisperx JSON result", err)
	}

	segments := make([]models.Segment, 0, len(raw.Segments))
	for _, s := range raw.Segments {
		segments = append(segments, models.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	if len(segments) == 0 {
		return nil, permanent("whisperx returned zero segments", nil)
	}

	return &models.Transcript{Segments: segments}, nil
}

// classifyExecError distinguishes a transient subprocess failure (the kind a
// retry might clear — OOM killer, a flaky model download) from a permanent
// one (bad input the model rejected). *exec.ExitError with a nonzero but
// low exit code is treated as permanent; anything else (binary not found,
// signal death) is transient.
func classifyExecError(err error, output []byte) *Error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() > 0 && exitErr.ExitCode() < 100 {
			return permanent(fmt.Sprintf("model rejected input: %s", firstLine(output)), err)
		}
	}
	return transient("transcription subprocess failed", err)
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
