package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"klipnote/internal/media"
	"klipnote/internal/models"
	"klipnote/pkg/logger"
)

// Belle2Adapter shells out to the BELLE-2 runner, the Mandarin-specialized
// backend the router selects for Chinese language_hints.
type Belle2Adapter struct {
	cfg    AdapterConfig
	prober *media.Prober
}

func NewBelle2Adapter(cfg AdapterConfig) *Belle2Adapter {
	return &Belle2Adapter{cfg: cfg, prober: media.NewProber(cfg.FFprobePath)}
}

func (a *Belle2Adapter) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	return a.prober.ProbeDuration(ctx, mediaPath)
}

func (a *Belle2Adapter) Transcribe(ctx context.Context, mediaPath, languageHint string) (*models.Transcript, error) {
	outDir, err := os.MkdirTemp(a.cfg.WorkDir, "belle2-*")
	if err != nil {
		return nil, permanent("failed to create scratch directory", err)
	}
	defer os.RemoveAll(outDir)

	resultPath := filepath.Join(outDir, "result.json")
	args := []string{
		"run", "--native-tls", "python", "-m", "belle2",
		"--audio", mediaPath,
		"--output", resultPath,
	}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}

	cmd := exec.CommandContext(ctx, a.cfg.UVPath, args...)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	logger.Debug("Executing belle2 command", "args", strings.Join(args, " "))
	output, err := cmd.CombinedOutput()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, cancelled("transcription cancelled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, transient("inference exceeded its time ceiling", ctx.Err())
	}
	if err != nil {
		logger.Error("belle2 execution failed", "output", string(output), "error", err)
		return nil, classifyExecError(err, output)
	}

	return parseBelle2Result(resultPath)
}

func parseBelle2Result(resultPath string) (*models.Transcript, error) {
	data, err := os.ReadFile(resultPath)
	if err != nil {
		return nil, permanent("belle2 produced no result file", err)
	}

	var raw struct {
		Segments []struct {
			Start      float64  `json:"start"`
			End        float64  `json:"end"`
			Text       string   `json:"text"`
			Confidence *float64 `json:"confidence,omitempty"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, permanent("failed to parse belle2 JSON result", err)
	}

	segments := make([]models.Segment, 0, len(raw.Segments))
	for _, s := range raw.Segments {
		segments = append(segments, models.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       s.Text,
			Confidence: s.Confidence,
		})
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	if len(segments) == 0 {
		return nil, permanent("belle2 returned zero segments", nil)
	}

	return &models.Transcript{Segments: segments}, nil
}
