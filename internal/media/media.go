// Package media probes and sniffs uploaded audio/video files: duration and
// container integrity via ffprobe, content-type via byte sniffing as a
// defense-in-depth check alongside the declared multipart Content-Type.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
)

// Prober invokes ffprobe to extract duration and verify container integrity.
type Prober struct {
	FFprobePath string
}

func NewProber(ffprobePath string) *Prober {
	return &Prober{FFprobePath: ffprobePath}
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration shells out to ffprobe and returns the media duration in
// seconds. ctx should carry the probe's hard timeout (spec.md §5, default
// 60s) — a context deadline surfaces as a plain error the caller turns into
// InvalidMedia, same as a probe that exits nonzero on a corrupt container.
func (p *Prober) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		mediaPath,
	)

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(out, &parsed); err != nil {
		return 0, fmt.Errorf("ffprobe produced unparseable output: %w", err)
	}

	seconds, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe reported no duration: %w", err)
	}
	return seconds, nil
}

// SniffContentType inspects the first bytes of a buffer and returns the MIME
// type mimetype detects, independent of any client-declared header.
func SniffContentType(head []byte) string {
	return mimetype.Detect(head).String()
}
