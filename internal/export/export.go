// Package export renders a segment list into the two supported export
// formats. Pure functions only — no I/O, no caching — exports are never
// stored server-side; the client is authoritative for what it posts.
package export

import (
	"fmt"
	"strings"
	"time"

	"klipnote/internal/apierr"
	"klipnote/internal/models"
)

// Format is one of the two export formats spec.md §4.6 recognizes.
type Format string

const (
	FormatSRT Format = "srt"
	FormatTXT Format = "txt"
)

// Validate checks a segment list against spec.md §4.6's export validation
// rule: non-empty, each segment end > start >= 0, non-empty trimmed text.
func Validate(segments []models.Segment) error {
	if len(segments) == 0 {
		return apierr.New(apierr.KindInvalidFormat, "segments must be non-empty")
	}
	for i, seg := range segments {
		if seg.Start < 0 {
			return apierr.New(apierr.KindInvalidFormat, fmt.Sprintf("segment %d: start must be >= 0", i))
		}
		if seg.End <= seg.Start {
			return apierr.New(apierr.KindInvalidFormat, fmt.Sprintf("segment %d: end must be > start", i))
		}
		if strings.TrimSpace(seg.Text) == "" {
			return apierr.New(apierr.KindInvalidFormat, fmt.Sprintf("segment %d: text must be non-empty", i))
		}
	}
	return nil
}

// Render produces the export body for format, assuming segments already
// passed Validate.
func Render(segments []models.Segment, format Format) (string, error) {
	switch format {
	case FormatTXT:
		return renderTXT(segments), nil
	case FormatSRT:
		return renderSRT(segments), nil
	default:
		return "", apierr.New(apierr.KindInvalidFormat, fmt.Sprintf("unsupported export format %q", format))
	}
}

// renderTXT joins segment texts with single newlines, stripped of
// leading/trailing whitespace. No timestamps.
func renderTXT(segments []models.Segment) string {
	lines := make([]string, len(segments))
	for i, seg := range segments {
		lines[i] = strings.TrimSpace(seg.Text)
	}
	return strings.Join(lines, "\n")
}

// renderSRT produces 1-based-index, comma-decimal SRT blocks separated by a
// blank line.
func renderSRT(segments []models.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n",
			i+1,
			formatSRTTimestamp(seg.Start),
			formatSRTTimestamp(seg.End),
			strings.TrimSpace(seg.Text),
		)
		if i < len(segments)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func formatSRTTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	secs := d / time.Second
	d -= secs * time.Second
	millis := d / time.Millisecond

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, secs, millis)
}

// ContentType returns the MIME type for an export format's response body.
func ContentType(format Format) string {
	switch format {
	case FormatSRT:
		return "application/x-subrip"
	default:
		return "text/plain; charset=utf-8"
	}
}

// FileExtension returns the file extension used in the Content-Disposition
// filename for an export format.
func FileExtension(format Format) string {
	switch format {
	case FormatSRT:
		return "srt"
	default:
		return "txt"
	}
}
