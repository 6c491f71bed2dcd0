package export

import (
	"fmt"
	"strconv"
	"strings"

	"klipnote/internal/models"
)

// parseSRT is a minimal SRT reader used only by the round-trip property
// test (spec.md §8) — there is no production consumer of SRT import in this
// subsystem, exports are write-only.
func parseSRT(body string) ([]models.Segment, error) {
	blocks := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n")
	segments := make([]models.Segment, 0, len(blocks))

	for _, block := range blocks {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		lines := strings.Split(block, "\n")
		if len(lines) < 3 {
			return nil, fmt.Errorf("malformed SRT block: %q", block)
		}

		start, end, err := parseSRTTimecodeLine(lines[1])
		if err != nil {
			return nil, err
		}

		text := strings.TrimSpace(strings.Join(lines[2:], "\n"))
		segments = append(segments, models.Segment{Start: start, End: end, Text: text})
	}

	return segments, nil
}

func parseSRTTimecodeLine(line string) (start, end float64, err error) {
	parts := strings.Split(line, " --> ")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed timecode line: %q", line)
	}
	start, err = parseSRTTimestamp(parts[0])
	if err != nil {
		return 0, 0, err
	}
	end, err = parseSRTTimestamp(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

func parseSRTTimestamp(ts string) (float64, error) {
	ts = strings.TrimSpace(ts)
	commaParts := strings.Split(ts, ",")
	if len(commaParts) != 2 {
		return 0, fmt.Errorf("malformed timestamp: %q", ts)
	}
	hms := strings.Split(commaParts[0], ":")
	if len(hms) != 3 {
		return 0, fmt.Errorf("malformed timestamp: %q", ts)
	}

	hours, err := strconv.Atoi(hms[0])
	if err != nil {
		return 0, err
	}
	minutes, err := strconv.Atoi(hms[1])
	if err != nil {
		return 0, err
	}
	seconds, err := strconv.Atoi(hms[2])
	if err != nil {
		return 0, err
	}
	millis, err := strconv.Atoi(commaParts[1])
	if err != nil {
		return 0, err
	}

	total := float64(hours*3600+minutes*60+seconds) + float64(millis)/1000.0
	return total, nil
}
