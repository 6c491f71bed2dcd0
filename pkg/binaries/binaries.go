// Package binaries resolves paths to the external executables the worker
// adapters shell out to, the way the teacher's pkg/binaries resolves its own.
package binaries

import "os"

func resolve(envKey, fallback string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	return fallback
}

// UV returns the configured uv executable path. Both the belle2 and whisperx
// adapters invoke their Python entry points through uv run.
func UV() string {
	return resolve("KLIPNOTE_UV_BIN", "uv")
}

// FFprobe returns the configured ffprobe executable path, used to probe
// uploaded media duration ahead of queueing a job.
func FFprobe() string {
	return resolve("KLIPNOTE_FFPROBE_BIN", "ffprobe")
}
