// Package config loads the orchestration subsystem's configuration from
// environment variables (and an optional .env file), the way the teacher's
// internal/config package does, generalized from its getEnv*/default helpers
// onto viper so the larger option table in spec.md §6 has one home.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"klipnote/pkg/binaries"
)

// Config holds every recognized option from spec.md §6.
type Config struct {
	Port string
	Host string

	UploadDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DefaultTranscriptionModel string // "belle2", "whisperx", or "auto"
	MaxFileSize               int64
	MaxDurationHours           int
	AllowedMediaTypes          []string

	Belle2Concurrency   int
	WhisperxConcurrency int

	WorkerVisibilityTimeout time.Duration
	MaxDeliveries           int

	ProbeTimeout        time.Duration
	InferenceMultiplier int // multiplies media duration to get the inference hard ceiling

	CorsOrigins []string

	// ResultNotReadyAs404 resolves spec.md §9's open question: when true,
	// GET /result on an incomplete job returns 404 instead of the spec-default 409.
	ResultNotReadyAs404 bool

	UVPath      string
	FFprobePath string
}

// IsProduction reports whether CORS should be restricted to CorsOrigins rather
// than echoing back the request Origin — mirrors the teacher's config.IsProduction.
func (c *Config) IsProduction() bool {
	return len(c.CorsOrigins) > 0 && !(len(c.CorsOrigins) == 1 && c.CorsOrigins[0] == "*")
}

// Load reads configuration from .env (if present) and the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("upload_dir", "data/uploads")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("default_transcription_model", "auto")
	v.SetDefault("max_file_size", int64(2)<<30) // 2 GiB
	v.SetDefault("max_duration_hours", 2)
	v.SetDefault("allowed_media_types", []string{
		"audio/mpeg", "audio/wav", "audio/mp4", "audio/x-m4a", "video/mp4",
	})
	v.SetDefault("belle2_concurrency", 1)
	v.SetDefault("whisperx_concurrency", 1)
	v.SetDefault("worker_visibility_timeout", "30m")
	v.SetDefault("max_deliveries", 3)
	v.SetDefault("probe_timeout", "60s")
	v.SetDefault("inference_multiplier", 6)
	v.SetDefault("cors_origins", []string{"*"})
	v.SetDefault("result_not_ready_as_404", false)
	v.SetDefault("uv_path", binaries.UV())
	v.SetDefault("ffprobe_path", binaries.FFprobe())

	return &Config{
		Port:                      v.GetString("port"),
		Host:                      v.GetString("host"),
		UploadDir:                 v.GetString("upload_dir"),
		RedisAddr:                 v.GetString("redis_addr"),
		RedisPassword:             v.GetString("redis_password"),
		RedisDB:                   v.GetInt("redis_db"),
		DefaultTranscriptionModel: v.GetString("default_transcription_model"),
		MaxFileSize:               v.GetInt64("max_file_size"),
		MaxDurationHours:          v.GetInt("max_duration_hours"),
		AllowedMediaTypes:         v.GetStringSlice("allowed_media_types"),
		Belle2Concurrency:         v.GetInt("belle2_concurrency"),
		WhisperxConcurrency:       v.GetInt("whisperx_concurrency"),
		WorkerVisibilityTimeout:   v.GetDuration("worker_visibility_timeout"),
		MaxDeliveries:             v.GetInt("max_deliveries"),
		ProbeTimeout:              v.GetDuration("probe_timeout"),
		InferenceMultiplier:       v.GetInt("inference_multiplier"),
		CorsOrigins:               v.GetStringSlice("cors_origins"),
		ResultNotReadyAs404:       v.GetBool("result_not_ready_as_404"),
		UVPath:                    v.GetString("uv_path"),
		FFprobePath:               v.GetString("ffprobe_path"),
	}
}
