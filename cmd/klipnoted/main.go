// Command klipnoted runs the Job Orchestration & Routing Subsystem: the HTTP
// surface and both worker pools in one process, or a one-shot restart-
// recovery sweep. Structured as a cobra root with serve/recover
// subcommands, mirroring the teacher's cobra-based CLI tooling
// (internal/cli/root.go).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"klipnote/internal/api"
	"klipnote/internal/broker"
	"klipnote/internal/config"
	"klipnote/internal/media"
	"klipnote/internal/models"
	"klipnote/internal/store"
	"klipnote/internal/transcription"
	"klipnote/internal/upload"
	"klipnote/internal/worker"
	"klipnote/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "klipnoted",
	Short: "KlipNote job orchestration daemon",
	Long:  `Runs the upload pipeline, dispatcher worker pools, and read/export HTTP surface for KlipNote transcription jobs.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP surface and both worker pools",
	RunE:  runServe,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run restart-recovery once: fail any job stuck in processing with no live worker lease",
	RunE:  runRecover,
}

func main() {
	rootCmd.AddCommand(serveCmd, recoverCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger.Init(os.Getenv("LOG_LEVEL"))

	rdb := newRedisClient(cfg)
	defer rdb.Close()

	jobStore := store.New(rdb, cfg.UploadDir)
	b := broker.New(rdb, cfg.WorkerVisibilityTimeout, cfg.MaxDeliveries)

	ctx := context.Background()
	n, err := jobStore.RecoverStaleProcessing(ctx, b)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}

	logger.Info("recovery sweep complete", "jobs_recovered", n)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger.Init(os.Getenv("LOG_LEVEL"))
	logger.Startup("init", fmt.Sprintf("KlipNote starting up on %s:%s", cfg.Host, cfg.Port))

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	rdb := newRedisClient(cfg)
	defer rdb.Close()

	jobStore := store.New(rdb, cfg.UploadDir)
	b := broker.New(rdb, cfg.WorkerVisibilityTimeout, cfg.MaxDeliveries)
	prober := media.NewProber(cfg.FFprobePath)

	pipelineCfg := upload.Config{
		UploadDir:                 cfg.UploadDir,
		MaxFileSize:               cfg.MaxFileSize,
		MaxDurationHours:          cfg.MaxDurationHours,
		AllowedMediaTypes:         cfg.AllowedMediaTypes,
		DefaultTranscriptionModel: models.Model(cfg.DefaultTranscriptionModel),
		ProbeTimeout:              cfg.ProbeTimeout,
	}
	pipeline := upload.New(pipelineCfg, jobStore, b, prober)

	adapterCfg := transcription.AdapterConfig{
		UVPath:      cfg.UVPath,
		FFprobePath: cfg.FFprobePath,
		WorkDir:     cfg.UploadDir,
	}
	belle2Service, err := transcription.ForModel(models.ModelBelle2, adapterCfg)
	if err != nil {
		return err
	}
	whisperxService, err := transcription.ForModel(models.ModelWhisperX, adapterCfg)
	if err != nil {
		return err
	}

	belle2Pool := worker.NewPool(models.ModelBelle2, b, jobStore, belle2Service,
		cfg.Belle2Concurrency, cfg.MaxDeliveries, cfg.InferenceMultiplier, 5*time.Second)
	whisperxPool := worker.NewPool(models.ModelWhisperX, b, jobStore, whisperxService,
		cfg.WhisperxConcurrency, cfg.MaxDeliveries, cfg.InferenceMultiplier, 5*time.Second)

	if n, err := jobStore.RecoverStaleProcessing(context.Background(), b); err != nil {
		logger.Error("startup recovery sweep failed", "error", err)
	} else if n > 0 {
		logger.Info("startup recovery sweep recovered stale jobs", "count", n)
	}

	handler := api.NewHandler(cfg, jobStore, pipeline)
	router := api.SetupRoutes(handler, cfg.CorsOrigins, cfg.IsProduction())

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error { return belle2Pool.Run(gctx) })
	g.Go(func() error { return whisperxPool.Run(gctx) })
	g.Go(func() error { b.RunReclaimer(gctx, 15*time.Second); return nil })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case <-gctx.Done():
		logger.Error("a subsystem stopped unexpectedly, shutting down")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("klipnoted exited cleanly")
	return nil
}
