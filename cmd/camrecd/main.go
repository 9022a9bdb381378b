// SPDX-License-Identifier: MIT

// Command camrecd is the continuous multi-camera recording daemon: it
// supervises one capture process per camera, evicts aged recordings, and
// re-encodes old segments during quiet hours.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/camrecd/camrecd/internal/api"
	"github.com/camrecd/camrecd/internal/config"
	"github.com/camrecd/camrecd/internal/ffmpeg"
	"github.com/camrecd/camrecd/internal/log"
	"github.com/camrecd/camrecd/internal/recorder"
	"github.com/camrecd/camrecd/internal/storage"
	"github.com/camrecd/camrecd/internal/transcode"
)

// Set via -ldflags "-X main.version=..." at release build time.
var version = "dev"

const (
	stopTimeout = 15 * time.Second
	// 03:30 sits inside the default quiet hours, alongside the transcode
	// window.
	cleanupSchedule   = "30 3 * * *"
	emergencySchedule = "@every 10m"
)

func main() {
	configPath := flag.String("config", "", "configuration file (yaml or legacy conf)")
	showVersion := flag.Bool("version", false, "print version and exit")
	dryRun := flag.Bool("dry-run", false, "cleanup subcommand: report only, delete nothing")
	emergency := flag.Bool("emergency", false, "cleanup subcommand: oldest-first down to the emergency target")
	flag.Parse()

	if *showVersion {
		fmt.Println("camrecd", version)
		return
	}

	log.Configure(log.Config{Service: "camrecd"})
	logger := log.WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration load failed")
	}
	log.Reconfigure(log.Config{Service: "camrecd", Level: cfg.LogLevel})

	if problems := cfg.Validate(); len(problems) > 0 {
		for _, p := range problems {
			logger.Error().Msg(p)
		}
		logger.Fatal().Int("problems", len(problems)).Msg("configuration invalid")
	}

	switch flag.Arg(0) {
	case "":
		runDaemon(cfg)
	case "validate":
		runValidate(cfg)
	case "cleanup":
		runCleanup(cfg, *dryRun, *emergency)
	case "migrate":
		runMigrate(cfg, flag.Arg(1))
	default:
		logger.Fatal().Str("command", flag.Arg(0)).Msg("unknown subcommand, want validate, cleanup or migrate")
	}
}

// runValidate checks configuration and storage in one pass, the preflight
// for a new deployment.
func runValidate(cfg config.Config) {
	logger := log.WithComponent("validate")
	eng := storage.New(cfg.Recording.BaseDirectory, cfg.Recording.ContainerFormat, cfg.Storage)
	if problems := eng.ValidateStorage(); len(problems) > 0 {
		for _, p := range problems {
			logger.Error().Msg(p)
		}
		logger.Fatal().Int("problems", len(problems)).Msg("storage validation failed")
	}
	fmt.Println("configuration OK:", len(cfg.Cameras), "cameras,", cfg.Recording.BaseDirectory, "writable")
}

// runCleanup is the one-shot eviction pass for cron or manual use.
// -emergency switches to the oldest-first policy aimed at the configured
// emergency target.
func runCleanup(cfg config.Config, dryRun, emergency bool) {
	logger := log.WithComponent("cleanup")
	eng := storage.New(cfg.Recording.BaseDirectory, cfg.Recording.ContainerFormat, cfg.Storage)

	if emergency {
		if dryRun {
			logger.Fatal().Msg("emergency cleanup has no dry-run mode")
		}
		report, err := eng.EmergencyCleanup(float64(cfg.Storage.EmergencyTargetPct))
		if err != nil {
			logger.Fatal().Err(err).Msg("emergency cleanup failed")
		}
		fmt.Printf("emergency: removed %d files, freed %.1f MB (target %d%%)\n",
			report.FilesRemoved, float64(report.BytesFreed)/(1<<20), cfg.Storage.EmergencyTargetPct)
		return
	}

	report, err := eng.CleanupOld(dryRun)
	if err != nil {
		logger.Fatal().Err(err).Msg("cleanup failed")
	}
	fmt.Printf("removed %d files, freed %.1f MB (dry_run=%v)\n",
		report.FilesRemoved, float64(report.BytesFreed)/(1<<20), dryRun)
	if dryRun {
		for _, c := range report.Candidates {
			fmt.Println("  would remove:", c)
		}
	}
}

// runMigrate rewrites a legacy bash-style config as YAML.
func runMigrate(cfg config.Config, out string) {
	logger := log.WithComponent("migrate")
	if out == "" {
		logger.Fatal().Msg("migrate needs an output path")
	}
	if err := config.Save(cfg, out); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}
	fmt.Println("wrote", out)
}

func runDaemon(cfg config.Config) {
	logger := log.WithComponent("main")
	logger.Info().Str("version", version).Int("cameras", len(cfg.Cameras)).Msg("starting camrecd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := storage.New(cfg.Recording.BaseDirectory, cfg.Recording.ContainerFormat, cfg.Storage)
	if problems := eng.ValidateStorage(); len(problems) > 0 {
		for _, p := range problems {
			logger.Error().Msg(p)
		}
		logger.Fatal().Msg("storage validation failed")
	}

	bin, err := ffmpeg.Resolve(ctx, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("no usable ffmpeg installation")
	}
	gw := &ffmpeg.Gateway{Bin: bin, VAAPIDriver: cfg.VAAPIDriver}

	orch, err := recorder.NewOrchestrator(cfg.Cameras, cfg.Encoding, cfg.Recording, gw)
	if err != nil {
		logger.Fatal().Err(err).Msg("orchestrator setup failed")
	}
	started := orch.StartAll(ctx)
	for id, ok := range started {
		if !ok {
			logger.Error().Str("camera", id).Msg("camera did not start, continuing without it")
		}
	}

	var trans *transcode.Scheduler
	var apiTrans api.Transcoder
	transDone := make(chan struct{})
	if cfg.Transcoding.Enabled {
		trans, err = transcode.New(cfg.Transcoding, cfg.Recording.BaseDirectory, cfg.Recording.ContainerFormat, gw, eng)
		if err != nil {
			logger.Fatal().Err(err).Msg("transcoder setup failed")
		}
		apiTrans = trans
		go func() {
			defer close(transDone)
			trans.Run(ctx)
		}()
	} else {
		close(transDone)
	}

	sched := cron.New()
	if cfg.Storage.CleanupEnabled == nil || *cfg.Storage.CleanupEnabled {
		_, err = sched.AddFunc(cleanupSchedule, func() {
			report, err := eng.CleanupOld(false)
			if err != nil {
				logger.Error().Err(err).Msg("scheduled cleanup failed")
				return
			}
			logger.Info().Int("removed", report.FilesRemoved).Int64("freed_bytes", report.BytesFreed).Msg("scheduled cleanup done")
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("cleanup schedule invalid")
		}
	}
	_, err = sched.AddFunc(emergencySchedule, func() {
		if !eng.IsSpaceCritical() {
			if eng.IsSpaceLow() {
				logger.Warn().Msg("disk space low")
			}
			return
		}
		logger.Warn().Msg("disk space critical, emergency cleanup")
		report, err := eng.EmergencyCleanup(float64(cfg.Storage.EmergencyTargetPct))
		if err != nil {
			logger.Error().Err(err).Msg("emergency cleanup failed")
			return
		}
		logger.Info().Int("removed", report.FilesRemoved).Int64("freed_bytes", report.BytesFreed).Msg("emergency cleanup done")
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("emergency schedule invalid")
	}
	sched.Start()

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.New(orch, eng, apiTrans, version).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("listen", cfg.API.Listen).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-sched.Stop().Done()

	// Recorders first: their graceful SIGINT finalizes the open segments.
	// The supervisors spawned on a detached context, so nothing has been
	// killed by the signal yet; StopAll owns termination.
	stopped := orch.StopAll(shutdownCtx, stopTimeout)
	for id, ok := range stopped {
		if !ok {
			logger.Warn().Str("camera", id).Msg("camera was not recording at shutdown")
		}
	}

	// An in-flight transcode may run out its grace window; the loop exits
	// as soon as the current file is settled.
	<-transDone

	logger.Info().Msg("camrecd stopped")
}
