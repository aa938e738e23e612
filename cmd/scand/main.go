// Command scand is the scan-pipeline service's daemon: the scheduler that
// enqueues periodic work, the job-runtime worker pool that executes it,
// and the LLM orchestrator's startup lock recovery. Signal-driven shutdown
// and config-then-run shape follow cmd/appliance-daemon's main.go; the
// rest of the composition (pool, scheduler, job handlers, LLM lock) has no
// teacher equivalent since the teacher is a single-host agent, not a
// worker-pool service — built directly from §5's scheduler/worker split.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/bmetallica/systemmap/internal/config"
	"github.com/bmetallica/systemmap/internal/credstore"
	"github.com/bmetallica/systemmap/internal/jobqueue"
	"github.com/bmetallica/systemmap/internal/llm"
	"github.com/bmetallica/systemmap/internal/netdiscover"
	"github.com/bmetallica/systemmap/internal/pipeline"
	"github.com/bmetallica/systemmap/internal/rules"
	"github.com/bmetallica/systemmap/internal/scheduler"
	"github.com/bmetallica/systemmap/internal/sdnotify"
	"github.com/bmetallica/systemmap/internal/sshexec"
	"github.com/bmetallica/systemmap/internal/vault"
)

var flagVersion = flag.Bool("version", false, "Print version and exit")

const version = "0.1.0"

func main() {
	flag.Parse()
	if *flagVersion {
		fmt.Println("scand " + version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	v, err := vault.New(cfg.VaultMasterKeyHex)
	if err != nil {
		logger.Fatal().Err(err).Msg("credential vault self-test failed")
	}

	if err := rules.SeedDefaults(ctx, pool, logger); err != nil {
		logger.Error().Err(err).Msg("failed to seed default alert rules")
	}

	workerID := int64(os.Getpid())
	if err := llm.NewLock(pool, workerID).ReleaseStartupOrphans(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to release orphaned llm lock from a prior crash")
	}

	creds := credstore.New(pool, v)
	sshExec := sshexec.NewExecutor()
	defer sshExec.CloseAll()
	scanner := netdiscover.NewScanner(cfg.NmapBinaryPath, 10*time.Minute, logger)
	orchestrator := llm.NewOrchestrator(pool, workerID, logger)

	jobs := jobqueue.New(pool, jobqueue.DefaultConfigs(), logger)
	pipelines := pipeline.New(pool, creds, sshExec, scanner, orchestrator, logger)
	pipelines.Register(jobs)

	sched := scheduler.New(pool, jobs, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- jobs.Run(ctx) }()
	go func() { errCh <- sched.Run(ctx) }()

	if err := sdnotify.Ready(); err != nil {
		logger.Warn().Err(err).Msg("sd_notify READY failed")
	}

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			logger.Error().Err(err).Msg("component stopped with error")
		}
	}
	logger.Info().Msg("scand stopped")
}
