// Package cli wires together the store, cache, pipeline runner, and
// provider adapters that every grillmaster subcommand needs, the way
// apresai-podcaster's internal/cli package builds one shared pipeline.Options
// behind several cobra subcommands.
package cli

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/acamarata/grillmaster/internal/cache"
	"github.com/acamarata/grillmaster/internal/config"
	"github.com/acamarata/grillmaster/internal/pipeline"
	"github.com/acamarata/grillmaster/internal/projectdir"
	"github.com/acamarata/grillmaster/internal/providers"
	"github.com/acamarata/grillmaster/internal/providers/asr"
	"github.com/acamarata/grillmaster/internal/providers/mock"
	"github.com/acamarata/grillmaster/internal/providers/stage"
	"github.com/acamarata/grillmaster/internal/providers/translate"
	"github.com/acamarata/grillmaster/internal/rpc"
	"github.com/acamarata/grillmaster/internal/store"
	"github.com/acamarata/grillmaster/internal/submission"
)

// App bundles every long-lived dependency a subcommand might need.
type App struct {
	Config     *config.Config
	Log        *logrus.Logger
	Store      *store.Store
	Cache      *cache.Cache
	Runner     *pipeline.Runner
	Submission *submission.Service
	RPC        *rpc.Handler
}

// NewLogger builds the shared logrus logger, JSON-formatted on stdout as
// library_service/antserver do.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	log.SetLevel(logrus.InfoLevel)
	return log
}

// Bootstrap opens the store and cache, builds provider adapters for the
// configured PipelineMode, and wires the runner/submission/RPC layers.
func Bootstrap(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	st, err := store.Open(cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	c, err := cache.New(cfg.RedisAddr, log)
	if err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return nil, err
	}

	runner, err := pipeline.New(st, log, deps)
	if err != nil {
		return nil, fmt.Errorf("starting pipeline runner: %w", err)
	}

	if err := enqueueQueuedTasks(st, runner); err != nil {
		return nil, fmt.Errorf("requeueing pending tasks: %w", err)
	}

	sub := submission.New(st, runner)
	handler := rpc.New(st, sub, c, log)

	return &App{
		Config:     cfg,
		Log:        log,
		Store:      st,
		Cache:      c,
		Runner:     runner,
		Submission: sub,
		RPC:        handler,
	}, nil
}

// enqueueQueuedTasks re-enqueues every task left in "queued" state, the
// case crash recovery (spec.md §4.5) deliberately leaves untouched because
// it was never interrupted mid-step. Tasks submitted by the submit/retry
// subcommands while no server was running end up here.
func enqueueQueuedTasks(st *store.Store, runner *pipeline.Runner) error {
	tasks, err := st.ListTasks(math.MaxInt32)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == store.TaskQueued {
			runner.Enqueue(pipeline.Item{TaskID: t.TaskID, ProjectID: t.ProjectID})
		}
	}
	return nil
}

func buildDeps(ctx context.Context, cfg *config.Config) (*pipeline.Deps, error) {
	deps := &pipeline.Deps{
		Config: cfg,
		Dirs:   projectdir.New(cfg.ProjectsDir),
	}

	if cfg.PipelineMode == config.ModeMock {
		deps.ASR = mock.ASR
		deps.Translate = mock.Translate
		return deps, nil
	}

	if err := cfg.MissingLiveCredentialsError(); err != nil {
		return nil, err
	}

	stager, err := stage.New(cfg.OSSRegion, cfg.OSSBucket, cfg.OSSAccessKeyID, cfg.OSSAccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("building oss stager: %w", err)
	}
	dashscope := asr.New(cfg.DashscopeAPIURL, cfg.DashscopeAPIKey, cfg.FunASRModel, stager)
	deps.ASR = providers.ASRFunc(dashscope.Run)

	gemini, err := translate.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, fmt.Errorf("building gemini translator: %w", err)
	}
	deps.Translate = providers.TranslateFunc(gemini.Run)

	return deps, nil
}
