// Package app builds the service graph shared by the API server and the CLI.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/api"
	"github.com/tenderflow/backend/internal/api/handlers"
	"github.com/tenderflow/backend/internal/cache"
	"github.com/tenderflow/backend/internal/cache/redis"
	"github.com/tenderflow/backend/internal/llm"
	"github.com/tenderflow/backend/internal/parserdebug"
	"github.com/tenderflow/backend/internal/pipeline"
	"github.com/tenderflow/backend/internal/prompts"
	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/storage/sqlite"
	"github.com/tenderflow/backend/internal/structure"
	"github.com/tenderflow/backend/internal/tasks"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/logger"
)

type Services struct {
	Config       *config.Config
	DB           *sqlite.Client
	Redis        *redis.Client
	LLM          llm.Client
	Prompts      *prompts.Manager
	Orchestrator *pipeline.Orchestrator
	Tasks        *tasks.Manager
	Risk         *tasks.RiskRunner
	Ensemble     *structure.Ensemble
	ParserDebug  *parserdebug.Service
}

// Build opens the stores and assembles every service. Redis is optional: when it is disabled or
// unreachable the LLM cache stays in memory and progress is served from the in-process hub.
func Build(ctx context.Context, cfg *config.Config) (*Services, error) {
	db, err := sqlite.Open(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	s := &Services{Config: cfg, DB: db}

	var shared cache.Cache
	var publisher tasks.Publisher
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without shared cache", zap.Error(err))
		} else {
			s.Redis = rc
			shared, publisher = rc, rc
		}
	}

	s.LLM, err = llm.NewFromConfig(ctx, cfg.LLM, shared)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Prompts = prompts.NewManager(cfg.Prompts.Dir)

	keywords, err := risk.LoadKeywords(cfg.Risk.KeywordsFile)
	if err != nil {
		s.Close()
		return nil, err
	}
	analyzer := risk.NewAnalyzer(s.LLM, s.Prompts, keywords, risk.OptionsFromConfig(cfg.Risk))

	s.Orchestrator = pipeline.New(db, s.LLM, s.Prompts, pipeline.OptionsFromConfig(cfg))
	s.Tasks = tasks.NewManager(db, cfg.Tasks)
	s.Risk = tasks.NewRiskRunner(s.Tasks, db, analyzer, tasks.NewHub(publisher), cfg.Risk.ExportDir)
	s.Ensemble = structure.NewEnsembleFromConfig(cfg.Parser, s.LLM, s.Prompts)
	s.ParserDebug = parserdebug.NewService(db, s.Ensemble, cfg.Server.UploadDir)

	logger.Info("Services ready",
		zap.String("sqlite", cfg.SQLite.Path),
		zap.Bool("redis", s.Redis != nil),
		zap.Strings("structure_methods", s.Ensemble.Methods()),
	)
	return s, nil
}

// Wait blocks until every background pipeline run and risk task has returned.
func (s *Services) Wait() {
	s.Orchestrator.Wait()
	s.Risk.Wait()
}

func (s *Services) Close() {
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if err := s.DB.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}
}

// Serve runs the HTTP API until SIGINT or SIGTERM, then drains in-flight work.
func (s *Services) Serve(accessLog bool) error {
	deps := handlers.Deps{
		DB:           s.DB,
		Orchestrator: s.Orchestrator,
		Risk:         s.Risk,
		ParserDebug:  s.ParserDebug,
	}
	if s.Redis != nil {
		deps.Progress = s.Redis
	}

	app, limiter := api.NewApp(api.Options{
		Server:    s.Config.Server,
		Metrics:   s.Config.Metrics,
		AccessLog: accessLog,
	}, deps)
	defer limiter.Stop()

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting", zap.String("address", addr))
		errCh <- app.Listen(addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	s.Wait()
	logger.Info("Server stopped")
	return nil
}
