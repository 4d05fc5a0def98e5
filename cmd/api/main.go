package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/tenderflow/backend/internal/app"
	"github.com/tenderflow/backend/pkg/config"
	appLogger "github.com/tenderflow/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting tender processing API server")

	services, err := app.Build(context.Background(), cfg)
	if err != nil {
		appLogger.Fatal("Failed to build services", zap.Error(err))
	}
	defer services.Close()

	if err := services.Serve(cfg.Server.Development); err != nil {
		appLogger.Error("Server exited", zap.Error(err))
	}
}
