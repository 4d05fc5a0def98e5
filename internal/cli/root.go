// Package cli implements tenderctl, the operator command line for the tender services.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tenderflow/backend/internal/app"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/logger"
)

var (
	cfgFile string
	verbose bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tenderctl",
	Short: "tenderctl - tender document processing and risk analysis",
	Long: `tenderctl runs the tender processing services from the command line.

It can serve the HTTP API, run the parse/filter/extract pipeline on a
document, analyze a tender for bid risks, compare chapter detection
strategies against an annotation, and purge expired tasks.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadFile(cfgFile)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logger.Init(level, cfg.Logging.Format, cfg.Logging.OutputPath)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute runs the root command. SIGINT cancels the command's context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// withServices builds the service graph for one command and closes it afterwards.
func withServices(ctx context.Context, fn func(*app.Services) error) error {
	s, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to build services: %w", err)
	}
	defer s.Close()
	return fn(s)
}
