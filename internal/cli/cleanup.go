package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tenderflow/backend/internal/app"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished agent tasks older than --days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		days := cleanupDays
		if days <= 0 {
			days = cfg.Tasks.CleanupDays
		}
		return withServices(cmd.Context(), func(s *app.Services) error {
			n, err := s.Tasks.CleanupExpiredTasks(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d tasks older than %d days\n", n, days)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "age in days (default: tasks.cleanupDays from config)")
}
