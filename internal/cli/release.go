package cli

import (
	"github.com/spf13/cobra"

	"github.com/tenderflow/backend/internal/app"
)

var releaseProjectID int64

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Mark a processing task left running by a dead worker as failed and resumable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(s *app.Services) error {
			task, err := s.Orchestrator.Release(cmd.Context(), releaseProjectID)
			if err != nil {
				return err
			}
			printBox(cmd.OutOrStdout(), "Released",
				field{"project", releaseProjectID},
				field{"status", task.OverallStatus},
				field{"completed step", task.CompletedStep},
				field{"resume at step", task.CompletedStep + 1},
			)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(releaseCmd)
	releaseCmd.Flags().Int64Var(&releaseProjectID, "project-id", 0, "project whose task to release")
	_ = releaseCmd.MarkFlagRequired("project-id")
}
