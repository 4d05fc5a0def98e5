package cli

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/tenderflow/backend/internal/app"
	"github.com/tenderflow/backend/internal/risk"
	"github.com/tenderflow/backend/internal/tasks"
)

var (
	riskResponse  string
	riskModel     string
	riskMode      string
	riskProjectID int64
)

var riskCmd = &cobra.Command{
	Use:   "risk <tender-file>",
	Short: "Analyze a tender for bid risks and write the Excel report",
	Long: `Risk locates the bidder instructions, evaluates every chunk for bid risks,
generates todos and exports an Excel report. With --mode reconcile and a
--response file each risk is also checked against the bid response.

Example:
  tenderctl risk tender.docx
  tenderctl risk tender.docx --mode reconcile --response bid.docx`,
	Args: cobra.ExactArgs(1),
	RunE: runRisk,
}

func init() {
	rootCmd.AddCommand(riskCmd)
	riskCmd.Flags().StringVar(&riskResponse, "response", "", "bid response document (reconcile mode)")
	riskCmd.Flags().StringVar(&riskModel, "model", "", "model name")
	riskCmd.Flags().StringVar(&riskMode, "mode", risk.ModeBidOnly, "bid_only or reconcile")
	riskCmd.Flags().Int64Var(&riskProjectID, "project-id", 0, "project the task belongs to")
}

func runRisk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	return withServices(ctx, func(s *app.Services) error {
		id, err := s.Risk.Create(ctx, tasks.RiskRequest{
			FilePath:     args[0],
			ResponsePath: riskResponse,
			ModelName:    riskModel,
			Mode:         riskMode,
			ProjectID:    riskProjectID,
		})
		if err != nil {
			return err
		}

		events, stop := s.Risk.Hub().Subscribe(id)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range events {
				fmt.Fprintf(out, "[%3d%%] %-12s %s\n", e.Progress, e.Stage, e.Message)
			}
		}()
		runErr := s.Risk.Run(ctx, id)
		stop()
		wg.Wait()
		if runErr != nil {
			return fmt.Errorf("task %s: %w", id, runErr)
		}

		status, err := s.Risk.Status(ctx, id)
		if err != nil {
			return err
		}
		for _, item := range status.Items {
			fmt.Fprintf(out, "%3d. [%s] %s\n", item.Index+1, level(item.RiskLevel), item.Requirement)
			if item.TodoAction != "" {
				fmt.Fprintf(out, "     todo: %s\n", item.TodoAction)
			}
		}
		path, err := s.Risk.ReportFile(ctx, id)
		if err != nil {
			return err
		}
		printBox(out, "risk task "+id,
			field{"status", status.Task.OverallStatus},
			field{"items", len(status.Items)},
			field{"report", path},
		)
		return nil
	})
}
