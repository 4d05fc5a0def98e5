package cli

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tenderflow/backend/internal/app"
	"github.com/tenderflow/backend/internal/document"
	"github.com/tenderflow/backend/internal/pipeline"
)

var (
	processProjectID    int64
	processProjectName  string
	processFilterModel  string
	processExtractModel string
	processThrough      int
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run parse, filter and extract on a tender document",
	Long: `Process runs the three pipeline steps in the foreground:

  1. parse the document into ordered chunks
  2. label every chunk valuable or noise
  3. extract structured requirements from the valuable chunks

Example:
  tenderctl process tender.docx --project-id 42
  tenderctl process tender.docx --project-id 42 --through 2 --filter-model gpt-4o-mini`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().Int64Var(&processProjectID, "project-id", 0, "project id (required)")
	processCmd.Flags().StringVar(&processProjectName, "project-name", "", "project name for a new project")
	processCmd.Flags().StringVar(&processFilterModel, "filter-model", "", "model for step 2")
	processCmd.Flags().StringVar(&processExtractModel, "extract-model", "", "model for step 3")
	processCmd.Flags().IntVar(&processThrough, "through", pipeline.StepExtract, "last step to run (1-3)")
	_ = processCmd.MarkFlagRequired("project-id")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	doc, err := document.ParseFile(ctx, args[0])
	if err != nil {
		return err
	}

	name := processProjectName
	if name == "" {
		name = filepath.Base(args[0])
	}
	return withServices(ctx, func(s *app.Services) error {
		_, err := s.Orchestrator.Prepare(ctx, pipeline.StartRequest{
			ProjectID:    processProjectID,
			ProjectName:  name,
			Document:     doc,
			FilterModel:  processFilterModel,
			ExtractModel: processExtractModel,
			Through:      processThrough,
		})
		if err != nil {
			return err
		}

		results, runErr := s.Orchestrator.Run(ctx, processProjectID, pipeline.StepParse, processThrough)
		out := cmd.OutOrStdout()
		for _, r := range results {
			fields := []field{{"elapsed", fmt.Sprintf("%dms", r.ElapsedMS)}}
			for _, k := range slices.Sorted(maps.Keys(r.Stats)) {
				fields = append(fields, field{k, r.Stats[k]})
			}
			printBox(out, fmt.Sprintf("step %d: %s", r.Step, r.Name), fields...)
		}
		if runErr != nil {
			return runErr
		}

		status, err := s.Orchestrator.Status(ctx, processProjectID)
		if err != nil {
			return err
		}
		printBox(out, "project "+fmt.Sprint(processProjectID),
			field{"status", status.Task.OverallStatus},
			field{"chunks", status.Task.TotalChunks},
			field{"valuable", status.Task.ValuableChunks},
			field{"requirements", status.Task.TotalRequirements},
		)
		return nil
	})
}
