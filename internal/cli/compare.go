package cli

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tenderflow/backend/internal/app"
	"github.com/tenderflow/backend/internal/parserdebug"
)

var (
	compareTruth     string
	compareAnnotator string
)

var compareCmd = &cobra.Command{
	Use:   "compare <file>",
	Short: "Run every chapter detection strategy and score them against an annotation",
	Long: `Compare uploads the document to the parser debug store, runs every enabled
structure strategy and, with --truth, scores each strategy's chapter list
against the annotated titles (one title per line).

Example:
  tenderctl compare tender.docx --truth chapters.txt`,
	Args: cobra.ExactArgs(1),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)
	compareCmd.Flags().StringVar(&compareTruth, "truth", "", "file with one ground-truth chapter title per line")
	compareCmd.Flags().StringVar(&compareAnnotator, "annotator", os.Getenv("USER"), "annotator recorded with the ground truth")
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}
	var truth []string
	if compareTruth != "" {
		if truth, err = readLines(compareTruth); err != nil {
			return err
		}
	}

	return withServices(ctx, func(s *app.Services) error {
		doc, err := s.ParserDebug.Upload(ctx, filepath.Base(args[0]), data)
		if err != nil {
			return err
		}
		events, err := s.ParserDebug.Stream(ctx, doc.DocumentID)
		if err != nil {
			return err
		}
		for e := range events {
			fmt.Fprintf(out, "[%3d%%] %s\n", e.Progress, e.Message)
			if e.Stage == parserdebug.StageError {
				return fmt.Errorf("parse stream: %s", e.Message)
			}
		}
		if len(truth) == 0 {
			fmt.Fprintf(out, "document %s parsed; pass --truth to score\n", doc.DocumentID)
			return nil
		}

		cmp, err := s.ParserDebug.SubmitGroundTruth(ctx, doc.DocumentID, parserdebug.GroundTruthInput{
			Chapters:  truth,
			Annotator: compareAnnotator,
		})
		if err != nil {
			return err
		}
		for _, sc := range cmp.Scores {
			printBox(out, sc.Method,
				field{"detected", sc.Detected},
				field{"matched", fmt.Sprintf("%d/%d", sc.Matched, sc.Truth)},
				field{"precision", sc.Precision},
				field{"recall", sc.Recall},
				field{"f1", sc.F1},
			)
		}
		printBox(out, "document "+doc.DocumentID,
			field{"best method", cmp.BestMethod},
			field{"ensemble f1", fmt.Sprintf("%.3f", cmp.EnsembleScore.F1)},
		)
		return nil
	})
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
