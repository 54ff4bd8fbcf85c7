package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/maltedev/listing-scraper/internal/analysis"
	"github.com/maltedev/listing-scraper/internal/storage"
)

var (
	analyzeFile string
	analyzeTop  int
)

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeFile, "file", "f", "", "Record CSV file written by scrape or reviews.")
	analyzeCmd.Flags().IntVar(&analyzeTop, "top", analysis.DefaultTop, "Entries per ranking.")
	analyzeCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(analyzeCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze --file <records.csv>",
	Short: "Summarizes a record file: averages, price range and rankings.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(analyzeFile, analyzeTop, cmd.OutOrStdout())
	},
}

func runAnalyze(path string, top int, w io.Writer) error {
	rows, _, err := storage.ReadCSV(path)
	if err != nil {
		return usageError(fmt.Errorf("failed to read %s: %w", path, err))
	}
	if len(rows) == 0 {
		return &exitError{code: ExitNoRecords, err: fmt.Errorf("%s contains no records", path)}
	}
	analysis.RenderTable(w, analysis.SummarizeTop(rows, top))
	return nil
}
