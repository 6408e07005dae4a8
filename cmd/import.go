package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/okian/rollcall/internal/adapters/repository"
	app "github.com/okian/rollcall/internal/app"
	"github.com/okian/rollcall/pkg/logger"
)

var importCmd = &cobra.Command{
	Use:   "import <file.csv>",
	Short: "Import name,timestamp attendance lines",
	Long: `Import reads a CSV of name,timestamp lines into the configured store.
Users are created by name when missing and each line becomes a present
record. Timestamps are "2006-01-02 15:04:05" in local time or RFC3339.
Malformed lines are skipped and listed at the end.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().Bool("quiet", false, "hide the progress bar")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	store, err := app.OpenStore(ctx, cfg, logger.Named("store"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var opts []repository.ImportOption
	if !mustGetBool(cmd, "quiet") {
		bar := newImportBar(countLines(data))
		opts = append(opts, repository.WithProgress(func(line int) { _ = bar.Set(line) }))
		defer func() { _ = bar.Finish() }()
	}

	res, err := repository.ImportCSV(ctx, store, bytes.NewReader(data), opts...)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("import %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "lines: %d, imported: %d, users created: %d, skipped: %d\n",
		res.Lines, res.Imported, res.UsersCreated, res.Skipped)
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  %v\n", e)
	}
	return nil
}

func newImportBar(total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Importing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("lines"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// countLines counts CSV lines, including a final line without a newline.
func countLines(data []byte) int {
	n := bytes.Count(data, []byte{'\n'})
	if len(data) > 0 && data[len(data)-1] != '\n' {
		n++
	}
	return n
}
