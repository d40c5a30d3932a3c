package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/simsync/internal/importer"
	"github.com/dgnsrekt/simsync/internal/notify"
	"github.com/dgnsrekt/simsync/internal/schedule"
	"github.com/dgnsrekt/simsync/internal/staging"
)

func blockagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blockages",
		Short: "Import and export month-anchored blockage files",
	}

	cmd.AddCommand(importCmd())
	cmd.AddCommand(templateCmd())

	return cmd
}

func importCmd() *cobra.Command {
	var (
		anchorFlag string
		dryRun     bool
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "import FILE [FILE...]",
		Short: "Decode blockage files and create the blockages in bulk",
		Long: `Decode blockage files and submit each file's records to the backend in a
single bulk request. One malformed line aborts that file's import.

Each line is <start>-<end>:x1,y1,x2,y2,... where start and end are DDdHHhMMm
offsets from the anchor month. Files ending in .gz or .zst are decompressed.

Examples:
  # Anchor taken from the file name
  simsync blockages import 202501.bloqueos.txt

  # Explicit anchor
  simsync blockages import --anchor 2025-01 closures.txt.gz

  # Several months at once
  simsync blockages import --workers 4 2025*.bloqueos.txt

  # Decode only
  simsync blockages import --dry-run 202501.bloqueos.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tasks := make([]importer.Task, 0, len(args))
			for _, path := range args {
				anchor, err := resolveAnchor(anchorFlag, path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				tasks = append(tasks, importer.Task{Path: path, Anchor: anchor})
			}

			logger.Info("generated tasks", zap.Int("count", len(tasks)))

			if dryRun {
				return printRecords(tasks)
			}

			client := newAPIClient(cfg.API, logger.Named("api"))
			mgr := importer.NewManager(client, workers, logger.Named("importer"))

			result, err := mgr.Execute(ctx, tasks)
			if err != nil {
				return err
			}

			notifier := notify.New(notifyConfig(cfg.Notify), logger.Named("notify"))
			for _, tr := range result.Tasks {
				summary := &notify.ImportSummary{
					File:    filepath.Base(tr.Task.Path),
					Anchor:  tr.Task.Anchor.String(),
					Created: tr.Created,
				}
				if tr.Batch != nil {
					summary.Decoded = len(tr.Batch.Records)
					summary.Skipped = tr.Batch.Skipped
				}

				var nerr error
				if tr.Error != nil {
					nerr = notifier.SendFailure(ctx, summary, tr.Duration, tr.Error)
				} else {
					nerr = notifier.SendSuccess(ctx, summary, tr.Duration)
				}
				if nerr != nil {
					logger.Warn("notification not sent", zap.String("task", tr.Task.String()), zap.Error(nerr))
				}
			}

			logger.Info("import complete",
				zap.Int("total", result.Total),
				zap.Int("success", result.Success),
				zap.Int("failed", result.Failed),
				zap.Int("records", result.Records),
				zap.Int("created", result.Created),
			)

			if result.Failed > 0 {
				for _, e := range result.Errors {
					logger.Error("import failed", zap.String("error", e))
				}
				return fmt.Errorf("%d of %d imports failed", result.Failed, result.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&anchorFlag, "anchor", "a", "", "anchor month YYYY-MM (default: YYYYMM prefix of each FILE)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "decode and print records without creating them")
	cmd.Flags().IntVarP(&workers, "workers", "w", 2, "files imported concurrently")

	return cmd
}

// printRecords decodes every task and prints what would be created.
func printRecords(tasks []importer.Task) error {
	for _, task := range tasks {
		batch, err := importer.ReadFile(task.Path, task.Anchor)
		if err != nil {
			return err
		}
		for _, rec := range batch.Records {
			fmt.Printf("Would create: %s %s -> %s %v\n", task,
				rec.Start.Format(time.DateTime), rec.End.Format(time.DateTime), rec.Polyline)
		}
	}
	return nil
}

func templateCmd() *cobra.Command {
	var (
		anchorFlag string
		fromFile   string
		fromAnchor string
		output     string
	)

	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write a commented blockage file",
		Long: `Write a commented blockage file for an anchor month. With --from, the
records of an existing file are re-encoded against the new anchor, which
keeps every instant and rewrites the day offsets.

Examples:
  # Empty template for January 2025
  simsync blockages template --anchor 2025-01

  # Re-anchor December's file to January
  simsync blockages template --anchor 2025-01 --from 202412.bloqueos.txt -o 202501.bloqueos.txt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			anchor, err := resolveAnchor(anchorFlag, "")
			if err != nil {
				return err
			}

			var records []schedule.Record
			if fromFile != "" {
				src, err := resolveAnchor(fromAnchor, fromFile)
				if err != nil {
					return err
				}
				batch, err := importer.ReadFile(fromFile, src)
				if err != nil {
					return err
				}
				records = batch.Records
			}

			write := func(w io.Writer) error {
				return importer.WriteTemplate(w, records, anchor)
			}
			if output == "" {
				err = write(cmd.OutOrStdout())
			} else {
				err = staging.WriteFile(output, write)
			}
			if err != nil {
				return err
			}

			logger.Debug("template written",
				zap.Stringer("anchor", anchor),
				zap.Int("records", len(records)),
				zap.String("output", output),
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&anchorFlag, "anchor", "a", "", "anchor month YYYY-MM (required)")
	cmd.Flags().StringVar(&fromFile, "from", "", "existing blockage file to re-encode")
	cmd.Flags().StringVar(&fromAnchor, "from-anchor", "", "anchor month of --from (default: YYYYMM prefix of its name)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	_ = cmd.MarkFlagRequired("anchor")

	return cmd
}
