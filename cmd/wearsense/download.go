package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/download"
	"github.com/srg/wearsense/pkg/session"
)

var downloadCmd = &cobra.Command{
	Use:   "download <device>",
	Short: "Download logged data from flash",
	Long: `Download everything the board's loggers recorded, grouped by logger.

Logged data stays on the board unless --clear is given; flash is cleared
only after a complete download.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

var (
	downloadClear  bool
	downloadFormat string
	downloadStart  string
)

func init() {
	downloadCmd.Flags().BoolVar(&downloadClear, "clear", false, "Erase the downloaded entries from flash afterwards")
	downloadCmd.Flags().StringVarP(&downloadFormat, "format", "f", "summary", "Output format (summary, text, json)")
	downloadCmd.Flags().StringVar(&downloadStart, "start", "", "Start date (RFC3339) for data logged before any time reference; defaults to now")
}

type downloadSeries struct {
	Key     string       `json:"key"`
	Samples []sampleLine `json:"samples"`
}

type downloadReport struct {
	ID       string           `json:"id"`
	Complete bool             `json:"complete"`
	Received uint64           `json:"received_bytes"`
	Total    uint64           `json:"total_bytes"`
	Skipped  int              `json:"skipped_entries"`
	Series   []downloadSeries `json:"series"`
	Cleared  bool             `json:"cleared"`
}

func runDownload(cmd *cobra.Command, args []string) error {
	switch downloadFormat {
	case "summary", "text", "json":
	default:
		return fmt.Errorf("invalid format '%s': must be one of [summary text json]", downloadFormat)
	}
	start := time.Now()
	if downloadStart != "" {
		var err error
		if start, err = time.Parse(time.RFC3339, downloadStart); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}

	return onSessionWithApp(cmd, args[0], func(ctx context.Context, a *app, sess *session.Session) error {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.DownloadTimeout)
		defer cancel()

		dl, err := sess.Download(ctx, start)
		if err != nil {
			return err
		}

		progress := NewPercentProgressPrinter(cmd.ErrOrStderr(), "Downloading", "flash")
		progress.Start()
		for p := range dl.Updates(ctx) {
			progress.SetFraction(p.Fraction)
		}
		progress.Stop()

		res, err := dl.Wait(ctx)
		if err != nil {
			return err
		}

		cleared := false
		if downloadClear {
			if err := sess.Clear(ctx, res); err != nil {
				return fmt.Errorf("download succeeded but clearing flash failed: %w", err)
			}
			cleared = true
		}
		return printDownload(cmd.OutOrStdout(), res, cleared)
	})
}

// onSessionWithApp is onSession for commands that also need the app.
func onSessionWithApp(cmd *cobra.Command, ref string, fn func(ctx context.Context, a *app, sess *session.Session) error) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		sess, err := a.connect(ctx, ref)
		if err != nil {
			return err
		}
		return fn(ctx, a, sess)
	})
}

func printDownload(out io.Writer, res *download.Result, cleared bool) error {
	switch downloadFormat {
	case "json":
		report := downloadReport{
			ID:       res.ID.String(),
			Complete: res.Complete,
			Received: res.Received,
			Total:    res.Total,
			Skipped:  res.Skipped,
			Series:   []downloadSeries{},
			Cleared:  cleared,
		}
		for _, key := range res.Keys() {
			series := downloadSeries{Key: key, Samples: []sampleLine{}}
			for _, s := range res.Samples(key) {
				series.Samples = append(series.Samples, sampleLine{Time: s.Time, Signal: key, Value: s.Value})
			}
			report.Series = append(report.Series, series)
		}
		return writeJSON(out, report)

	case "text":
		for _, key := range res.Keys() {
			for _, row := range res.Rows(key) {
				fmt.Fprintf(out, "%s  %10.3f  %s  %s\n", row.Time.Format(time.RFC3339Nano), row.Elapsed.Seconds(), key, formatValue(row.Value))
			}
		}
		return nil
	}

	fmt.Fprintf(out, "Downloaded %d samples (%d of %d bytes)\n", res.Len(), res.Received, res.Total)
	if len(res.Keys()) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, heading(out, "LOGGER\tSAMPLES\tFIRST\tLAST"))
		for _, key := range res.Keys() {
			samples := res.Samples(key)
			first, last := "-", "-"
			if len(samples) > 0 {
				first = samples[0].Time.Format(time.RFC3339)
				last = samples[len(samples)-1].Time.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", key, len(samples), first, last)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	if res.Skipped > 0 {
		fmt.Fprintf(out, "Skipped %d entries of removed loggers\n", res.Skipped)
	}
	if cleared {
		fmt.Fprintln(out, "Flash cleared")
	}
	return nil
}
